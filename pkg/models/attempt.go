package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Attempt is one recorded request attempt: which provider and endpoint were
// used, what came back, and how long it took.
type Attempt struct {
	bun.BaseModel `bun:"table:attempts,alias:a"`

	ID            int64     `bun:",pk,autoincrement"`
	Time          time.Time `bun:",notnull"`
	Method        string    `bun:",notnull"`
	URL           string    `bun:",notnull"`
	Provider      string
	Endpoint      string
	AttemptNumber int `bun:",notnull"`
	StatusCode    int
	Success       bool `bun:",notnull"`
	TransportErr  string
	DurationMs    int64
	CreatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
