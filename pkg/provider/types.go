package provider

import "time"

// Paradigm describes how a provider rotates exit nodes.
type Paradigm string

const (
	// ParadigmDNS means the proxy gateway picks the exit node itself;
	// rotation is driven by the port and username the caller dials.
	ParadigmDNS Paradigm = "dns"
	// ParadigmDirect means the caller selects a concrete exit host from a
	// candidate pool.
	ParadigmDirect Paradigm = "direct"
)

// System represents the type of proxy system
type System string

const (
	SystemProxyRack System = "proxyrack"
	SystemNordVPN   System = "nordvpn"
)

// Options tune a single acquisition. All fields are optional.
type Options struct {
	// Two-letter country code for geo pinning
	Country string
	// Session identifier for provider-side session pinning
	SessionID string
	// How often the provider should refresh the exit IP, in minutes
	RefreshMinutes int
	// ForcedPort overrides sticky-port rotation entirely. Intended for
	// debugging and manual pinning.
	ForcedPort int
}

// Config represents the configuration for a proxy provider
type Config struct {
	System   System
	Username string
	// API key for ProxyRack, account password for NordVPN
	Password string

	// Strength orders providers: higher is tried first.
	// Zero keeps the per-system default.
	Strength float64
	// MaxAttemptsPerRequest caps consecutive tries against this provider
	// within one logical request. Zero keeps the per-system default.
	MaxAttemptsPerRequest int

	// ProxyRack settings
	Gateway         string
	RandomPort      int
	StickyPortBase  int
	StickyPortCount int
	ReleaseURL      string
	StatsURL        string

	// NordVPN settings
	RecommendationsURL string
	FallbackHosts      []string
	Port               int
	PoolTTL            time.Duration
	MinLoad            int
	MaxLoad            int
}

// Provider defines the interface for different proxy providers
type Provider interface {
	Name() string
	// Strength is a static priority weight; providers are tried in
	// descending strength order.
	Strength() float64
	Paradigm() Paradigm
	MaxAttemptsPerRequest() int
	// Acquire returns a proxy endpoint URL. With sticky set, the endpoint
	// stays pinned to one exit node for the provider's session length and
	// must be reusable across retries without re-acquisition.
	Acquire(sticky bool, opts Options) (string, error)
	// Release frees any provider-side leases held by endpoints this
	// instance handed out. Best effort: leases expire on their own.
	Release() error
}
