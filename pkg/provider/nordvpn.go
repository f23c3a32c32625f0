package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultNordVPNRecommendationsURL = "https://api.nordvpn.com/v1/servers/recommendations?filters[servers_groups][identifier]=legacy_standard&filters[servers_technologies][identifier]=proxy_ssl&limit=15"
	defaultNordVPNPort               = 89
	defaultNordVPNStrength           = 0.2
	defaultNordVPNMaxTries           = 10
	defaultNordVPNPoolTTL            = time.Hour
	defaultNordVPNMinLoad            = 1
	defaultNordVPNMaxLoad            = 60
)

// defaultFallbackHosts is used whenever the recommendations endpoint cannot
// be reached or returns something unparseable. The pool must never end up
// empty.
var defaultFallbackHosts = []string{
	"cl33.nordvpn.com",
	"cl34.nordvpn.com",
	"cl35.nordvpn.com",
	"cl36.nordvpn.com",
	"cl37.nordvpn.com",
	"ar56.nordvpn.com",
	"ar58.nordvpn.com",
}

// NordVPNProvider issues direct-paradigm endpoints: each acquisition picks a
// concrete exit host round-robin from a candidate pool refreshed from the
// NordVPN recommendations API. Credentials and port are fixed; only the host
// rotates.
type NordVPNProvider struct {
	config  Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	pool        []string
	cursor      int
	lastRefresh time.Time
}

type recommendedServer struct {
	Hostname string `json:"hostname"`
	Status   string `json:"status"`
	Load     int    `json:"load"`
}

func newNordVPNProvider(config Config, logger *slog.Logger) *NordVPNProvider {
	if config.System != SystemNordVPN {
		panic("invalid system type for NordVPN provider")
	}
	if config.RecommendationsURL == "" {
		config.RecommendationsURL = defaultNordVPNRecommendationsURL
	}
	if len(config.FallbackHosts) == 0 {
		config.FallbackHosts = defaultFallbackHosts
	}
	if config.Port == 0 {
		config.Port = defaultNordVPNPort
	}
	if config.Strength == 0 {
		config.Strength = defaultNordVPNStrength
	}
	if config.MaxAttemptsPerRequest == 0 {
		config.MaxAttemptsPerRequest = defaultNordVPNMaxTries
	}
	if config.PoolTTL == 0 {
		config.PoolTTL = defaultNordVPNPoolTTL
	}
	if config.MinLoad == 0 {
		config.MinLoad = defaultNordVPNMinLoad
	}
	if config.MaxLoad == 0 {
		config.MaxLoad = defaultNordVPNMaxLoad
	}

	return &NordVPNProvider{
		config: config,
		logger: logger,
		// One refresh per 10s regardless of TTL, so a mis-set TTL cannot
		// hammer the recommendations API.
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

func (p *NordVPNProvider) Name() string {
	return string(SystemNordVPN)
}

func (p *NordVPNProvider) Strength() float64 {
	return p.config.Strength
}

func (p *NordVPNProvider) Paradigm() Paradigm {
	return ParadigmDirect
}

func (p *NordVPNProvider) MaxAttemptsPerRequest() int {
	return p.config.MaxAttemptsPerRequest
}

// Acquire refreshes the candidate pool if needed and returns an endpoint for
// the next host in round-robin order. The sticky flag is ignored: direct
// endpoints stay pinned to their host for as long as the caller reuses them.
func (p *NordVPNProvider) Acquire(sticky bool, opts Options) (string, error) {
	p.ensurePool()
	host := p.nextHost()

	p.logger.Debug("acquired nordvpn endpoint", "host", host)

	return fmt.Sprintf("https://%s:%s@%s:%d",
		p.config.Username,
		p.config.Password,
		host,
		p.config.Port), nil
}

// Release is a no-op: direct endpoints hold no provider-side leases.
func (p *NordVPNProvider) Release() error {
	return nil
}

// Hosts returns a snapshot of the current candidate pool, refreshing it
// first if needed.
func (p *NordVPNProvider) Hosts() []string {
	p.ensurePool()
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]string, len(p.pool))
	copy(hosts, p.pool)
	return hosts
}

// ensurePool guarantees a non-empty candidate pool. It refreshes from the
// recommendations endpoint when the pool is empty or the TTL elapsed, and
// degrades to the fallback host list on any fetch or parse failure.
func (p *NordVPNProvider) ensurePool() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pool) > 0 && time.Since(p.lastRefresh) <= p.config.PoolTTL {
		return
	}
	if len(p.pool) > 0 && !p.limiter.Allow() {
		p.logger.Debug("pool refresh rate-limited, reusing stale pool")
		return
	}

	hosts, err := p.fetchRecommendedHosts()
	if err != nil {
		p.logger.Warn("failed to refresh server pool, falling back to hardcoded list",
			"error", err)
		hosts = make([]string, len(p.config.FallbackHosts))
		copy(hosts, p.config.FallbackHosts)
	}

	shuffleStrings(hosts)
	p.pool = hosts
	p.cursor = 0
	p.lastRefresh = time.Now()

	p.logger.Debug("server pool refreshed", "size", len(p.pool))
}

func (p *NordVPNProvider) fetchRecommendedHosts() ([]string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(p.config.RecommendationsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch server recommendations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recommendations endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read recommendations: %w", err)
	}

	var servers []recommendedServer
	if err := json.Unmarshal(body, &servers); err != nil {
		return nil, fmt.Errorf("failed to decode recommendations: %w", err)
	}

	hosts := filterHostnames(servers, p.config.MinLoad, p.config.MaxLoad)
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no online servers within load range %d-%d",
			p.config.MinLoad, p.config.MaxLoad)
	}
	return hosts, nil
}

// filterHostnames keeps servers that are online and whose load is within
// [minLoad, maxLoad].
func filterHostnames(servers []recommendedServer, minLoad, maxLoad int) []string {
	var hosts []string
	for _, s := range servers {
		if s.Status == "online" && s.Load >= minLoad && s.Load <= maxLoad {
			hosts = append(hosts, s.Hostname)
		}
	}
	return hosts
}

// nextHost must not be called with an empty pool; ensurePool enforces that.
func (p *NordVPNProvider) nextHost() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	host := p.pool[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.pool)
	return host
}

func shuffleStrings(slice []string) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := len(slice) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		slice[i], slice[j] = slice[j], slice[i]
	}
}
