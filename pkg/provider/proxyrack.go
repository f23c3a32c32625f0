package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"proxyhop/pkg/fetch"
)

const (
	defaultProxyRackGateway    = "premium.residential.proxyrack.net"
	defaultProxyRackRandomPort = 9000
	defaultStickyPortBase      = 10000
	defaultStickyPortCount     = 4000
	defaultProxyRackStrength   = 0.8
	defaultProxyRackMaxTries   = 20
	defaultProxyRackReleaseURL = "http://api.proxyrack.net/release"
	defaultProxyRackStatsURL   = "http://api.proxyrack.net/stats"
)

// ProxyRackProvider issues DNS-paradigm endpoints: the gateway hostname is
// fixed and the gateway itself picks an exit node per connection. Dialing the
// random port gets a fresh exit every time; sticky ports pin one exit for the
// session length, so the provider rotates through a bounded sticky-port range
// round-robin.
type ProxyRackProvider struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	portIdx  int
	acquired []string // sticky endpoints handed out, for Release
}

func newProxyRackProvider(config Config, logger *slog.Logger) *ProxyRackProvider {
	if config.System != SystemProxyRack {
		panic("invalid system type for ProxyRack provider")
	}
	if config.Gateway == "" {
		config.Gateway = defaultProxyRackGateway
	}
	if config.RandomPort == 0 {
		config.RandomPort = defaultProxyRackRandomPort
	}
	if config.StickyPortBase == 0 {
		config.StickyPortBase = defaultStickyPortBase
	}
	if config.StickyPortCount == 0 {
		config.StickyPortCount = defaultStickyPortCount
	}
	if config.Strength == 0 {
		config.Strength = defaultProxyRackStrength
	}
	if config.MaxAttemptsPerRequest == 0 {
		config.MaxAttemptsPerRequest = defaultProxyRackMaxTries
	}
	if config.ReleaseURL == "" {
		config.ReleaseURL = defaultProxyRackReleaseURL
	}
	if config.StatsURL == "" {
		config.StatsURL = defaultProxyRackStatsURL
	}

	return &ProxyRackProvider{
		config: config,
		logger: logger,
	}
}

func (p *ProxyRackProvider) Name() string {
	return string(SystemProxyRack)
}

func (p *ProxyRackProvider) Strength() float64 {
	return p.config.Strength
}

func (p *ProxyRackProvider) Paradigm() Paradigm {
	return ParadigmDNS
}

func (p *ProxyRackProvider) MaxAttemptsPerRequest() int {
	return p.config.MaxAttemptsPerRequest
}

// optionSegments serializes acquisition options into username segments. The
// order is fixed so that identical options always produce an identical
// username, which the gateway requires for session pinning.
func optionSegments(opts Options) string {
	var segs []string
	if opts.Country != "" {
		segs = append(segs, "country-"+strings.ToUpper(opts.Country))
	}
	if opts.SessionID != "" {
		segs = append(segs, "session-"+opts.SessionID)
	}
	if opts.RefreshMinutes > 0 {
		segs = append(segs, "refreshMinutes-"+strconv.Itoa(opts.RefreshMinutes))
	}
	if len(segs) == 0 {
		return ""
	}
	return "-" + strings.Join(segs, "-")
}

// Acquire builds a gateway endpoint. Sticky acquisitions advance the shared
// sticky-port cursor; a forced port in opts overrides rotation entirely.
func (p *ProxyRackProvider) Acquire(sticky bool, opts Options) (string, error) {
	port := p.config.RandomPort
	if opts.ForcedPort != 0 {
		port = opts.ForcedPort
		p.logger.Info("sticky-port rotation overridden by forced port",
			"port", port)
	} else if sticky {
		port = p.nextStickyPort()
	}

	endpoint := fmt.Sprintf("socks5://%s%s:%s@%s:%d",
		p.config.Username,
		optionSegments(opts),
		p.config.Password,
		p.config.Gateway,
		port)

	if sticky {
		p.mu.Lock()
		p.acquired = append(p.acquired, endpoint)
		p.mu.Unlock()
	}

	p.logger.Debug("acquired proxyrack endpoint",
		"sticky", sticky,
		"port", port)

	return endpoint, nil
}

func (p *ProxyRackProvider) nextStickyPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.config.StickyPortBase + p.portIdx
	p.portIdx = (p.portIdx + 1) % p.config.StickyPortCount
	return port
}

// Release asks the gateway to drop the lease behind every sticky endpoint
// this instance handed out. Failures are logged and swallowed: leases expire
// on their own, releasing early is only an optimization.
func (p *ProxyRackProvider) Release() error {
	p.mu.Lock()
	endpoints := p.acquired
	p.acquired = nil
	p.mu.Unlock()

	for _, endpoint := range endpoints {
		_, err := fetch.Fetch(&fetch.Request{
			URL:        p.config.ReleaseURL,
			Proxy:      endpoint,
			TimeoutSec: 10,
		})
		if err != nil {
			p.logger.Warn("failed to release proxy lease", "error", err)
		}
	}
	return nil
}

// UsageStats fetches account usage statistics through the given endpoint.
// Diagnostic only, not on the request hot path.
func (p *ProxyRackProvider) UsageStats(endpoint string) (map[string]interface{}, error) {
	result, err := fetch.Fetch(&fetch.Request{
		URL:        p.config.StatsURL,
		Proxy:      endpoint,
		TimeoutSec: 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch usage stats: %w", err)
	}

	var stats map[string]interface{}
	if err := json.Unmarshal(result.Body, &stats); err != nil {
		return nil, fmt.Errorf("failed to decode usage stats: %w", err)
	}
	return stats, nil
}
