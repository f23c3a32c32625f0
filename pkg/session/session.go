package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"proxyhop/pkg/fetch"
	"proxyhop/pkg/models"
	"proxyhop/pkg/provider"
)

var (
	// ErrProxyConflict is returned when a request carries an explicit proxy
	// while the session is configured with providers.
	ErrProxyConflict = errors.New("cannot set both an explicit proxy and proxy providers")
	// ErrNoResponse is returned when every attempt died in transport and no
	// response at all was obtained.
	ErrNoResponse = errors.New("no response obtained within the attempt budget")
)

// Transport performs the actual network call for one attempt. Reset is
// invoked after a transport-level failure to drop broken connections.
type Transport interface {
	Do(r *fetch.Request) (*fetch.Result, error)
	Reset()
}

// Recorder persists attempt outcomes. Recording is best effort; failures are
// logged and never affect the request.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt *models.Attempt) error
}

// RetryConfig is the immutable retry policy for a session.
type RetryConfig struct {
	// RetryOnFailure disabled means exactly one attempt per request.
	RetryOnFailure bool
	// MaxAttempts is the session-wide attempt ceiling across all providers.
	MaxAttempts int
	// Backoff is slept between attempts.
	Backoff time.Duration
	// IsSuccess classifies a response. Default: status in [200, 300).
	IsSuccess func(*fetch.Result) bool
}

// DefaultRetryConfig returns the policy used when callers do not supply one:
// up to 3 attempts with a 30 second backoff, 2xx counted as success.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		RetryOnFailure: true,
		MaxAttempts:    3,
		Backoff:        30 * time.Second,
		IsSuccess:      defaultIsSuccess,
	}
}

func defaultIsSuccess(r *fetch.Result) bool {
	code := r.StatusCode()
	return code >= 200 && code < 300
}

// ProxyConfig describes where a session gets its proxies from.
type ProxyConfig struct {
	// Providers in caller order. They are re-sorted by descending strength
	// on every request; equal strengths keep this order.
	Providers []provider.Provider
	// Sticky reuses the last successful provider's endpoint across requests
	// instead of rotating on every attempt.
	Sticky bool
	// FreezeAfterFirstSuccess stops provider iteration after one success
	// and reuses that proxy until it fails.
	FreezeAfterFirstSuccess bool
	// Options are passed through to every acquisition.
	Options provider.Options
}

// Session routes requests through rotating proxy providers, retrying failed
// attempts per its RetryConfig. A session assumes at most one in-flight
// logical request at a time; run concurrent requests on separate sessions.
type Session struct {
	proxy     ProxyConfig
	retry     RetryConfig
	transport Transport
	recorder  Recorder
	logger    *slog.Logger
	sleep     func(time.Duration)

	attempts     int // per logical request, reset by Do
	successes    int
	frozen       bool
	lastProvider provider.Provider
	currentProxy string
}

// New creates a Session. A nil logger falls back to slog.Default. Sticky
// sessions without an explicit session id get a generated one so that every
// sticky acquisition pins the same provider-side session.
func New(proxyCfg ProxyConfig, retryCfg RetryConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if retryCfg.IsSuccess == nil {
		retryCfg.IsSuccess = defaultIsSuccess
	}
	if retryCfg.MaxAttempts <= 0 {
		retryCfg.MaxAttempts = 1
	}
	if proxyCfg.Sticky && proxyCfg.Options.SessionID == "" {
		proxyCfg.Options.SessionID = uuid.New().String()[:8]
	}

	return &Session{
		proxy:     proxyCfg,
		retry:     retryCfg,
		transport: fetch.NewClient(),
		logger:    logger,
		sleep:     time.Sleep,
	}
}

// SetTransport replaces the transport collaborator.
func (s *Session) SetTransport(t Transport) {
	s.transport = t
}

// SetRecorder enables attempt recording.
func (s *Session) SetRecorder(r Recorder) {
	s.recorder = r
}

// Attempts returns how many attempts the last logical request consumed.
func (s *Session) Attempts() int {
	return s.attempts
}

// LastProvider returns the provider behind the last successful request, if
// stickiness or freezing kept one.
func (s *Session) LastProvider() provider.Provider {
	return s.lastProvider
}

// Frozen reports whether the session is pinned to its current proxy.
func (s *Session) Frozen() bool {
	return s.frozen
}

// Do executes one logical request. It returns the final response, successful
// or not; ErrNoResponse when every attempt failed in transport; or
// ErrProxyConflict before any network I/O on conflicting configuration.
func (s *Session) Do(req *fetch.Request) (*fetch.Result, error) {
	if req.Proxy != "" && len(s.proxy.Providers) > 0 {
		return nil, ErrProxyConflict
	}

	s.attempts = 0

	if len(s.proxy.Providers) == 0 || req.Proxy != "" {
		return s.flatRetry(req, req.Proxy, "")
	}

	if s.frozen {
		res, err := s.flatRetry(req, s.currentProxy, s.providerName(s.lastProvider))
		if res == nil || !s.retry.IsSuccess(res) {
			s.logger.Info("frozen proxy failed, unfreezing session")
			s.frozen = false
			s.lastProvider = nil
			s.currentProxy = ""
		}
		return res, err
	}

	if s.proxy.Sticky && s.lastProvider != nil && s.currentProxy != "" {
		res := s.attempt(req, s.providerName(s.lastProvider), s.currentProxy)
		if res != nil && s.retry.IsSuccess(res) {
			s.successes++
			return res, nil
		}
		// The remembered endpoint went bad. Forget it and fall through to
		// the full provider search.
		s.lastProvider = nil
		s.currentProxy = ""
		if !s.retry.RetryOnFailure || s.attempts >= s.retry.MaxAttempts {
			if res == nil {
				return nil, ErrNoResponse
			}
			return res, nil
		}
		s.sleep(s.retry.Backoff)
	}

	return s.searchProviders(req)
}

// loopState is the attempt loop's explicit state. Transitions are guarded by
// the session attempt budget, the per-provider budget, and the success
// predicate.
type loopState int

const (
	stateTryingProvider loopState = iota
	stateRotatingWithinProvider
	stateAdvancingProvider
	stateSessionExhausted
	stateSucceeded
)

// searchProviders walks providers in descending strength order, driving the
// per-provider attempt state machine until success or exhaustion.
func (s *Session) searchProviders(req *fetch.Request) (*fetch.Result, error) {
	providers := s.sortedProviders()

	var last *fetch.Result

	for _, prov := range providers {
		s.logger.Debug("trying provider",
			"provider", prov.Name(),
			"strength", prov.Strength(),
			"maxAttempts", prov.MaxAttemptsPerRequest())

		proxy, err := prov.Acquire(s.proxy.Sticky, s.proxy.Options)
		if err != nil {
			s.logger.Warn("failed to acquire proxy, skipping provider",
				"provider", prov.Name(), "error", err)
			continue
		}

		providerAttempts := 0
		var res *fetch.Result
		state := stateTryingProvider

	providerLoop:
		for {
			switch state {
			case stateTryingProvider:
				res = s.attempt(req, prov.Name(), proxy)
				providerAttempts++
				if res != nil {
					last = res
				}

				switch {
				case res != nil && s.retry.IsSuccess(res):
					state = stateSucceeded
				case !s.retry.RetryOnFailure || s.attempts >= s.retry.MaxAttempts:
					state = stateSessionExhausted
				case providerAttempts >= prov.MaxAttemptsPerRequest():
					state = stateAdvancingProvider
				default:
					state = stateRotatingWithinProvider
				}

			case stateRotatingWithinProvider:
				if s.shouldRotateProxy(prov) {
					proxy, err = prov.Acquire(s.proxy.Sticky, s.proxy.Options)
					if err != nil {
						s.logger.Warn("failed to rotate proxy",
							"provider", prov.Name(), "error", err)
						state = stateAdvancingProvider
						continue
					}
				}
				s.sleep(s.retry.Backoff)
				state = stateTryingProvider

			case stateAdvancingProvider:
				s.logger.Debug("provider exhausted, advancing",
					"provider", prov.Name())
				s.currentProxy = ""
				s.sleep(s.retry.Backoff)
				break providerLoop

			case stateSessionExhausted:
				s.logger.Debug("attempt budget exhausted",
					"attempts", s.attempts, "max", s.retry.MaxAttempts)
				if last == nil {
					return nil, ErrNoResponse
				}
				return last, nil

			case stateSucceeded:
				s.recordSuccess(prov, proxy)
				return res, nil
			}
		}
	}

	if last == nil {
		return nil, ErrNoResponse
	}
	return last, nil
}

// flatRetry retries the request against one fixed proxy (possibly none)
// under the same policy, without any provider iteration.
func (s *Session) flatRetry(req *fetch.Request, proxy, provName string) (*fetch.Result, error) {
	var last *fetch.Result

	for s.attempts < s.retry.MaxAttempts {
		res := s.attempt(req, provName, proxy)
		if res != nil {
			last = res
		}
		if res != nil && s.retry.IsSuccess(res) {
			s.successes++
			return res, nil
		}
		if !s.retry.RetryOnFailure || s.attempts >= s.retry.MaxAttempts {
			break
		}
		s.sleep(s.retry.Backoff)
	}

	if last == nil {
		return nil, ErrNoResponse
	}
	return last, nil
}

// attempt performs one network attempt through the given proxy. Transport
// errors are caught here: they reset the transport and yield a nil result,
// which counts as a failed attempt.
func (s *Session) attempt(req *fetch.Request, provName, proxy string) *fetch.Result {
	attemptReq := *req
	attemptReq.Proxy = proxy

	start := time.Now()
	res, err := s.transport.Do(&attemptReq)
	s.attempts++
	s.currentProxy = proxy

	rec := &models.Attempt{
		Time:          start,
		Method:        req.Method,
		URL:           req.URL,
		Provider:      provName,
		Endpoint:      proxy,
		AttemptNumber: s.attempts,
		DurationMs:    time.Since(start).Milliseconds(),
	}

	if err != nil {
		s.logger.Warn("transport error, resetting adapters",
			"url", req.URL, "error", err)
		s.transport.Reset()
		rec.TransportErr = err.Error()
		res = nil
	} else {
		rec.StatusCode = res.StatusCode()
		rec.Success = s.retry.IsSuccess(res)
		s.logger.Debug("attempt completed",
			"url", req.URL,
			"attempt", s.attempts,
			"status", rec.StatusCode)
	}

	if s.recorder != nil {
		if recErr := s.recorder.RecordAttempt(context.Background(), rec); recErr != nil {
			s.logger.Warn("failed to record attempt", "error", recErr)
		}
	}

	return res
}

func (s *Session) recordSuccess(prov provider.Provider, proxy string) {
	s.successes++
	s.logger.Debug("request successful",
		"provider", prov.Name(),
		"successes", s.successes)

	if s.proxy.Sticky || s.proxy.FreezeAfterFirstSuccess {
		s.lastProvider = prov
		s.currentProxy = proxy
	}
	if s.proxy.FreezeAfterFirstSuccess && !s.frozen {
		s.logger.Info("freezing proxy for future requests",
			"provider", prov.Name())
		s.frozen = true
	}
}

// shouldRotateProxy reports whether a failed attempt warrants a fresh
// endpoint from the same provider. Dialing a DNS gateway's random port
// already yields a new exit per connection, so rotation there only matters
// for sticky ports; direct providers must always move to the next host.
func (s *Session) shouldRotateProxy(prov provider.Provider) bool {
	return s.proxy.Sticky || prov.Paradigm() == provider.ParadigmDirect
}

// sortedProviders returns providers by descending strength. The sort is
// stable so equal strengths keep their configured order, and it is recomputed
// on every request.
func (s *Session) sortedProviders() []provider.Provider {
	providers := make([]provider.Provider, len(s.proxy.Providers))
	copy(providers, s.proxy.Providers)
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Strength() > providers[j].Strength()
	})
	return providers
}

func (s *Session) providerName(prov provider.Provider) string {
	if prov == nil {
		return ""
	}
	return prov.Name()
}

// Close releases every provider's server-side leases.
func (s *Session) Close() error {
	var firstErr error
	for _, prov := range s.proxy.Providers {
		if err := prov.Release(); err != nil {
			s.logger.Warn("failed to release provider",
				"provider", prov.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
