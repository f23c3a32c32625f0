package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"proxyhop/pkg/fetch"
	"proxyhop/pkg/provider"
)

type fakeProvider struct {
	name        string
	strength    float64
	paradigm    provider.Paradigm
	maxAttempts int

	acquires int
	released bool
}

func (f *fakeProvider) Name() string                { return f.name }
func (f *fakeProvider) Strength() float64           { return f.strength }
func (f *fakeProvider) Paradigm() provider.Paradigm { return f.paradigm }
func (f *fakeProvider) MaxAttemptsPerRequest() int  { return f.maxAttempts }

func (f *fakeProvider) Acquire(sticky bool, opts provider.Options) (string, error) {
	f.acquires++
	return fmt.Sprintf("proxy://%s/%d", f.name, f.acquires), nil
}

func (f *fakeProvider) Release() error {
	f.released = true
	return nil
}

type outcome struct {
	status int
	err    error
}

// fakeTransport replays a script of outcomes and records every request it
// saw. Once the script runs out, the last outcome repeats.
type fakeTransport struct {
	script []outcome
	calls  []fetch.Request
	resets int
}

func (t *fakeTransport) Do(r *fetch.Request) (*fetch.Result, error) {
	t.calls = append(t.calls, *r)
	i := len(t.calls) - 1
	if i >= len(t.script) {
		i = len(t.script) - 1
	}
	o := t.script[i]
	if o.err != nil {
		return nil, o.err
	}
	return &fetch.Result{Response: &http.Response{StatusCode: o.status}}, nil
}

func (t *fakeTransport) Reset() {
	t.resets++
}

func newTestSession(t *testing.T, proxyCfg ProxyConfig, retryCfg RetryConfig, ft *fakeTransport) *Session {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(proxyCfg, retryCfg, logger)
	s.transport = ft
	s.sleep = func(time.Duration) {}
	return s
}

func retryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		RetryOnFailure: true,
		MaxAttempts:    maxAttempts,
		Backoff:        time.Second,
	}
}

func TestProvidersVisitedByDescendingStrength(t *testing.T) {
	weak := &fakeProvider{name: "weak", strength: 0.2, paradigm: provider.ParadigmDNS, maxAttempts: 1}
	strong := &fakeProvider{name: "strong", strength: 0.8, paradigm: provider.ParadigmDNS, maxAttempts: 1}
	mid := &fakeProvider{name: "mid", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 1}

	ft := &fakeTransport{script: []outcome{{status: 500}}}
	s := newTestSession(t,
		ProxyConfig{Providers: []provider.Provider{weak, strong, mid}},
		retryConfig(10), ft)

	if _, err := s.Do(&fetch.Request{Method: "GET", URL: "http://x"}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	want := []string{"proxy://strong/1", "proxy://mid/1", "proxy://weak/1"}
	if len(ft.calls) != len(want) {
		t.Fatalf("got %d attempts, want %d", len(ft.calls), len(want))
	}
	for i, w := range want {
		if ft.calls[i].Proxy != w {
			t.Errorf("attempt %d used %v, want %v", i, ft.calls[i].Proxy, w)
		}
	}
}

func TestEqualStrengthKeepsConfiguredOrder(t *testing.T) {
	first := &fakeProvider{name: "first", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 1}
	second := &fakeProvider{name: "second", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 1}

	ft := &fakeTransport{script: []outcome{{status: 500}}}
	s := newTestSession(t,
		ProxyConfig{Providers: []provider.Provider{first, second}},
		retryConfig(10), ft)

	if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if ft.calls[0].Proxy != "proxy://first/1" || ft.calls[1].Proxy != "proxy://second/1" {
		t.Errorf("tie-break order wrong: %v then %v", ft.calls[0].Proxy, ft.calls[1].Proxy)
	}
}

func TestRetryDisabledMakesExactlyOneAttempt(t *testing.T) {
	p := &fakeProvider{name: "p", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 5}

	ft := &fakeTransport{script: []outcome{{status: 500}}}
	cfg := retryConfig(10)
	cfg.RetryOnFailure = false
	s := newTestSession(t, ProxyConfig{Providers: []provider.Provider{p}}, cfg, ft)

	res, err := s.Do(&fetch.Request{URL: "http://x"})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(ft.calls) != 1 {
		t.Errorf("got %d attempts, want 1", len(ft.calls))
	}
	if res.StatusCode() != 500 {
		t.Errorf("status = %d, want the failed response back", res.StatusCode())
	}
}

func TestSessionAttemptCeiling(t *testing.T) {
	a := &fakeProvider{name: "a", strength: 0.8, paradigm: provider.ParadigmDNS, maxAttempts: 10}
	b := &fakeProvider{name: "b", strength: 0.2, paradigm: provider.ParadigmDNS, maxAttempts: 10}

	ft := &fakeTransport{script: []outcome{{status: 500}}}
	s := newTestSession(t, ProxyConfig{Providers: []provider.Provider{a, b}}, retryConfig(3), ft)

	if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if len(ft.calls) != 3 {
		t.Errorf("got %d attempts, want 3 (session ceiling)", len(ft.calls))
	}
	if s.Attempts() > 3 {
		t.Errorf("Attempts() = %d, exceeds MaxAttempts", s.Attempts())
	}
}

func TestProviderBudgetThenFallback(t *testing.T) {
	// The end-to-end scenario: A (0.8) fails both its attempts, B (0.2)
	// succeeds immediately. Three attempts total, B's response returned.
	a := &fakeProvider{name: "a", strength: 0.8, paradigm: provider.ParadigmDNS, maxAttempts: 2}
	b := &fakeProvider{name: "b", strength: 0.2, paradigm: provider.ParadigmDNS, maxAttempts: 2}

	ft := &fakeTransport{script: []outcome{{status: 503}, {status: 503}, {status: 200}}}
	s := newTestSession(t,
		ProxyConfig{Providers: []provider.Provider{a, b}, Sticky: true},
		retryConfig(3), ft)

	res, err := s.Do(&fetch.Request{URL: "http://x"})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if res.StatusCode() != 200 {
		t.Errorf("status = %d, want 200", res.StatusCode())
	}
	if s.Attempts() != 3 {
		t.Errorf("Attempts() = %d, want 3", s.Attempts())
	}
	if s.LastProvider() != b {
		t.Errorf("LastProvider() = %v, want b", s.LastProvider())
	}
	for i := 0; i < 2; i++ {
		if ft.calls[i].Proxy[:9] != "proxy://a" {
			t.Errorf("attempt %d used %v, want provider a", i, ft.calls[i].Proxy)
		}
	}
	if ft.calls[2].Proxy[:9] != "proxy://b" {
		t.Errorf("attempt 3 used %v, want provider b", ft.calls[2].Proxy)
	}
}

func TestStickyReusesEndpointWithoutReacquisition(t *testing.T) {
	p := &fakeProvider{name: "p", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 3}

	ft := &fakeTransport{script: []outcome{{status: 200}}}
	s := newTestSession(t,
		ProxyConfig{Providers: []provider.Provider{p}, Sticky: true},
		retryConfig(3), ft)

	if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
		t.Fatalf("first Do() error = %v", err)
	}
	if p.acquires != 1 {
		t.Fatalf("acquires after first request = %d, want 1", p.acquires)
	}

	if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
		t.Fatalf("second Do() error = %v", err)
	}
	if p.acquires != 1 {
		t.Errorf("acquires after sticky reuse = %d, want still 1", p.acquires)
	}
	if ft.calls[1].Proxy != ft.calls[0].Proxy {
		t.Errorf("sticky request used %v, want reused %v", ft.calls[1].Proxy, ft.calls[0].Proxy)
	}
}

func TestStickyFallsBackToFullSearchOnFailure(t *testing.T) {
	p := &fakeProvider{name: "p", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 3}

	ft := &fakeTransport{script: []outcome{{status: 200}, {status: 502}, {status: 200}}}
	s := newTestSession(t,
		ProxyConfig{Providers: []provider.Provider{p}, Sticky: true},
		retryConfig(3), ft)

	if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
		t.Fatalf("first Do() error = %v", err)
	}

	res, err := s.Do(&fetch.Request{URL: "http://x"})
	if err != nil {
		t.Fatalf("second Do() error = %v", err)
	}
	if res.StatusCode() != 200 {
		t.Errorf("status = %d, want 200 after fallback search", res.StatusCode())
	}
	// Reuse attempt failed, so the search acquired a fresh endpoint.
	if p.acquires != 2 {
		t.Errorf("acquires = %d, want 2", p.acquires)
	}
}

func TestFreezeAfterFirstSuccess(t *testing.T) {
	p := &fakeProvider{name: "p", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 3}

	ft := &fakeTransport{script: []outcome{{status: 200}}}
	s := newTestSession(t,
		ProxyConfig{Providers: []provider.Provider{p}, FreezeAfterFirstSuccess: true},
		retryConfig(3), ft)

	if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
		t.Fatalf("first Do() error = %v", err)
	}
	if !s.Frozen() {
		t.Fatal("session not frozen after first success")
	}

	if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
		t.Fatalf("second Do() error = %v", err)
	}
	if p.acquires != 1 {
		t.Errorf("acquires = %d, want 1 (frozen session must not iterate providers)", p.acquires)
	}
	if ft.calls[1].Proxy != ft.calls[0].Proxy {
		t.Errorf("frozen request used %v, want %v", ft.calls[1].Proxy, ft.calls[0].Proxy)
	}
}

func TestFrozenProxyFailureUnfreezes(t *testing.T) {
	p := &fakeProvider{name: "p", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 3}

	ft := &fakeTransport{script: []outcome{{status: 200}, {status: 500}}}
	s := newTestSession(t,
		ProxyConfig{Providers: []provider.Provider{p}, FreezeAfterFirstSuccess: true},
		retryConfig(1), ft)

	if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
		t.Fatalf("first Do() error = %v", err)
	}
	if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
		t.Fatalf("second Do() error = %v", err)
	}

	if s.Frozen() {
		t.Error("session still frozen after the frozen proxy failed")
	}
	if s.LastProvider() != nil {
		t.Error("LastProvider() not cleared after unfreeze")
	}
}

func TestExplicitProxyConflictsWithProviders(t *testing.T) {
	p := &fakeProvider{name: "p", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 3}

	ft := &fakeTransport{script: []outcome{{status: 200}}}
	s := newTestSession(t, ProxyConfig{Providers: []provider.Provider{p}}, retryConfig(3), ft)

	_, err := s.Do(&fetch.Request{URL: "http://x", Proxy: "socks5://static:1080"})
	if !errors.Is(err, ErrProxyConflict) {
		t.Fatalf("Do() error = %v, want ErrProxyConflict", err)
	}
	if len(ft.calls) != 0 {
		t.Errorf("made %d network calls before rejecting conflict, want 0", len(ft.calls))
	}
}

func TestNoProvidersFlatRetry(t *testing.T) {
	ft := &fakeTransport{script: []outcome{
		{err: errors.New("connection reset")},
		{status: 500},
		{status: 200},
	}}
	s := newTestSession(t, ProxyConfig{}, retryConfig(3), ft)

	res, err := s.Do(&fetch.Request{URL: "http://x"})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if res.StatusCode() != 200 {
		t.Errorf("status = %d, want 200", res.StatusCode())
	}
	if len(ft.calls) != 3 {
		t.Errorf("got %d attempts, want 3", len(ft.calls))
	}
	if ft.resets != 1 {
		t.Errorf("resets = %d, want 1 after the transport error", ft.resets)
	}
}

func TestAllTransportErrorsYieldErrNoResponse(t *testing.T) {
	p := &fakeProvider{name: "p", strength: 0.5, paradigm: provider.ParadigmDNS, maxAttempts: 5}

	ft := &fakeTransport{script: []outcome{{err: errors.New("tls handshake failure")}}}
	s := newTestSession(t, ProxyConfig{Providers: []provider.Provider{p}}, retryConfig(3), ft)

	res, err := s.Do(&fetch.Request{URL: "http://x"})
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Do() error = %v, want ErrNoResponse", err)
	}
	if res != nil {
		t.Errorf("res = %v, want nil", res)
	}
	if ft.resets != len(ft.calls) {
		t.Errorf("resets = %d, want one per transport error (%d)", ft.resets, len(ft.calls))
	}
}

func TestRotationWithinProvider(t *testing.T) {
	testCases := []struct {
		name         string
		paradigm     provider.Paradigm
		sticky       bool
		wantAcquires int
	}{
		{
			// The gateway's random port already rotates exits per
			// connection, so the endpoint is not re-acquired.
			name:         "DNS not sticky",
			paradigm:     provider.ParadigmDNS,
			sticky:       false,
			wantAcquires: 1,
		},
		{
			name:         "DNS sticky rotates ports",
			paradigm:     provider.ParadigmDNS,
			sticky:       true,
			wantAcquires: 3,
		},
		{
			name:         "direct always rotates hosts",
			paradigm:     provider.ParadigmDirect,
			sticky:       false,
			wantAcquires: 3,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeProvider{name: "p", strength: 0.5, paradigm: tc.paradigm, maxAttempts: 5}

			ft := &fakeTransport{script: []outcome{{status: 500}}}
			s := newTestSession(t,
				ProxyConfig{Providers: []provider.Provider{p}, Sticky: tc.sticky},
				retryConfig(3), ft)

			if _, err := s.Do(&fetch.Request{URL: "http://x"}); err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			if p.acquires != tc.wantAcquires {
				t.Errorf("acquires = %d, want %d", p.acquires, tc.wantAcquires)
			}
		})
	}
}

func TestCloseReleasesProviders(t *testing.T) {
	a := &fakeProvider{name: "a", strength: 0.8, paradigm: provider.ParadigmDNS, maxAttempts: 1}
	b := &fakeProvider{name: "b", strength: 0.2, paradigm: provider.ParadigmDirect, maxAttempts: 1}

	s := newTestSession(t,
		ProxyConfig{Providers: []provider.Provider{a, b}},
		retryConfig(1), &fakeTransport{script: []outcome{{status: 200}}})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !a.released || !b.released {
		t.Error("Close() did not release every provider")
	}
}

func TestStickySessionGetsGeneratedSessionID(t *testing.T) {
	s := newTestSession(t,
		ProxyConfig{Sticky: true},
		retryConfig(1), &fakeTransport{script: []outcome{{status: 200}}})

	if s.proxy.Options.SessionID == "" {
		t.Error("sticky session has no generated session id")
	}
}
