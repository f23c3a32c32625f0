package fetch

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDoDirect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe") != "1" {
			t.Errorf("missing X-Probe header")
		}
		w.Write([]byte("hello"))
	}))
	defer ts.Close()

	c := NewClient()
	result, err := c.Do(&Request{
		URL:     ts.URL,
		Headers: []string{"X-Probe: 1"},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if result.StatusCode() != 200 {
		t.Errorf("status = %d, want 200", result.StatusCode())
	}
	if string(result.Body) != "hello" {
		t.Errorf("body = %q, want %q", result.Body, "hello")
	}
}

func TestResetKeepsClientUsable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := NewClient()
	if _, err := c.Do(&Request{URL: ts.URL}); err != nil {
		t.Fatalf("Do() before Reset error = %v", err)
	}

	c.Reset()

	result, err := c.Do(&Request{URL: ts.URL})
	if err != nil {
		t.Fatalf("Do() after Reset error = %v", err)
	}
	if result.StatusCode() != http.StatusNoContent {
		t.Errorf("status = %d, want 204", result.StatusCode())
	}
}

func TestStatusCodeNilSafe(t *testing.T) {
	var r *Result
	if r.StatusCode() != 0 {
		t.Errorf("nil Result StatusCode = %d, want 0", r.StatusCode())
	}
}
