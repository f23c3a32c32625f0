package session

import "proxyhop/pkg/fetch"

// Convenience wrappers mirroring the usual HTTP verb helpers. Extra headers
// are raw header lines ("Name: value").

func (s *Session) Get(url string, headers ...string) (*fetch.Result, error) {
	return s.Do(&fetch.Request{Method: "GET", URL: url, Headers: headers})
}

func (s *Session) Head(url string, headers ...string) (*fetch.Result, error) {
	return s.Do(&fetch.Request{Method: "HEAD", URL: url, Headers: headers})
}

func (s *Session) Post(url string, body []byte, headers ...string) (*fetch.Result, error) {
	return s.Do(&fetch.Request{Method: "POST", URL: url, Body: body, Headers: headers})
}

func (s *Session) Put(url string, body []byte, headers ...string) (*fetch.Result, error) {
	return s.Do(&fetch.Request{Method: "PUT", URL: url, Body: body, Headers: headers})
}

func (s *Session) Patch(url string, body []byte, headers ...string) (*fetch.Result, error) {
	return s.Do(&fetch.Request{Method: "PATCH", URL: url, Body: body, Headers: headers})
}

func (s *Session) Delete(url string, headers ...string) (*fetch.Result, error) {
	return s.Do(&fetch.Request{Method: "DELETE", URL: url, Headers: headers})
}

// Fetch runs a single request through a one-shot session and releases its
// providers before returning.
func Fetch(req *fetch.Request, proxyCfg ProxyConfig, retryCfg RetryConfig) (*fetch.Result, error) {
	s := New(proxyCfg, retryCfg, nil)
	defer s.Close()
	return s.Do(req)
}
