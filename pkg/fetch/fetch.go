// Package fetch provides functionality to make HTTP requests through various transports
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Request contains all the configuration options for making a fetch request
type Request struct {
	// HTTP method to use (default: "GET")
	Method string
	// Target URL
	URL string
	// Raw HTTP headers to add (without \r\n)
	Headers []string
	// Request body, if any
	Body []byte
	// Timeout in seconds (default: 5)
	TimeoutSec int
	// Proxy transport config string. Empty means a direct connection.
	Proxy string
}

// Result contains the response from a fetch request
type Result struct {
	// HTTP response
	Response *http.Response
	// Response body as bytes
	Body []byte
}

// StatusCode returns the HTTP status code, or 0 when there is no response.
func (r *Result) StatusCode() int {
	if r == nil || r.Response == nil {
		return 0
	}
	return r.Response.StatusCode
}

// Client sends requests through proxy transports. It caches one *http.Client
// per transport config so keep-alive connections are reused across attempts
// against the same proxy. Reset drops every cached client, which is how
// callers recover from connection-level failures.
type Client struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewClient() *Client {
	return &Client{clients: make(map[string]*http.Client)}
}

// Reset discards all cached HTTP clients and closes their idle connections.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hc := range c.clients {
		hc.CloseIdleConnections()
	}
	c.clients = make(map[string]*http.Client)
}

func (c *Client) clientFor(transport string, timeout time.Duration) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[transport]; ok {
		hc.Timeout = timeout
		return hc, nil
	}

	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(transport)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}

	hc := &http.Client{
		Transport: &http.Transport{DialContext: dialContext},
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c.clients[transport] = hc
	return hc, nil
}

// Do makes an HTTP request through the request's proxy transport.
func (c *Client) Do(r *Request) (*Result, error) {
	if r.Method == "" {
		r.Method = "GET"
	}
	if r.TimeoutSec == 0 {
		r.TimeoutSec = 5
	}

	httpClient, err := c.clientFor(r.Proxy, time.Duration(r.TimeoutSec)*time.Second)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequest(r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Process headers
	if len(r.Headers) > 0 {
		headerText := strings.Join(r.Headers, "\r\n") + "\r\n\r\n"
		h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("invalid header line: %w", err)
		}
		for name, values := range h {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		Response: resp,
		Body:     respBody,
	}, nil
}

// Fetch makes a one-shot HTTP request with the given options.
func Fetch(r *Request) (*Result, error) {
	return NewClient().Do(r)
}
