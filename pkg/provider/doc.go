/*
Package provider abstracts the proxy services (currently ProxyRack and
NordVPN) that proxyhop routes requests through.

Each service implements the Provider interface: acquire an endpoint (fresh or
sticky), report its paradigm and strength, cap its per-request attempts, and
release any server-side leases at shutdown. The session package consumes
providers purely through this interface and treats endpoints as opaque
transport strings.

Paradigms:

 1. DNS (ProxyRack):
    - One fixed gateway hostname; the gateway picks the exit node
    - The random port returns a fresh exit per connection
    - Sticky ports pin an exit for the session length; the provider rotates
      them round-robin from a bounded range
    - Country, session and refresh options are encoded into the username

 2. DIRECT (NordVPN):
    - A candidate pool of exit hosts fetched from the recommendations API,
      cached with a TTL, filtered by status and load, then shuffled
    - Acquisition walks the pool round-robin
    - On any fetch or parse failure the pool falls back to a hardcoded host
      list and never ends up empty

Usage:

	cfg := provider.Config{
		System:   provider.SystemProxyRack,
		Username: "user",
		Password: "api-key",
	}
	p, err := provider.NewProvider(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	endpoint, _ := p.Acquire(true, provider.Options{Country: "US"})
	defer p.Release()

Provider instances are safe for concurrent use: the rotation cursors (sticky
ports, pool index) are the only shared mutable state and are mutex-guarded.
*/
package provider
