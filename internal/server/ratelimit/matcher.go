package ratelimit

import (
	"strings"
)

// MatchEndpoint returns the config for a request, preferring an exact path
// match over a prefix match. Returns nil if nothing matches.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	for i := range configs {
		c := &configs[i]
		if c.Method == method && c.Path == path {
			return c
		}
	}

	for i := range configs {
		c := &configs[i]
		if c.Method == method && strings.HasSuffix(c.Path, "/") && c.Path != "/" && strings.HasPrefix(path, c.Path) {
			return c
		}
	}

	return nil
}
