package mcpgw

import (
	"net/url"
	"os"
	"strconv"
	"sync"
)

// ProxiedByHeader marks every MCP-plane response the gateway produced.
const (
	ProxiedByHeader = "X-Proxied-By"
	ProxiedByValue  = "mcp-gateway"
)

// insideContainer reports whether the gateway runs in a container, where
// localhost refers to the container itself rather than the machine the MCP
// server listens on. INSIDE_DOCKER overrides the /.dockerenv heuristic.
var insideContainer = sync.OnceValue(func() bool {
	if v := os.Getenv("INSIDE_DOCKER"); v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	_, err := os.Stat("/.dockerenv")
	return err == nil
})

// RewriteUpstreamBase points localhost upstream URLs at the container host
// when the gateway itself runs inside a container. Everything else passes
// through unchanged.
func RewriteUpstreamBase(raw string) string {
	if !insideContainer() {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return raw
	}
	if port := u.Port(); port != "" {
		u.Host = "host.docker.internal:" + port
	} else {
		u.Host = "host.docker.internal"
	}
	return u.String()
}
