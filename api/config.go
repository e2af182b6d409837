// Package api provides the HTTP control plane of a spool registry: starting,
// inspecting and stopping streams, and serving message checkpoints to
// fallback pollers.
package api

import "net/http"

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8090")
	ListenAddr string

	// UpstreamClient is used by streams started over the API. Optional.
	UpstreamClient *http.Client

	// DisableMCP skips mounting the MCP handler on /mcp.
	DisableMCP bool
}
