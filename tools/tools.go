// Package tools answers the bridge's local tool and workspace methods: the
// MCP tools configured for the agent, and file access under its working
// directory.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/acpbridge/config"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/tools/mcp"
	"go.uber.org/zap"
)

// Discoverer lists the tools of one MCP server.
type Discoverer func(ctx context.Context, server config.MCPServer) ([]mcp.ToolInfo, error)

// Registry lists the tools of the configured MCP servers. Servers are
// contacted on the first listing and the result is kept.
type Registry struct {
	servers  []config.MCPServer
	discover Discoverer
	log      *zap.Logger

	mu     sync.Mutex
	cached []mcp.ToolInfo
	loaded bool
}

func NewRegistry(servers []config.MCPServer, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{servers: servers, log: logger}
	r.discover = r.discoverMCP
	return r
}

// ListTools returns the tools of every reachable server, sorted by server
// and name. Unreachable servers are logged and skipped.
func (r *Registry) ListTools(ctx context.Context) ([]mcp.ToolInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return append([]mcp.ToolInfo(nil), r.cached...), nil
	}

	var all []mcp.ToolInfo
	var failed int
	for _, s := range r.servers {
		tools, err := r.discover(ctx, s)
		if err != nil {
			failed++
			r.log.Warn("MCP server unavailable", zap.String("server", s.Name), zap.Error(err))
			continue
		}
		all = append(all, tools...)
	}
	if failed > 0 && failed == len(r.servers) {
		return nil, errors.New("no MCP server reachable")
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Server != all[j].Server {
			return all[i].Server < all[j].Server
		}
		return all[i].Name < all[j].Name
	})
	r.cached = all
	r.loaded = true
	return append([]mcp.ToolInfo(nil), all...), nil
}

func (r *Registry) discoverMCP(ctx context.Context, s config.MCPServer) ([]mcp.ToolInfo, error) {
	client, err := mcp.Connect(ctx, s.Name, s.Command, s.Args, r.log)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Tools(ctx)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}
