package mcp

import (
	"context"
	"os"
	"os/exec"

	"github.com/m4xw311/acpbridge/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// ToolInfo describes one tool offered by an MCP server.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Server      string `json:"server"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	Name string
	cmd  *exec.Cmd
	conn *mcpsdk.ClientSession
	log  *zap.Logger
}

// Connect starts the MCP server subprocess and initializes the session.
func Connect(ctx context.Context, name, command string, args []string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.Command(command, args...)
	// Stdout carries the MCP session; the server's diagnostics go to ours.
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "acpbridge", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	return &Client{Name: name, cmd: cmd, conn: conn, log: logger.With(zap.String("mcp_server", name))}, nil
}

// Tools lists every tool the server offers, following pagination.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	var tools []ToolInfo
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := c.conn.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", c.Name)
		}
		for _, t := range list.Tools {
			info := ToolInfo{Name: t.Name, Description: t.Description, Server: c.Name}
			if t.InputSchema != nil {
				info.InputSchema = t.InputSchema
			}
			tools = append(tools, info)
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	c.log.Info("listed MCP tools", zap.Int("count", len(tools)))
	return tools, nil
}

// Close ends the session and terminates the server subprocess.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.log.Info("terminating MCP server")
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}
