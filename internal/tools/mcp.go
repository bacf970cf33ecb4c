package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// clientVersion is reported to MCP servers during the handshake.
const clientVersion = "0.1.0"

// MCPConnection is a live session to one external tool server.
type MCPConnection struct {
	name    string
	session *mcp.ClientSession
	tools   []string
}

// Name returns the configured server name.
func (c *MCPConnection) Name() string { return c.name }

// Tools returns the names imported from this server.
func (c *MCPConnection) Tools() []string { return c.tools }

// Close ends the session.
func (c *MCPConnection) Close() error { return c.session.Close() }

// CommandTransport launches an MCP server as a subprocess speaking stdio.
func CommandTransport(ctx context.Context, command string, args ...string) mcp.Transport {
	return &mcp.CommandTransport{Command: exec.CommandContext(ctx, command, args...)}
}

// ImportMCP connects to an MCP server over transport and registers each of
// its tools. Names that collide with an existing tool are skipped.
func ImportMCP(ctx context.Context, r *Registry, name string, transport mcp.Transport) (*MCPConnection, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "agentloop", Version: clientVersion}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: connect: %w", name, err)
	}
	conn := &MCPConnection{name: name, session: session}

	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcp %s: list tools: %w", name, err)
		}
		for _, remote := range res.Tools {
			t, err := remoteTool(session, name, remote)
			if err != nil {
				r.logger.Warn("skipping mcp tool", zap.String("server", name), zap.String("tool", remote.Name), zap.Error(err))
				continue
			}
			if err := r.Register(t); err != nil {
				r.logger.Warn("skipping mcp tool", zap.String("server", name), zap.String("tool", remote.Name), zap.Error(err))
				continue
			}
			conn.tools = append(conn.tools, t.Name)
		}
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}

	r.logger.Info("imported mcp tools", zap.String("server", name), zap.Strings("tools", conn.tools))
	return conn, nil
}

func remoteTool(session *mcp.ClientSession, server string, remote *mcp.Tool) (*Tool, error) {
	input, err := toSchema(remote.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("input schema: %w", err)
	}
	toolName := remote.Name
	return &Tool{
		Name:        toolName,
		Description: remote.Description,
		Category:    CategoryExternal,
		Keywords:    []string{server},
		Params:      schemaParams(input),
		Input:       input,
		invoke: func(ctx context.Context, params map[string]any) (any, error) {
			res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: params})
			if err != nil {
				return nil, fmt.Errorf("mcp %s: %w", server, err)
			}
			text := contentText(res.Content)
			if res.IsError {
				return nil, fmt.Errorf("mcp %s: %s", server, text)
			}
			if res.StructuredContent != nil {
				return res.StructuredContent, nil
			}
			return text, nil
		},
	}, nil
}

func toSchema(v any) (*jsonschema.Schema, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(*jsonschema.Schema); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// schemaParams orders required properties first, then the rest, each alphabetically.
func schemaParams(s *jsonschema.Schema) []string {
	if s == nil {
		return nil
	}
	required := make(map[string]bool, len(s.Required))
	names := append([]string(nil), s.Required...)
	sort.Strings(names)
	for _, n := range names {
		required[n] = true
	}
	var optional []string
	for n := range s.Properties {
		if !required[n] {
			optional = append(optional, n)
		}
	}
	sort.Strings(optional)
	return append(names, optional...)
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
