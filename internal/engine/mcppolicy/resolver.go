package mcppolicy

import (
	"context"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/logger"
)

const connectTimeout = 10 * time.Second

// ResolvedTool is one tool a resolved server advertises, qualified so it can
// be merged into a run's allowed_tools list without name collisions across
// servers.
type ResolvedTool struct {
	QualifiedName string
	ServerName    string
	Description   string
}

// ListTools connects to every resolved server in turn, lists its tools, and
// returns the merged set. A server that fails to connect or list tools is
// skipped with a warning rather than failing the whole run — MCP tool
// availability is best-effort, never a precondition for execution.
func ListTools(ctx context.Context, servers []ResolvedServer, log *logger.Logger) ([]ResolvedTool, []string) {
	if log == nil {
		log = logger.Default()
	}
	var tools []ResolvedTool
	var warnings []string

	for _, srv := range servers {
		srvTools, err := listServerTools(ctx, srv)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("mcp server %q: %v", srv.Name, err))
			log.Warn("mcp tool listing failed, continuing without it",
				zap.String("server", srv.Name), zap.Error(err))
			continue
		}
		tools = append(tools, srvTools...)
	}
	return tools, warnings
}

func listServerTools(ctx context.Context, srv ResolvedServer) ([]ResolvedTool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	c, err := newClient(srv)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentbroker", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	resp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	out := make([]ResolvedTool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		out = append(out, ResolvedTool{
			QualifiedName: srv.Name + "_" + t.Name,
			ServerName:    srv.Name,
			Description:   t.Description,
		})
	}
	return out, nil
}

func newClient(srv ResolvedServer) (*mcpclient.Client, error) {
	switch srv.Type {
	case ServerTypeStdio:
		env := make([]string, 0, len(srv.Env))
		for k, v := range srv.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)
	case ServerTypeSSE:
		return mcpclient.NewSSEMCPClient(srv.URL)
	case ServerTypeStreamableHTTP, ServerTypeHTTP:
		return mcpclient.NewStreamableHttpClient(srv.URL)
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Type)
	}
}
