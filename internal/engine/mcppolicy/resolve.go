package mcppolicy

import (
	"fmt"
	"strings"
)

// Resolve applies policy to the servers in cfg, returning the admissible
// set plus warnings for every server skipped along the way. A server whose
// transport is structurally invalid for its mode (stdio cannot be shared)
// is a fatal configuration error.
func Resolve(cfg Config, policy Policy) ([]ResolvedServer, []string, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	var warnings []string
	resolved := make([]ResolvedServer, 0, len(cfg.Servers))

	for name, server := range cfg.Servers {
		if !nameAllowed(policy, name) {
			warnings = append(warnings, fmt.Sprintf("mcp server %q skipped: not allowed by policy", name))
			continue
		}

		serverType := normalizeType(server)
		if serverType == "" {
			warnings = append(warnings, fmt.Sprintf("mcp server %q skipped: missing type", name))
			continue
		}

		mode := server.Mode
		if mode == "" || mode == ServerModeAuto {
			if serverType == ServerTypeStdio {
				mode = ServerModePerSession
			} else {
				mode = ServerModeShared
			}
		}
		if serverType == ServerTypeStdio && mode == ServerModeShared {
			return nil, warnings, fmt.Errorf("mcp server %q: stdio transport cannot run in shared mode", name)
		}

		if !transportAllowed(policy, serverType) {
			warnings = append(warnings, fmt.Sprintf("mcp server %q skipped: transport %q not allowed", name, serverType))
			continue
		}
		if serverType == ServerTypeStdio && strings.TrimSpace(server.Command) == "" {
			warnings = append(warnings, fmt.Sprintf("mcp server %q skipped: stdio server missing command", name))
			continue
		}
		if serverType != ServerTypeStdio && strings.TrimSpace(server.URL) == "" {
			warnings = append(warnings, fmt.Sprintf("mcp server %q skipped: http-family server missing url", name))
			continue
		}

		env := map[string]string{}
		for k, v := range policy.EnvInjection {
			env[k] = v
		}
		for k, v := range server.Env {
			env[k] = v
		}

		url := server.URL
		if rewritten, ok := policy.URLRewrite[url]; ok && url != "" {
			url = rewritten
		}

		resolved = append(resolved, ResolvedServer{
			Name:    name,
			Type:    serverType,
			Mode:    mode,
			Command: server.Command,
			Args:    append([]string{}, server.Args...),
			Env:     env,
			URL:     url,
			Headers: cloneMap(server.Headers),
		})
	}

	return resolved, warnings, nil
}

func normalizeType(server ServerDef) ServerType {
	if server.Type != "" {
		return server.Type
	}
	if strings.TrimSpace(server.Command) != "" {
		return ServerTypeStdio
	}
	if strings.TrimSpace(server.URL) != "" {
		return ServerTypeHTTP
	}
	return ""
}

func transportAllowed(policy Policy, t ServerType) bool {
	switch t {
	case ServerTypeStdio:
		return policy.AllowStdio
	case ServerTypeHTTP:
		return policy.AllowHTTP
	case ServerTypeSSE:
		return policy.AllowSSE
	case ServerTypeStreamableHTTP:
		return policy.AllowStreamableHTTP
	default:
		return false
	}
}

func nameAllowed(policy Policy, name string) bool {
	if len(policy.AllowlistServers) > 0 && !contains(policy.AllowlistServers, name) {
		return false
	}
	if len(policy.DenylistServers) > 0 && contains(policy.DenylistServers, name) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func cloneMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
