// Package mcppolicy resolves a task's MCP server configuration against an
// admission policy and, when requested, lists each resolved server's tools
// so the engine adapter can merge them into the run's allowed_tools set.
package mcppolicy

// ServerType is the MCP transport a server definition uses.
type ServerType string

// ServerMode controls whether a server connection is shared across runs or
// established fresh per session.
type ServerMode string

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeHTTP           ServerType = "http"
	ServerTypeSSE            ServerType = "sse"
	ServerTypeStreamableHTTP ServerType = "streamable_http"
)

const (
	ServerModeAuto       ServerMode = "auto"
	ServerModeShared     ServerMode = "shared"
	ServerModePerSession ServerMode = "per_session"
)

// ServerDef is one MCP server entry as configured on a task's tool policy.
type ServerDef struct {
	Type    ServerType        `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Mode    ServerMode        `json:"mode,omitempty"`
}

// Config is the MCP section of a task's tool policy.
type Config struct {
	Enabled bool                 `json:"enabled"`
	Servers map[string]ServerDef `json:"servers"`
}

// ResolvedServer is a ServerDef after policy has been applied: disallowed
// transports and denylisted names removed, env injection and URL rewrite
// merged in.
type ResolvedServer struct {
	Name    string
	Type    ServerType
	Mode    ServerMode
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// Policy controls which MCP transports are admissible for a run and how
// server definitions are rewritten before connecting.
type Policy struct {
	AllowStdio          bool
	AllowHTTP           bool
	AllowSSE            bool
	AllowStreamableHTTP bool
	URLRewrite          map[string]string
	EnvInjection        map[string]string
	AllowlistServers    []string
	DenylistServers     []string
}

// DefaultPolicy returns a permissive policy allowing every transport.
func DefaultPolicy() Policy {
	return Policy{
		AllowStdio:          true,
		AllowHTTP:           true,
		AllowSSE:            true,
		AllowStreamableHTTP: true,
		URLRewrite:          map[string]string{},
		EnvInjection:        map[string]string{},
	}
}
