package turnsy

import (
	"slices"
	"strings"
)

// Reason explains an approval decision.
type Reason string

const (
	// ReasonInvalid means the tool name was empty or unparseable.
	ReasonInvalid Reason = "invalid"
	// ReasonNonMutating means the tool is classified as read-only.
	ReasonNonMutating Reason = "non-mutating"
	// ReasonAllowlisted means the canonical key is in the configured allowlist.
	ReasonAllowlisted Reason = "allowlisted"
	// ReasonTrustedSession means the user trusted the tool for this session.
	ReasonTrustedSession Reason = "trusted-session"
	// ReasonPolicyDisabled means the destructive-approval toggle is off.
	ReasonPolicyDisabled Reason = "policy-disabled"
	// ReasonMutatingDefault means a mutating tool with no exemption; approval required.
	ReasonMutatingDefault Reason = "mutating-default"
)

// Decision is the output of the approval policy: whether the call may run
// without an explicit human confirmation, and why.
type Decision struct {
	AutoApprove bool
	Reason      Reason
}

// ApprovalConfig is the caller-supplied policy context. The Manager owns
// the live trusted set (seeded from TrustedToolNames, grown by
// TrustForSession, cleared by Reset); Decide treats the config as read-only.
type ApprovalConfig struct {
	// TrustedToolNames holds canonical keys the user already trusts.
	TrustedToolNames map[string]struct{}
	// AutoApproveAllowlist holds canonical "server:tool" (or bare tool) keys
	// that never require approval.
	AutoApproveAllowlist []string
	// RequireDestructiveApproval gates mutating tools behind an explicit
	// approval. Disabling it auto-approves everything.
	RequireDestructiveApproval bool
	// ServerIDs lists known namespace prefixes (e.g. MCP server ids) used
	// when splitting namespaced tool names.
	ServerIDs []string
}

// DefaultApprovalConfig returns the config used when none is supplied:
// destructive approval required, nothing trusted or allowlisted.
func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{RequireDestructiveApproval: true}
}

// SplitToolName splits a possibly namespaced tool name
// "<server-prefix>_<actual-name>" into its server id and actual name.
// Known server ids are matched first, longest prefix wins. Without a match,
// a segment before the first '_' is treated as a server id only when it
// contains '-' (MCP-style: "mcp-filesystem_write"), so plain verb prefixes
// like "write_file" never split. An empty name yields ("", "").
func SplitToolName(name string, serverIDs []string) (server, actual string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	best := ""
	for _, id := range serverIDs {
		if id != "" && len(id) > len(best) && strings.HasPrefix(name, id+"_") {
			best = id
		}
	}
	if best != "" {
		return best, name[len(best)+1:]
	}
	if i := strings.Index(name, "_"); i > 0 && i < len(name)-1 && strings.Contains(name[:i], "-") {
		return name[:i], name[i+1:]
	}
	return "", name
}

// CanonicalToolKey derives the lowercase "server:tool" (or bare tool) key
// used for allowlist and trust comparisons. Empty or unparseable names
// yield "".
func CanonicalToolKey(name string, serverIDs []string) string {
	server, actual := SplitToolName(name, serverIDs)
	if actual == "" {
		return ""
	}
	if server == "" {
		return strings.ToLower(actual)
	}
	return strings.ToLower(server) + ":" + strings.ToLower(actual)
}

// Mutation classification rule tables, evaluated in order: exact match,
// then verb-prefix match ("write_file"), then command-execution substring
// match ("my_shell"). Kept as data so the classification stays auditable.
var (
	mutatingExact = []string{
		// destructive verbs
		"write", "edit", "delete", "rename", "move", "trash",
		// process / command execution
		"run_command", "execute", "exec", "shell", "spawn",
		"bash", "powershell", "python", "node", "eval",
		// outbound network
		"http_request", "request", "fetch", "curl",
	}

	mutatingPrefixes = []string{
		"write", "edit", "delete", "rename", "move", "trash",
		"create", "update", "remove", "set", "append", "insert", "patch",
		"run", "execute", "exec", "spawn", "eval",
		"upload", "send", "post", "put", "install",
		"fetch", "curl", "request",
	}

	mutatingSubstrings = []string{
		"_execute", "_exec", "_shell", "_command", "_spawn", "_eval",
		"_bash", "_powershell",
	}
)

// IsMutatingTool classifies a canonical actual tool name (no server prefix)
// as mutating. Unmatched names are read-only/safe.
func IsMutatingTool(actualName string) bool {
	name := strings.ToLower(strings.TrimSpace(actualName))
	if name == "" {
		return false
	}
	if slices.Contains(mutatingExact, name) {
		return true
	}
	for _, verb := range mutatingPrefixes {
		if strings.HasPrefix(name, verb+"_") {
			return true
		}
	}
	for _, suffix := range mutatingSubstrings {
		if strings.Contains(name, suffix) {
			return true
		}
	}
	return false
}

// Decide is the pure approval policy: given a tool name and the caller's
// config it returns whether the call may execute without an explicit
// approval step. It holds no state of its own.
func Decide(toolName string, cfg ApprovalConfig) Decision {
	return decide(toolName, cfg, false)
}

// RequiresUserApproval is a convenience inverse of Decide.
func RequiresUserApproval(toolName string, cfg ApprovalConfig) bool {
	return !Decide(toolName, cfg).AutoApprove
}

// decide additionally lets the Manager force the mutating path for tools
// whose metadata marks them dangerous, regardless of name.
func decide(toolName string, cfg ApprovalConfig, dangerous bool) Decision {
	key := CanonicalToolKey(toolName, cfg.ServerIDs)
	if key == "" {
		return Decision{Reason: ReasonInvalid}
	}
	_, actual := SplitToolName(toolName, cfg.ServerIDs)
	if !dangerous && !IsMutatingTool(actual) {
		return Decision{AutoApprove: true, Reason: ReasonNonMutating}
	}
	for _, allowed := range cfg.AutoApproveAllowlist {
		if strings.ToLower(allowed) == key {
			return Decision{AutoApprove: true, Reason: ReasonAllowlisted}
		}
	}
	if _, ok := cfg.TrustedToolNames[key]; ok {
		return Decision{AutoApprove: true, Reason: ReasonTrustedSession}
	}
	if !cfg.RequireDestructiveApproval {
		return Decision{AutoApprove: true, Reason: ReasonPolicyDisabled}
	}
	return Decision{Reason: ReasonMutatingDefault}
}
