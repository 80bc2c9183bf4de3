// Package turnsy is an agentic tool-call orchestration engine: it turns a
// streaming model response containing tool-call requests into safe,
// concurrent tool executions, and decides when and how to resume the
// conversation once those executions settle.
//
// # Overview
//
// Models emit tool calls as fragmentary stream events. This package
// assembles them (Decoder), gates mutating operations behind an approval
// policy (Decide), runs approved calls concurrently with per-call state
// tracking (Manager), and loops the conversation until the model stops
// asking for tools (Controller).
//
// Pipeline: provider events → Decoder → Manager (approve, execute) →
// settled results → Controller → next provider request.
//
// # Key concepts
//
//   - Partial Success: one failing call never cancels its siblings; every
//     call settles and its result, success or error, is fed back to the model.
//   - Self-Correction: decode errors and ClientError messages reach the
//     model as failed tool results so it can retry or choose another tool.
//   - Session Trust: a user may trust a mutating tool once per session;
//     pending calls for that tool are approved in bulk.
//
// The transport that talks to a provider, the concrete tool
// implementations, and the approval UI are external collaborators: supply a
// ModelClient, register Tools, and observe Manager events.
//
// # Example
//
//	type Args struct { Path string `json:"path" jsonschema:"required"` }
//	tool, err := turnsy.NewTool("read_file", "Read a file", func(_ context.Context, a Args) (string, error) {
//	    return readVaultFile(a.Path)
//	})
//	if err != nil { ... }
//	reg := turnsy.NewRegistry()
//	reg.Register(tool)
//	mgr := turnsy.NewManager(reg)
//	ctrl := turnsy.NewController(client, mgr)
//	out, err := ctrl.Run(ctx, turnsy.Request{
//	    Messages: []turnsy.Message{{Role: turnsy.RoleUser, Content: "Summarize notes/a.md"}},
//	    Tools:    reg.GetAllTools(),
//	})
package turnsy
