// Package daemon implements the per-user CLI daemon: a Unix-socket
// server that keeps authenticated bus connections warm so short-lived
// command invocations skip the sign-in and dial cost, plus the client
// side with its auto-start protocol.
package daemon

import "encoding/json"

// maxFrameBytes caps one newline-delimited frame in either direction.
// It matches the bus websocket read limit, so any payload the file
// service can return fits in a single frame.
const maxFrameBytes = 8 << 20

// Actions understood by the daemon.
const (
	ActionPing     = "ping"
	ActionShutdown = "shutdown"

	// File actions are workspace.file.<method> where <method> is a
	// project file-service method.
	fileActionPrefix = "workspace.file."
)

// FileAction builds the action name for a file-service method.
func FileAction(method string) string { return fileActionPrefix + method }

// Request is one client frame.
type Request struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	CWD     string          `json:"cwd,omitempty"`
	Globals *Globals        `json:"globals,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Globals carries the resolved global flags of the invoking command.
// The client resolves its profile before sending, so the daemon never
// reads the config file and never sees stale credentials.
type Globals struct {
	Profile     string `json:"profile,omitempty"`
	API         string `json:"api,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	Cookie      string `json:"cookie,omitempty"`
	Bearer      string `json:"bearer,omitempty"`
	HubPassword string `json:"hub_password,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
	TimeoutMS   int64  `json:"timeout_ms,omitempty"`
}

// Response is one daemon frame.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorInfo      `json:"error,omitempty"`
	Meta  *Meta           `json:"meta,omitempty"`
}

// ErrorInfo carries a stable error code alongside the message so
// scripted callers can branch without parsing text.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta tells the caller which API and account served the request.
type Meta struct {
	API       string `json:"api,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}
