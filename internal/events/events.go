// Package events defines the typed frames exchanged between the stream
// parser, the session orchestrator and the SSE channel.
package events

import (
	"encoding/json"
	"time"
)

// Version is stamped into every serialized event for forward compatibility.
const Version = 1

// Type discriminates the event union.
type Type string

const (
	TypeMeta           Type = "meta"
	TypeText           Type = "text"
	TypeSandboxStart   Type = "sandbox_start"
	TypeSandboxEnd     Type = "sandbox_end"
	TypeFileStart      Type = "file_start"
	TypeFileContent    Type = "file_content"
	TypeFileEnd        Type = "file_end"
	TypeInstallStart   Type = "install_start"
	TypeInstallContent Type = "install_content"
	TypeInstallEnd     Type = "install_end"
	TypeCommand        Type = "command"
	TypeWebSearch      Type = "web_search"
	TypeBuildStatus    Type = "build_status"
	TypePreviewURL     Type = "preview_url"
	TypeError          Type = "error"
)

// Meta phases.
const (
	PhaseSessionStart    = "session_start"
	PhaseSessionEnd      = "session_end"
	PhaseSessionComplete = "session_complete"
)

// Termination reasons carried on the terminal meta frame.
const (
	TerminationNormal           = "NORMAL"
	TerminationStreamFailed     = "STREAM_FAILED"
	TerminationClientDisconnect = "CLIENT_DISCONNECT"
	TerminationStreamTimeout    = "STREAM_TIMEOUT"
)

// Loop stop reasons for the agentic tool loop.
const (
	LoopStopToolLimit = "TOOL_LIMIT"
)

// Event is the tagged union for every frame on the stream. Only the fields
// relevant to Type are populated; everything else is omitted from JSON.
type Event struct {
	V    int    `json:"v"`
	Type Type   `json:"type"`
	Seq  uint64 `json:"seq,omitempty"`

	// Meta
	Phase              string `json:"phase,omitempty"`
	ChatID             string `json:"chat_id,omitempty"`
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	RunID              string `json:"run_id,omitempty"`
	Turn               int    `json:"turn,omitempty"`
	IsNewChat          bool   `json:"is_new_chat,omitempty"`
	TerminationReason  string `json:"termination_reason,omitempty"`
	LoopStopReason     string `json:"loop_stop_reason,omitempty"`

	// Text and file content deltas
	Delta string `json:"delta,omitempty"`

	// File
	Path string `json:"path,omitempty"`

	// Install
	Framework    string   `json:"framework,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`

	// Command tool
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// Web search tool
	Query      string `json:"query,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`

	// Build status
	Status      string `json:"status,omitempty"`
	PreviewURL  string `json:"preview_url,omitempty"`
	ErrorReport string `json:"error_report,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Text builds a TEXT delta frame.
func Text(delta string) Event {
	return Event{V: Version, Type: TypeText, Delta: delta}
}

// FileStart builds a FILE_START frame for path.
func FileStart(path string) Event {
	return Event{V: Version, Type: TypeFileStart, Path: path}
}

// FileContent builds a FILE_CONTENT delta frame for path.
func FileContent(path, delta string) Event {
	return Event{V: Version, Type: TypeFileContent, Path: path, Delta: delta}
}

// FileEnd builds a FILE_END frame for path.
func FileEnd(path string) Event {
	return Event{V: Version, Type: TypeFileEnd, Path: path}
}

// Error builds an ERROR frame with a machine-readable code.
func Error(msg, code string) Event {
	return Event{V: Version, Type: TypeError, Message: msg, Code: code}
}

// Meta builds a META frame for the given phase.
func Meta(phase string) Event {
	return Event{V: Version, Type: TypeMeta, Phase: phase}
}

// Marshal returns the JSON encoding used on the wire and in the event log.
func (e Event) Marshal() []byte {
	if e.V == 0 {
		e.V = Version
	}
	b, _ := json.Marshal(e)
	return b
}
