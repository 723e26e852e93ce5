// Package run persists the durable transcript of each streaming request: the
// Run row plus its densely sequenced RunEvent log.
package run

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Status of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// State is the fine-grained position inside the agentic loop.
type State string

const (
	StateInit      State = "INIT"
	StateLLMStream State = "LLM_STREAM"
	StateToolExec  State = "TOOL_EXEC"
	StateApply     State = "APPLY"
	StateNextTurn  State = "NEXT_TURN"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Run is one durable request transcript header.
type Run struct {
	ID                 string         `db:"id"`
	ChatID             string         `db:"chat_id"`
	UserID             string         `db:"user_id"`
	UserMessageID      string         `db:"user_message_id"`
	AssistantMessageID string         `db:"assistant_message_id"`
	Status             Status         `db:"status"`
	State              State          `db:"state"`
	CurrentTurn        int            `db:"current_turn"`
	TerminationReason  sql.NullString `db:"termination_reason"`
	LoopStopReason     sql.NullString `db:"loop_stop_reason"`
	ErrorMessage       sql.NullString `db:"error_message"`
	Metadata           []byte         `db:"metadata"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// Metadata keys live in a free-form JSON object; Checkpoint is the typed
// part the orchestrator reads back on resume.
type Checkpoint struct {
	Turn               int    `json:"turn"`
	RawResponse        string `json:"rawResponse,omitempty"`
	SandboxTagDetected bool   `json:"sandboxTagDetected"`
	TotalToolCalls     int    `json:"totalToolCalls"`
	WorkflowID         string `json:"workflowId,omitempty"`
}

// SetCheckpoint stores the resume checkpoint in the metadata object.
func (r *Run) SetCheckpoint(cp Checkpoint) error {
	meta := map[string]json.RawMessage{}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	meta["resumeCheckpoint"] = raw
	r.Metadata, err = json.Marshal(meta)
	return err
}

// GetCheckpoint reads the resume checkpoint, if present.
func (r *Run) GetCheckpoint() (Checkpoint, bool, error) {
	var cp Checkpoint
	if len(r.Metadata) == 0 {
		return cp, false, nil
	}
	meta := map[string]json.RawMessage{}
	if err := json.Unmarshal(r.Metadata, &meta); err != nil {
		return cp, false, err
	}
	raw, ok := meta["resumeCheckpoint"]
	if !ok {
		return cp, false, nil
	}
	if err := json.Unmarshal(raw, &cp); err != nil {
		return cp, false, err
	}
	return cp, true, nil
}

// Event is one persisted stream event.
type Event struct {
	RunID     string    `db:"run_id"`
	Seq       int64     `db:"seq"`
	EventType string    `db:"event_type"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}
