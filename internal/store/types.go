package store

import "time"

// TaskStatus mirrors the four-state lifecycle of an ai_tasks row.
type TaskStatus int

const (
	TaskStatusPending    TaskStatus = 0
	TaskStatusSuccess    TaskStatus = 1
	TaskStatusFailed     TaskStatus = 2
	TaskStatusProcessing TaskStatus = 3
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusPending:
		return "PENDING"
	case TaskStatusSuccess:
		return "SUCCESS"
	case TaskStatusFailed:
		return "FAILED"
	case TaskStatusProcessing:
		return "PROCESSING"
	default:
		return "UNKNOWN"
	}
}

// BatchStatus tracks the rollup state of a chat_batches row (§9 Open Question b).
type BatchStatus string

const (
	BatchStatusProcessing     BatchStatus = "PROCESSING"
	BatchStatusCompleted      BatchStatus = "COMPLETED"
	BatchStatusPartialFailure BatchStatus = "PARTIAL_FAILURE"
)

// NodeStatus is the health classification of a service_nodes row.
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "HEALTHY"
	NodeStatusUnhealthy NodeStatus = "UNHEALTHY"
)

// Conversation is a row in the conversations table.
type Conversation struct {
	ConversationID  string    `json:"conversation_id"`
	Title           string    `json:"title"`
	SessionMetadata string    `json:"session_metadata"` // raw JSON: {"node_slots": {"0": "http://..."}}
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ChatBatch is a row in the chat_batches table.
type ChatBatch struct {
	BatchID        string      `json:"batch_id"`
	ConversationID string      `json:"conversation_id"`
	UserPrompt     string      `json:"user_prompt"`
	ModelConfig    string      `json:"model_config"`
	Status         BatchStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Task is a row in the ai_tasks table.
type Task struct {
	TaskID         string     `json:"task_id"`
	BatchID        string     `json:"batch_id"`
	ConversationID string     `json:"conversation_id"`
	TaskType       string     `json:"task_type"` // content shape: "TEXT", "MULTIMODAL", or "IMAGE"
	ResponseText   string     `json:"response_text"`
	Status         TaskStatus `json:"status"`
	Prompt         string     `json:"prompt"`
	FilePaths      string     `json:"file_paths"` // raw JSON array
	ModelName      string     `json:"model_name"`
	Role           string     `json:"role"`
	CostTime       float64    `json:"cost_time"`
	ErrorMsg       string     `json:"error_msg"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ServiceNode is a row in the service_nodes table. Family discriminates the
// provider pool a node belongs to (DESIGN.md Open Question c).
type ServiceNode struct {
	ID             int64      `json:"id"`
	Family         string     `json:"family"`
	NodeURL        string     `json:"node_url"`
	Status         NodeStatus `json:"status"`
	DispatchedTask int        `json:"dispatched_tasks"` // binary lock: 0 or 1
	CurrentTasks   int        `json:"current_tasks"`    // soft load counter
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskEvent is an append-only audit row in task_events, recording every
// status transition a task goes through.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	FromState TaskStatus `json:"from_state"`
	ToState   TaskStatus `json:"to_state"`
	Detail    string     `json:"detail"`
	CreatedAt time.Time  `json:"created_at"`
}

// LogEntry is a row in system_logs, written for InternalError-class failures
// so an operator can find stack traces without grepping the JSONL log
// (SPEC_FULL.md §5, ported from original_source/shared/models.py SystemLog).
type LogEntry struct {
	ID         int64     `json:"id"`
	Level      string    `json:"level"`
	Source     string    `json:"source"`
	TaskID     string    `json:"task_id,omitempty"`
	Message    string    `json:"message"`
	StackTrace string    `json:"stack_trace,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
