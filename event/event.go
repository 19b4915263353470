package event

import "time"

// Type identifies the kind of orchestration event.
type Type string

// Event type constants.
const (
	TypeJobStateChanged   Type = "job_state_changed"
	TypeJobProgress       Type = "job_progress"
	TypeExplanationToken  Type = "explanation_token"
	TypeExplanationReady  Type = "explanation_ready"
	TypeConversationToken Type = "conversation_token"
	TypeTurnCompleted     Type = "conversation_turn_completed"
	TypeBackpressure      Type = "backpressure"
	TypeOperationFailed   Type = "operation_failed"
)

// Failure kind constants carried by TypeOperationFailed events.
const (
	KindTranscription = "transcription"
	KindAIService     = "ai_service"
	KindPersistence   = "persistence"
	KindConcurrency   = "concurrency"
)

// Event is a single orchestration event. One struct covers all event types;
// fields beyond Type are optional and populated per type.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Job events
	JobID    string  `json:"jobId,omitempty"`
	State    string  `json:"state,omitempty"`
	Progress float64 `json:"progress,omitempty"` // seconds of audio transcribed

	// Explanation and conversation events
	ProjectID string `json:"projectId,omitempty"`
	SegmentID int64  `json:"segmentId,omitempty"`
	Token     string `json:"token,omitempty"`
	Thinking  bool   `json:"thinking,omitempty"`
	Text      string `json:"text,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
	Complete  bool   `json:"complete,omitempty"`

	// Model and language, set on explanation events so consumers can
	// correlate with the cache key.
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`

	// Failure events
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Backpressure events
	Dropped int `json:"dropped,omitempty"`
}
