package job

import "time"

// State of a transcription job.
type State string

// Job lifecycle states. Queued and Running are live; Cancelling is the
// transitional state between a cancel request and the engine actually
// stopping; the rest are terminal.
const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job is a point-in-time snapshot of one transcription job.
type Job struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	AudioPath string    `json:"audioPath"`
	Model     string    `json:"model"`
	Language  string    `json:"language,omitempty"`
	State     State     `json:"state"`
	Progress  float64   `json:"progress"` // 0..1, estimated from audio position
	Segments  int       `json:"segments"` // segments produced so far
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
