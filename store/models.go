package store

import "time"

// AudioSource identifies the audio file a project was created from.
// Immutable once a project references it.
type AudioSource struct {
	Path     string  `json:"path"`
	Format   string  `json:"format"`
	Duration float64 `json:"duration"` // seconds
}

// Project is the root aggregate: one audio source plus everything derived
// from it (segments, notes, explanations, conversation turns).
type Project struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Audio     AudioSource `json:"audio"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Segment is one timestamped unit of transcribed text. Segments are
// immutable except for explicit corrections, which bump Version rather than
// silently rewriting history.
type Segment struct {
	ID        int64   `json:"id"`
	ProjectID string  `json:"projectId"`
	Index     int     `json:"index"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
	Version   int     `json:"version"`
}

// Note is free-text content anchored to a time offset within a project.
type Note struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"projectId"`
	Anchor    float64   `json:"anchor"` // seconds into the audio
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExplanationKey identifies one cached explanation. At most one explanation
// row exists per key.
type ExplanationKey struct {
	SegmentID int64  `json:"segmentId"`
	Model     string `json:"model"`
	Language  string `json:"language"`
}

// Explanation is a cached AI analysis of a single segment.
type Explanation struct {
	Key       ExplanationKey `json:"key"`
	Text      string         `json:"text"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Role identifies who produced a conversation turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in a project's conversation. Seq is assigned by the
// store and is strictly increasing with no gaps; turns are append-only
// except for an explicit clear.
type Turn struct {
	ProjectID string    `json:"projectId"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Thinking  string    `json:"thinking,omitempty"`
	Complete  bool      `json:"complete"`
	CreatedAt time.Time `json:"createdAt"`
}
