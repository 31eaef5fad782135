package models

import (
	"fmt"
	"time"
)

// Media lifecycle statuses. Transitions are monotonic; failed is terminal
// for the attempt (a fresh upload creates a new record rather than retrying in place).
const (
	StatusQueued     = "queued"
	StatusUploading  = "uploading"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var statusRank = map[string]int{
	StatusQueued:     0,
	StatusUploading:  1,
	StatusProcessing: 2,
	StatusCompleted:  3,
}

// MediaFile represents one uploaded asset owned by a single user.
type MediaFile struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	UserID     uint            `gorm:"index;not null" json:"user_id"`
	FileName   string          `gorm:"size:255;not null" json:"file_name"`
	MimeType   string          `gorm:"size:64;not null" json:"mime_type"`
	SizeBytes  int64           `gorm:"not null" json:"size_bytes"`
	StorageURL string          `gorm:"size:1024" json:"storage_url"`
	Status     string          `gorm:"size:16;not null;default:'queued'" json:"status"`
	Progress   int             `gorm:"not null;default:0" json:"progress"`
	Degraded   bool            `gorm:"not null;default:false" json:"degraded"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	User       User            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	Result     *AnalysisResult `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"result,omitempty"`
}

// CanTransitionTo reports whether moving to the target status is legal.
// Any non-terminal status may fail; otherwise rank must strictly increase.
func (m *MediaFile) CanTransitionTo(target string) bool {
	if m.Status == StatusFailed || m.Status == StatusCompleted {
		return false
	}
	if target == StatusFailed {
		return true
	}
	from, okFrom := statusRank[m.Status]
	to, okTo := statusRank[target]
	if !okFrom || !okTo {
		return false
	}
	return to > from
}

// TransitionTo moves the file to the target status, rejecting illegal transitions.
func (m *MediaFile) TransitionTo(target string) error {
	if !m.CanTransitionTo(target) {
		return fmt.Errorf("illegal media status transition %s -> %s", m.Status, target)
	}
	m.Status = target
	return nil
}
