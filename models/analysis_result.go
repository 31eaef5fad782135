package models

import (
	"time"

	"gorm.io/datatypes"
)

// AnalysisResult stores one normalized detection verdict for a media file.
// Rows are immutable; re-analysis inserts a new row and readers take the latest.
type AnalysisResult struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	MediaFileID     uint           `gorm:"index;not null" json:"media_file_id"`
	ConfidenceScore float64        `gorm:"not null" json:"confidence_score"`
	Classification  string         `gorm:"size:16;not null" json:"classification"`
	ProcessingMs    int64          `json:"processing_ms"`
	Fallback        bool           `gorm:"not null;default:false" json:"fallback"`
	FallbackReason  string         `gorm:"size:512" json:"fallback_reason,omitempty"`
	Metadata        datatypes.JSON `json:"metadata,omitempty"`
	Heatmap         datatypes.JSON `json:"heatmap,omitempty"`
	Manipulation    datatypes.JSON `json:"manipulation,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
