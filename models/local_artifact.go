package models

import "time"

// LocalArtifact records files written to local disk when object storage was
// unreachable (degraded-mode uploads), so the background cleaner can purge them.
type LocalArtifact struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FilePath  string    `gorm:"size:1024;not null" json:"file_path"` // absolute or relative filesystem path
	URL       string    `gorm:"size:1024;not null" json:"url"`       // public URL like /static/uploads/...
	ExpireAt  time.Time `gorm:"index" json:"expire_at"`
	CreatedAt time.Time `json:"created_at"`
}
