package utils

import (
	"os"
	"time"

	"github.com/truelens/truelens/config"
	"github.com/truelens/truelens/models"
)

// StartArtifactCleaner launches a background goroutine that periodically
// deletes expired degraded-mode local files recorded in the database.
// Best-effort: failures are logged and retried on the next tick.
func StartArtifactCleaner(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		for {
			// Sleep first to avoid racing immediately at startup
			time.Sleep(interval)
			db := config.DB()
			if db == nil {
				continue
			}
			var items []models.LocalArtifact
			if err := db.Where("expire_at <= ?", time.Now()).Limit(100).Find(&items).Error; err != nil {
				Sugar.Warnf("artifact cleaner query failed: %v", err)
				continue
			}
			for _, it := range items {
				if it.FilePath != "" {
					_ = os.Remove(it.FilePath)
				}
				// Remove row regardless of file deletion outcome
				if err := db.Delete(&models.LocalArtifact{}, it.ID).Error; err != nil {
					Sugar.Warnf("artifact cleaner delete row failed: %v", err)
				}
			}
		}
	}()
}
