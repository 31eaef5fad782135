package main

import (
	"time"

	"github.com/truelens/truelens/config"
	"github.com/truelens/truelens/detection"
	"github.com/truelens/truelens/models"
	"github.com/truelens/truelens/routes"
	"github.com/truelens/truelens/storage"
	"github.com/truelens/truelens/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}

	db := config.InitDatabase(&models.User{}, &models.MediaFile{}, &models.AnalysisResult{}, &models.LocalArtifact{})

	uploader := storage.NewUploader(cfg)

	analyzer, err := detection.NewClient(detection.Config{
		APIKey:          cfg.ProviderAPIKey,
		BaseURL:         cfg.ProviderBaseURL,
		Timeout:         cfg.ProviderTimeout(),
		MaxRetries:      cfg.ProviderMaxRetries,
		BackoffBase:     cfg.ProviderBackoffBase(),
		PollInterval:    cfg.ProviderPollInterval(),
		PollMaxAttempts: cfg.ProviderPollMaxChecks,
		Thresholds:      detection.Thresholds{Authentic: cfg.AuthenticThreshold, Deepfake: cfg.DeepfakeThreshold},
	})
	if err != nil {
		utils.Sugar.Fatalf("detection client init failed: %v", err)
	}

	r := routes.SetupRouter(db, uploader, analyzer)

	// Purge expired degraded-mode local files in the background (best-effort)
	utils.StartArtifactCleaner(5 * time.Minute)

	utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
	if err := utils.GraceServer(":"+cfg.AppPort, r); err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}
