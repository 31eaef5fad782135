package controllers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/truelens/truelens/models"
	"github.com/truelens/truelens/utils"
)

// StatsController serves dashboard aggregates over the caller's media and results.
type StatsController struct {
	db *gorm.DB
}

// NewStatsController creates a new StatsController instance.
func NewStatsController(db *gorm.DB) *StatsController {
	return &StatsController{db: db}
}

// Overview returns per-user counts by status and classification plus the
// average confidence, for the dashboard landing page.
func (s *StatsController) Overview(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	cacheKey := fmt.Sprintf("cache:stats:overview:%d", userID)
	if b, ok := utils.CacheGetBytes(cacheKey); ok {
		ctx.Data(http.StatusOK, "application/json", b)
		return
	}

	var total int64
	if err := s.db.Model(&models.MediaFile{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		total = 0
	}

	byStatus := map[string]int64{}
	type statusRow struct {
		Status string
		N      int64
	}
	var statusRows []statusRow
	if err := s.db.Model(&models.MediaFile{}).
		Select("status, COUNT(*) AS n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&statusRows).Error; err == nil {
		for _, r := range statusRows {
			byStatus[r.Status] = r.N
		}
	}

	byClassification := map[string]int64{}
	var fallbackCount int64
	var avgConfidence float64
	type classRow struct {
		Classification string
		N              int64
	}
	var classRows []classRow
	resultQ := func() *gorm.DB {
		return s.db.Model(&models.AnalysisResult{}).
			Joins("JOIN media_files ON media_files.id = analysis_results.media_file_id").
			Where("media_files.user_id = ?", userID)
	}
	if err := resultQ().Select("classification, COUNT(*) AS n").Group("classification").Scan(&classRows).Error; err == nil {
		for _, r := range classRows {
			byClassification[r.Classification] = r.N
		}
	}
	if err := resultQ().Where("fallback = ?", true).Count(&fallbackCount).Error; err != nil {
		fallbackCount = 0
	}
	if err := resultQ().Select("COALESCE(AVG(confidence_score),0)").Scan(&avgConfidence).Error; err != nil {
		avgConfidence = 0
	}

	payload := gin.H{
		"media_total":       total,
		"by_status":         byStatus,
		"by_classification": byClassification,
		"fallback_count":    fallbackCount,
		"avg_confidence":    avgConfidence,
	}
	wrapper := struct {
		Code    int         `json:"code"`
		Message string      `json:"message"`
		Data    interface{} `json:"data"`
	}{Code: 0, Message: "success", Data: payload}
	utils.CacheSetJSON(cacheKey, wrapper, 5*time.Minute)
	utils.Success(ctx, payload)
}
