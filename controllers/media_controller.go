package controllers

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/truelens/truelens/config"
	"github.com/truelens/truelens/detection"
	"github.com/truelens/truelens/middleware"
	"github.com/truelens/truelens/models"
	"github.com/truelens/truelens/storage"
	"github.com/truelens/truelens/utils"
)

// allowedMimeTypes is the set of media types accepted for upload. Only the
// image types receive real provider analysis; video/audio are stored and
// get a placeholder verdict.
var allowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/gif":       true,
	"video/mp4":       true,
	"video/quicktime": true,
	"video/webm":      true,
	"audio/mpeg":      true,
	"audio/wav":       true,
	"audio/ogg":       true,
}

// MediaController owns the upload-analyze-persist pipeline for media files.
type MediaController struct {
	db       *gorm.DB
	uploader *storage.Uploader
	analyzer detection.Analyzer
}

// NewMediaController creates a MediaController. The analyzer is injected so
// tests can substitute a double for the remote provider.
func NewMediaController(db *gorm.DB, uploader *storage.Uploader, analyzer detection.Analyzer) *MediaController {
	return &MediaController{db: db, uploader: uploader, analyzer: analyzer}
}

// Upload accepts one or more media files. Files are validated before any
// network call and processed sequentially in submitted order; each file
// yields its own MediaFile record.
func (m *MediaController) Upload(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	form, err := ctx.MultipartForm()
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40030, "no file uploaded")
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		utils.Error(ctx, http.StatusBadRequest, 40030, "no file uploaded")
		return
	}

	cfg := config.Get()
	maxBytes := int64(cfg.MaxMediaSizeMB) << 20

	// Validate the whole batch up front so one oversized file rejects
	// before any bytes move.
	for _, header := range files {
		if msg, code := validateMediaHeader(header, maxBytes); msg != "" {
			utils.Error(ctx, http.StatusBadRequest, code, msg)
			return
		}
	}

	items := make([]models.MediaFile, 0, len(files))
	for _, header := range files {
		record, err := m.uploadOne(ctx, userID, header)
		if err != nil {
			utils.Error(ctx, http.StatusInternalServerError, 50040, fmt.Sprintf("failed to store %s", header.Filename))
			return
		}
		items = append(items, *record)
	}

	utils.InvalidateByPrefix("cache:media:list:" + strconv.Itoa(int(userID)))
	utils.InvalidateByPrefix("cache:stats:")

	utils.Success(ctx, gin.H{"items": items})
}

func validateMediaHeader(header *multipart.FileHeader, maxBytes int64) (string, int) {
	mimeType := headerMime(header)
	if !allowedMimeTypes[mimeType] {
		return fmt.Sprintf("unsupported media type %q for %s", mimeType, header.Filename), 40031
	}
	if header.Size > maxBytes {
		return fmt.Sprintf("%s exceeds the %d MiB size limit", header.Filename, maxBytes>>20), 40032
	}
	return "", 0
}

func (m *MediaController) uploadOne(ctx *gin.Context, userID uint, header *multipart.FileHeader) (*models.MediaFile, error) {
	mimeType := headerMime(header)

	record := models.MediaFile{
		UserID:    userID,
		FileName:  header.Filename,
		MimeType:  mimeType,
		SizeBytes: header.Size,
		Status:    models.StatusQueued,
	}
	if err := m.db.Create(&record).Error; err != nil {
		return nil, err
	}

	markFailed := func() {
		_ = record.TransitionTo(models.StatusFailed)
		_ = m.db.Model(&record).Updates(map[string]any{"status": record.Status}).Error
	}

	src, err := header.Open()
	if err != nil {
		markFailed()
		return nil, err
	}
	defer src.Close()

	if err := record.TransitionTo(models.StatusUploading); err != nil {
		return nil, err
	}
	if err := m.db.Model(&record).Update("status", record.Status).Error; err != nil {
		return nil, err
	}

	// Progress persistence is best-effort instrumentation; write every
	// tenth percent to keep row churn down.
	lastPersisted := 0
	progress := func(pct int) {
		record.Progress = pct
		if pct-lastPersisted >= 10 || pct == 100 {
			lastPersisted = pct
			_ = m.db.Model(&record).Update("progress", pct).Error
		}
	}

	cfg := config.Get()
	res, err := m.uploader.Upload(ctx.Request.Context(), cfg.MediaBucket, header.Filename, mimeType, src, header.Size, progress)
	if err != nil {
		markFailed()
		return nil, err
	}

	if res.Degraded {
		expireAt := time.Now().Add(time.Duration(cfg.LocalArtifactTTL) * time.Minute)
		if err := m.db.Create(&models.LocalArtifact{FilePath: res.LocalPath, URL: res.URL, ExpireAt: expireAt}).Error; err != nil {
			utils.Sugar.Warnf("failed to record degraded upload artifact: %v", err)
		}
	}

	if err := record.TransitionTo(models.StatusProcessing); err != nil {
		return nil, err
	}
	record.StorageURL = res.URL
	record.Degraded = res.Degraded
	updates := map[string]any{
		"status":      record.Status,
		"storage_url": record.StorageURL,
		"degraded":    record.Degraded,
		"progress":    record.Progress,
	}
	if err := m.db.Model(&record).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func headerMime(header *multipart.FileHeader) string {
	mimeType := header.Header.Get("Content-Type")
	// Strip parameters like "; charset=..."
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	return strings.TrimSpace(strings.ToLower(mimeType))
}

// Analyze runs the detection pipeline for one uploaded file and persists
// the normalized result. Provider failures surface as a flagged fallback
// result, never as an error; only a failed result write is a hard failure.
func (m *MediaController) Analyze(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	record, ok := m.loadOwnedMedia(ctx, userID)
	if !ok {
		return
	}

	if record.Status != models.StatusProcessing && record.Status != models.StatusCompleted {
		utils.Error(ctx, http.StatusConflict, 40910, "media file is not ready for analysis")
		return
	}

	input := detection.Input{
		FileName: record.FileName,
		MimeType: record.MimeType,
		FileURL:  record.StorageURL,
	}
	// Degraded uploads live on local disk behind an ephemeral URL the
	// provider cannot reach; hand the client the bytes directly.
	if record.Degraded {
		if data, ok := m.readLocalArtifact(record.StorageURL); ok {
			input.Data = data
		}
	}

	result, err := m.analyzer.Analyze(ctx.Request.Context(), input)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50041, "analysis could not be started")
		return
	}

	row, err := resultRow(record.ID, result)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50042, "failed to encode analysis result")
		return
	}
	// A silently lost result is worse than a visible failure: result
	// persistence is the one provider-path error that propagates.
	if err := m.db.Create(row).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50043, "failed to persist analysis result")
		return
	}

	if record.Status == models.StatusProcessing {
		if err := record.TransitionTo(models.StatusCompleted); err == nil {
			if err := m.db.Model(record).Update("status", record.Status).Error; err != nil {
				utils.Sugar.Warnf("failed to mark media %d completed: %v", record.ID, err)
			}
		}
	}

	utils.InvalidateByPrefix("cache:media:list:" + strconv.Itoa(int(userID)))
	utils.InvalidateByPrefix("cache:stats:")

	utils.Success(ctx, gin.H{"media": record, "result": row})
}

// resultRow marshals the normalized result into the immutable storage row.
func resultRow(mediaID uint, result *detection.Result) (*models.AnalysisResult, error) {
	metadata, err := json.Marshal(result.Metadata)
	if err != nil {
		return nil, err
	}
	heatmap, err := json.Marshal(gin.H{"regions": result.Heatmap, "synthetic": result.HeatmapSynthetic})
	if err != nil {
		return nil, err
	}
	row := &models.AnalysisResult{
		MediaFileID:     mediaID,
		ConfidenceScore: result.ConfidenceScore,
		Classification:  string(result.Classification),
		ProcessingMs:    result.ProcessingMs,
		Fallback:        result.Fallback,
		FallbackReason:  result.FallbackReason,
		Metadata:        datatypes.JSON(metadata),
		Heatmap:         datatypes.JSON(heatmap),
	}
	if result.Manipulation != nil {
		manipulation, err := json.Marshal(result.Manipulation)
		if err != nil {
			return nil, err
		}
		row.Manipulation = datatypes.JSON(manipulation)
	}
	return row, nil
}

func (m *MediaController) readLocalArtifact(url string) ([]byte, bool) {
	var artifact models.LocalArtifact
	if err := m.db.Where("url = ?", url).First(&artifact).Error; err != nil {
		return nil, false
	}
	data, err := os.ReadFile(artifact.FilePath)
	if err != nil {
		return nil, false
	}
	return data, true
}

// List returns the caller's media files, newest first.
func (m *MediaController) List(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	page, pageSize := parsePagination(ctx.Query("page"), ctx.Query("page_size"))

	cacheKey := fmt.Sprintf("cache:media:list:%d:page=%d:size=%d", userID, page, pageSize)
	if b, ok := utils.CacheGetBytes(cacheKey); ok {
		ctx.Data(http.StatusOK, "application/json", b)
		return
	}

	var items []models.MediaFile
	var total int64
	q := m.db.Where("user_id = ?", userID).Order("created_at DESC")
	if err := q.Model(&models.MediaFile{}).Count(&total).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50044, "failed to count media files")
		return
	}
	if err := q.Offset((page - 1) * pageSize).Limit(pageSize).Find(&items).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50045, "failed to list media files")
		return
	}

	payload := gin.H{
		"items": items,
		"pagination": gin.H{
			"page":        page,
			"page_size":   pageSize,
			"total":       total,
			"total_pages": int((total + int64(pageSize) - 1) / int64(pageSize)),
		},
	}
	wrapper := struct {
		Code    int         `json:"code"`
		Message string      `json:"message"`
		Data    interface{} `json:"data"`
	}{Code: 0, Message: "success", Data: payload}
	utils.CacheSetJSON(cacheKey, wrapper, time.Minute)
	utils.Success(ctx, payload)
}

// Get returns one media file with its latest analysis result, if any.
func (m *MediaController) Get(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	record, ok := m.loadOwnedMedia(ctx, userID)
	if !ok {
		return
	}

	payload := gin.H{"media": record}
	if result, err := m.latestResult(record.ID); err == nil {
		payload["result"] = result
	}
	utils.Success(ctx, payload)
}

// GetResult returns the latest analysis result for a media file.
func (m *MediaController) GetResult(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	record, ok := m.loadOwnedMedia(ctx, userID)
	if !ok {
		return
	}

	result, err := m.latestResult(record.ID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			utils.Error(ctx, http.StatusNotFound, 40406, "media file has not been analyzed")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, 50046, "failed to load analysis result")
		return
	}
	utils.Success(ctx, gin.H{"result": result})
}

// Delete removes a media file, its analysis results, and the stored object.
func (m *MediaController) Delete(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	record, ok := m.loadOwnedMedia(ctx, userID)
	if !ok {
		return
	}

	// Results follow their parent file (cascade semantics); delete them
	// explicitly so backends without FK enforcement behave the same.
	if err := m.db.Where("media_file_id = ?", record.ID).Delete(&models.AnalysisResult{}).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50047, "failed to delete analysis results")
		return
	}
	if err := m.db.Delete(record).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50048, "failed to delete media file")
		return
	}

	cfg := config.Get()
	if !record.Degraded {
		if err := m.uploader.Remove(ctx.Request.Context(), cfg.MediaBucket, objectKeyFromURL(record.StorageURL)); err != nil {
			utils.Sugar.Warnf("failed to remove stored object for media %d: %v", record.ID, err)
		}
	}

	utils.InvalidateByPrefix("cache:media:list:" + strconv.Itoa(int(userID)))
	utils.InvalidateByPrefix("cache:stats:")

	utils.Success(ctx, gin.H{"message": "media deleted"})
}

// UploadAvatar stores a profile image in the avatar bucket (5 MiB cap).
func (m *MediaController) UploadAvatar(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	file, header, err := ctx.Request.FormFile("file")
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40030, "no file uploaded")
		return
	}
	defer file.Close()

	cfg := config.Get()
	maxBytes := int64(cfg.MaxAvatarSizeMB) << 20
	mimeType := headerMime(header)
	if !strings.HasPrefix(mimeType, "image/") {
		utils.Error(ctx, http.StatusBadRequest, 40033, "avatar must be an image")
		return
	}
	if header.Size > maxBytes {
		utils.Error(ctx, http.StatusBadRequest, 40034, fmt.Sprintf("avatar exceeds the %d MiB size limit", maxBytes>>20))
		return
	}

	res, err := m.uploader.Upload(ctx.Request.Context(), cfg.AvatarBucket, header.Filename, mimeType, file, header.Size, nil)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50049, "failed to store avatar")
		return
	}

	if err := m.db.Model(&models.User{}).Where("id = ?", userID).Update("avatar_url", res.URL).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50050, "failed to update avatar")
		return
	}
	utils.Success(ctx, gin.H{"avatar_url": res.URL})
}

func (m *MediaController) latestResult(mediaID uint) (*models.AnalysisResult, error) {
	var result models.AnalysisResult
	err := m.db.Where("media_file_id = ?", mediaID).Order("id DESC").First(&result).Error
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// loadOwnedMedia fetches the :id media file and enforces row ownership.
// Missing and foreign rows both read as 404 so ids cannot be probed.
func (m *MediaController) loadOwnedMedia(ctx *gin.Context, userID uint) (*models.MediaFile, bool) {
	id := strings.TrimSpace(ctx.Param("id"))
	if id == "" {
		utils.Error(ctx, http.StatusBadRequest, 40040, "missing media id")
		return nil, false
	}
	var record models.MediaFile
	if err := m.db.First(&record, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			utils.Error(ctx, http.StatusNotFound, 40405, "media file not found")
			return nil, false
		}
		utils.Error(ctx, http.StatusInternalServerError, 50051, "failed to load media file")
		return nil, false
	}
	if record.UserID != userID {
		utils.Error(ctx, http.StatusNotFound, 40405, "media file not found")
		return nil, false
	}
	return &record, true
}

func objectKeyFromURL(storageURL string) string {
	trimmed := storageURL
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return trimmed
}

func parsePagination(pageStr, sizeStr string) (int, int) {
	page := 1
	pageSize := 10
	if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
		page = p
	}
	if s, err := strconv.Atoi(sizeStr); err == nil && s > 0 && s <= 100 {
		pageSize = s
	}
	return page, pageSize
}

func getUserID(ctx *gin.Context) (uint, bool) {
	value, exists := ctx.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}
	switch v := value.(type) {
	case uint:
		return v, true
	case int:
		return uint(v), true
	case int64:
		return uint(v), true
	case float64:
		return uint(v), true
	default:
		return 0, false
	}
}
