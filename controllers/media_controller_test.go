package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/truelens/truelens/config"
	"github.com/truelens/truelens/detection"
	"github.com/truelens/truelens/models"
	"github.com/truelens/truelens/routes"
	"github.com/truelens/truelens/storage"
	"github.com/truelens/truelens/utils"
)

func TestMain(m *testing.M) {
	os.Setenv("JWT_SECRET", "test-secret")
	os.Setenv("MAX_MEDIA_SIZE_MB", "2")
	os.Setenv("RATE_LIMIT_PER_MINUTE", "100000")
	os.Setenv("GIN_MODE", "test")
	os.Setenv("GIN_PATH", filepath.Join(os.TempDir(), "truelens-test", "gin.log"))
	os.Setenv("LOG_PATH", filepath.Join(os.TempDir(), "truelens-test", "app.log"))
	os.Exit(m.Run())
}

// stubAnalyzer stands in for the remote provider client.
type stubAnalyzer struct {
	result *detection.Result
	err    error
	calls  int
	last   detection.Input
}

func (s *stubAnalyzer) Analyze(ctx context.Context, input detection.Input) (*detection.Result, error) {
	s.calls++
	s.last = input
	if s.err != nil {
		return nil, s.err
	}
	out := *s.result
	return &out, nil
}

func authenticResult(confidence float64) *detection.Result {
	return &detection.Result{
		ConfidenceScore: confidence,
		Classification:  detection.DefaultThresholds().Classify(confidence),
		ProcessingMs:    12,
		Metadata: detection.Metadata{
			Provider:   "deepdetect",
			Thresholds: detection.DefaultThresholds(),
		},
		Heatmap:          []detection.HeatmapRegion{{X: 0.25, Y: 0.2, Width: 0.5, Height: 0.5, Confidence: 100 - confidence, Type: "face", Synthetic: true}},
		HeatmapSynthetic: true,
	}
}

type testEnv struct {
	db       *gorm.DB
	router   *gin.Engine
	analyzer *stubAnalyzer
	token    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, utils.InitLogger(config.AppConfig{LogLevel: "error"}))

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.MediaFile{}, &models.AnalysisResult{}, &models.LocalArtifact{}))
	config.SetDB(db)

	uploader := storage.NewUploader(config.AppConfig{LocalUploadDir: t.TempDir()})
	analyzer := &stubAnalyzer{result: authenticResult(92)}
	router := routes.SetupRouter(db, uploader, analyzer)

	env := &testEnv{db: db, router: router, analyzer: analyzer}
	env.token = env.registerUser(t, "alice")
	return env
}

func (e *testEnv) registerUser(t *testing.T, username string) string {
	t.Helper()
	body, _ := json.Marshal(gin.H{"username": username, "password": "secret123"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, field, fileName, mimeType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, field, fileName)}
	header["Content-Type"] = []string{mimeType}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func (e *testEnv) uploadImage(t *testing.T, fileName string) uint {
	t.Helper()
	body, contentType := multipartBody(t, "file", fileName, "image/png", []byte("png-bytes"))
	w := e.do(t, http.MethodPost, "/api/v1/media", e.token, body, contentType)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			Items []models.MediaFile `json:"items"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Items, 1)
	return resp.Data.Items[0].ID
}

func TestUpload_CreatesRecordAndStoresFile(t *testing.T) {
	env := newTestEnv(t)

	id := env.uploadImage(t, "photo.png")

	var record models.MediaFile
	require.NoError(t, env.db.First(&record, id).Error)
	assert.Equal(t, models.StatusProcessing, record.Status)
	assert.Equal(t, "image/png", record.MimeType)
	assert.Equal(t, 100, record.Progress)
	assert.True(t, record.Degraded) // no object store configured in tests
	assert.NotEmpty(t, record.StorageURL)
}

func TestUpload_RejectsOversizedFileBeforeStoring(t *testing.T) {
	env := newTestEnv(t)

	// MAX_MEDIA_SIZE_MB=2 in TestMain; 3 MiB must be rejected up front.
	big := bytes.Repeat([]byte("a"), 3<<20)
	body, contentType := multipartBody(t, "file", "big.png", "image/png", big)
	w := env.do(t, http.MethodPost, "/api/v1/media", env.token, body, contentType)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "size limit")

	var count int64
	env.db.Model(&models.MediaFile{}).Count(&count)
	assert.Zero(t, count)
}

func TestUpload_RejectsDisallowedMimeType(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartBody(t, "file", "doc.pdf", "application/pdf", []byte("%PDF"))
	w := env.do(t, http.MethodPost, "/api/v1/media", env.token, body, contentType)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported media type")
}

func TestUpload_BatchProcessedInSubmittedOrder(t *testing.T) {
	env := newTestEnv(t)

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for _, name := range []string{"first.png", "second.png", "third.png"} {
		header := map[string][]string{
			"Content-Disposition": {fmt.Sprintf(`form-data; name="files"; filename=%q`, name)},
			"Content-Type":        {"image/png"},
		}
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	w := env.do(t, http.MethodPost, "/api/v1/media", env.token, buf, mw.FormDataContentType())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			Items []models.MediaFile `json:"items"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Items, 3)
	assert.Equal(t, "first.png", resp.Data.Items[0].FileName)
	assert.Equal(t, "second.png", resp.Data.Items[1].FileName)
	assert.Equal(t, "third.png", resp.Data.Items[2].FileName)
	assert.Less(t, resp.Data.Items[0].ID, resp.Data.Items[1].ID)
}

func TestAnalyze_PersistsResultAndCompletesFile(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadImage(t, "photo.png")

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/media/%d/analyze", id), env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, 1, env.analyzer.calls)

	var row models.AnalysisResult
	require.NoError(t, env.db.Where("media_file_id = ?", id).First(&row).Error)
	assert.InDelta(t, 92, row.ConfidenceScore, 0.001)
	assert.Equal(t, "authentic", row.Classification)
	assert.False(t, row.Fallback)

	var record models.MediaFile
	require.NoError(t, env.db.First(&record, id).Error)
	assert.Equal(t, models.StatusCompleted, record.Status)
}

func TestAnalyze_DegradedUploadHandsBytesToAnalyzer(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadImage(t, "photo.png")

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/media/%d/analyze", id), env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	// Degraded uploads are unreachable by URL; the handler must inline the bytes.
	assert.Equal(t, []byte("png-bytes"), env.analyzer.last.Data)
}

func TestAnalyze_FallbackFlagPreservedEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.result = &detection.Result{
		ConfidenceScore: 85,
		Classification:  detection.ClassAuthentic,
		Fallback:        true,
		FallbackReason:  "upload-request: provider returned status 503",
		Metadata:        detection.Metadata{Provider: "deepdetect", Thresholds: detection.DefaultThresholds()},
	}
	id := env.uploadImage(t, "photo.png")

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/media/%d/analyze", id), env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var row models.AnalysisResult
	require.NoError(t, env.db.Where("media_file_id = ?", id).First(&row).Error)
	assert.True(t, row.Fallback)
	assert.Contains(t, row.FallbackReason, "503")

	result := env.getResult(t, id)
	assert.True(t, result.Fallback)
}

func TestAnalyze_NonImageShortCircuitsWithRealClient(t *testing.T) {
	env := newTestEnv(t)

	// Use the real provider client: for video it must not touch the network.
	client, err := detection.NewClient(detection.Config{APIKey: "k", BaseURL: "https://unreachable.invalid"})
	require.NoError(t, err)
	uploader := storage.NewUploader(config.AppConfig{LocalUploadDir: t.TempDir()})
	router := routes.SetupRouter(env.db, uploader, client)
	env.router = router

	body, contentType := multipartBody(t, "file", "clip.mp4", "video/mp4", []byte("mp4"))
	w := env.do(t, http.MethodPost, "/api/v1/media", env.token, body, contentType)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			Items []models.MediaFile `json:"items"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id := resp.Data.Items[0].ID

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/media/%d/analyze", id), env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var row models.AnalysisResult
	require.NoError(t, env.db.Where("media_file_id = ?", id).First(&row).Error)
	assert.True(t, row.Fallback)
	assert.Contains(t, row.FallbackReason, "premium tier")
}

func TestAnalyze_ReanalysisKeepsOldRowAndServesLatest(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadImage(t, "photo.png")

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/media/%d/analyze", id), env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	env.analyzer.result = authenticResult(33)
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/media/%d/analyze", id), env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var count int64
	env.db.Model(&models.AnalysisResult{}).Where("media_file_id = ?", id).Count(&count)
	assert.EqualValues(t, 2, count)

	result := env.getResult(t, id)
	assert.InDelta(t, 33, result.ConfidenceScore, 0.001)
	assert.Equal(t, "deepfake", result.Classification)
}

func TestMedia_OwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadImage(t, "photo.png")

	otherToken := env.registerUser(t, "mallory")

	for _, probe := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, fmt.Sprintf("/api/v1/media/%d", id)},
		{http.MethodPost, fmt.Sprintf("/api/v1/media/%d/analyze", id)},
		{http.MethodGet, fmt.Sprintf("/api/v1/media/%d/result", id)},
		{http.MethodDelete, fmt.Sprintf("/api/v1/media/%d", id)},
	} {
		w := env.do(t, probe.method, probe.path, otherToken, nil, "")
		assert.Equalf(t, http.StatusNotFound, w.Code, "%s %s", probe.method, probe.path)
	}
}

func TestDelete_RemovesFileAndResults(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadImage(t, "photo.png")
	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/media/%d/analyze", id), env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/media/%d", id), env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var mediaCount, resultCount int64
	env.db.Model(&models.MediaFile{}).Where("id = ?", id).Count(&mediaCount)
	env.db.Model(&models.AnalysisResult{}).Where("media_file_id = ?", id).Count(&resultCount)
	assert.Zero(t, mediaCount)
	assert.Zero(t, resultCount)
}

func TestGetResult_NotAnalyzedYet(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadImage(t, "photo.png")

	w := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/media/%d/result", id), env.token, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuth_RequiredOnMediaRoutes(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/media", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadAvatar_RejectsOversizedAndNonImage(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartBody(t, "file", "cv.pdf", "application/pdf", []byte("%PDF"))
	w := env.do(t, http.MethodPost, "/api/v1/users/me/avatar", env.token, body, contentType)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	big := bytes.Repeat([]byte("a"), 6<<20) // avatar bucket caps at 5 MiB
	body, contentType = multipartBody(t, "file", "avatar.png", "image/png", big)
	w = env.do(t, http.MethodPost, "/api/v1/users/me/avatar", env.token, body, contentType)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "size limit")
}

func TestStatsOverview_CountsByClassification(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadImage(t, "a.png")
	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/media/%d/analyze", id), env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/stats/overview", env.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			MediaTotal       int64            `json:"media_total"`
			ByClassification map[string]int64 `json:"by_classification"`
			AvgConfidence    float64          `json:"avg_confidence"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp.Data.MediaTotal)
	assert.EqualValues(t, 1, resp.Data.ByClassification["authentic"])
	assert.InDelta(t, 92, resp.Data.AvgConfidence, 0.001)
}

func (e *testEnv) getResult(t *testing.T, id uint) *models.AnalysisResult {
	t.Helper()
	w := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/media/%d/result", id), e.token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data struct {
			Result models.AnalysisResult `json:"result"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp.Data.Result
}
