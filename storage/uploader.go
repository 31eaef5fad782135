package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/truelens/truelens/config"
	"github.com/truelens/truelens/utils"
)

// ProgressFunc receives best-effort upload progress updates, 0-100,
// monotonically increasing.
type ProgressFunc func(percent int)

// UploadResult describes where the bytes landed.
type UploadResult struct {
	URL       string
	ObjectKey string
	Degraded  bool   // true when object storage was unreachable and bytes went to local disk
	LocalPath string // set only when Degraded
}

// Uploader moves bytes into the object store. When the store is
// unreachable it degrades to a local temporary file instead of aborting;
// the rest of the pipeline tolerates the ephemeral URL.
type Uploader struct {
	client   *minio.Client
	localDir string
	presign  time.Duration
}

// NewUploader builds an Uploader from configuration. A broken MinIO
// endpoint is not fatal: the uploader simply starts in degraded mode.
func NewUploader(cfg config.AppConfig) *Uploader {
	u := &Uploader{localDir: cfg.LocalUploadDir, presign: 24 * time.Hour}
	if cfg.MinioEndpoint == "" {
		utils.Sugar.Warn("object storage endpoint not configured, uploads will use local degraded mode")
		return u
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		utils.Sugar.Warnf("minio client init failed, uploads will use local degraded mode: %v", err)
		return u
	}
	u.client = client
	return u
}

// Upload streams r into the given bucket and returns a retrievable URL.
// Progress is instrumentation only; failures to report it never fail the upload.
func (u *Uploader) Upload(ctx context.Context, bucket, fileName, mimeType string, r io.Reader, size int64, progress ProgressFunc) (*UploadResult, error) {
	objectKey := objectName(fileName)
	reader := newProgressReader(r, size, progress)

	if u.client != nil {
		_, err := u.client.PutObject(ctx, bucket, objectKey, reader, size, minio.PutObjectOptions{ContentType: mimeType})
		if err == nil {
			reader.finish()
			link, perr := u.client.PresignedGetObject(ctx, bucket, objectKey, u.presign, url.Values{})
			if perr != nil {
				return nil, fmt.Errorf("presign %s/%s: %w", bucket, objectKey, perr)
			}
			return &UploadResult{URL: link.String(), ObjectKey: objectKey}, nil
		}
		// A failed PUT may have consumed part of r. Degrading with a
		// half-drained reader would store a truncated file, so rewind
		// to the start first; a source that cannot rewind fails hard.
		seeker, ok := r.(io.Seeker)
		if !ok {
			return nil, fmt.Errorf("upload %s/%s: %w", bucket, objectKey, err)
		}
		if _, serr := seeker.Seek(0, io.SeekStart); serr != nil {
			return nil, fmt.Errorf("rewind %s after failed upload: %w", objectKey, serr)
		}
		reader = newProgressReader(r, size, progress)
		utils.Sugar.Warnf("object storage upload failed, degrading to local file: %v", err)
	}

	return u.uploadLocal(objectKey, reader)
}

// Remove deletes a stored object. Local degraded files are handled by the
// artifact cleaner instead.
func (u *Uploader) Remove(ctx context.Context, bucket, objectKey string) error {
	if u.client == nil || objectKey == "" {
		return nil
	}
	return u.client.RemoveObject(ctx, bucket, objectKey, minio.RemoveObjectOptions{})
}

// uploadLocal writes the remaining bytes under the local upload directory,
// partitioned by date the same way the static file server expects.
func (u *Uploader) uploadLocal(objectKey string, reader *progressReader) (*UploadResult, error) {
	now := time.Now()
	dir := filepath.Join(u.localDir, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	dstPath := filepath.Join(dir, objectKey)
	out, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("create local upload file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		_ = os.Remove(dstPath)
		return nil, fmt.Errorf("write local upload file: %w", err)
	}
	reader.finish()

	absPath, _ := filepath.Abs(dstPath)
	relURL := fmt.Sprintf("/static/uploads/%s/%s/%s/%s", now.Format("2006"), now.Format("01"), now.Format("02"), objectKey)
	return &UploadResult{URL: relURL, ObjectKey: objectKey, Degraded: true, LocalPath: absPath}, nil
}

func objectName(fileName string) string {
	base := filepath.Base(fileName)
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return uuid.NewString() + "_" + base
}

// progressReader reports read progress against a known total. Percent only
// ever moves forward, even if the underlying reader is wrapped twice.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	last     int
	progress ProgressFunc
}

func newProgressReader(r io.Reader, total int64, progress ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, progress: progress}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.report()
	}
	return n, err
}

func (p *progressReader) report() {
	if p.progress == nil || p.total <= 0 {
		return
	}
	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	if pct > p.last {
		p.last = pct
		p.progress(pct)
	}
}

// finish guarantees a terminal 100 even for zero-length files.
func (p *progressReader) finish() {
	if p.progress != nil && p.last < 100 {
		p.last = 100
		p.progress(100)
	}
}
