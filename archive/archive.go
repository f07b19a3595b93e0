// Package archive pushes finished recordings to S3-compatible object storage.
// The uploader is optional: when no endpoint is configured the service keeps
// recordings on local disk only.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Serph91P/StreamVault-sub006/recording"
	"github.com/Serph91P/StreamVault-sub006/safepath"
	"github.com/Serph91P/StreamVault-sub006/telemetry"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
)

// Uploader copies recordings into one bucket and stamps archived_url on the
// session row so the API can show where a recording went.
type Uploader struct {
	client  *minio.Client
	bucket  string
	store   *recording.Store
	records *safepath.Resolver

	maxAttempts int
	backoffBase time.Duration
}

// New dials the endpoint and ensures the bucket exists before returning.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, store *recording.Store, records *safepath.Resolver) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	u := &Uploader{
		client:      client,
		bucket:      bucket,
		store:       store,
		records:     records,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	if err := u.ensureBucket(ctx); err != nil {
		return nil, err
	}
	slog.Info("archive uploader ready",
		slog.String("endpoint", endpoint),
		slog.String("bucket", bucket),
		slog.String("component", "archive"))
	return u, nil
}

func (u *Uploader) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
		slog.Info("created archive bucket", slog.String("bucket", u.bucket), slog.String("component", "archive"))
	}
	return nil
}

// Ping confirms the bucket is still reachable, for readiness checks.
func (u *Uploader) Ping(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s missing", u.bucket)
	}
	return nil
}

// Upload archives one session's recording as <streamer>/<session-id>.<ext>.
// Already-archived sessions are a no-op, so retries after partial failures
// are safe.
func (u *Uploader) Upload(ctx context.Context, sessionID int64, username string) error {
	sess, err := u.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.RecordingPath.Valid {
		return fmt.Errorf("session %d has no recording to archive", sessionID)
	}
	if sess.ArchivedURL.Valid {
		return nil
	}
	abs, err := u.records.Resolve(ctx, sess.RecordingPath.String, safepath.OpRead)
	if err != nil {
		return fmt.Errorf("resolve recording: %w", err)
	}

	object := objectName(username, sessionID, abs)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < u.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := u.backoffBase * time.Duration(1<<attempt)
			backoff += time.Duration(rand.Int63n(int64(u.backoffBase)))
			slog.Warn("retrying archive upload",
				slog.String("object", object),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("component", "archive"))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		info, err := u.client.FPutObject(ctx, u.bucket, object, abs, minio.PutObjectOptions{
			ContentType: contentType(abs),
		})
		if err != nil {
			lastErr = err
			slog.Warn("archive upload failed",
				slog.String("object", object),
				slog.Any("err", err),
				slog.String("component", "archive"))
			continue
		}

		url := fmt.Sprintf("s3://%s/%s", u.bucket, object)
		if err := u.store.SetArchivedURL(ctx, sessionID, url); err != nil {
			return fmt.Errorf("record archive url: %w", err)
		}
		telemetry.ArchiveSucceeded.Inc()
		telemetry.ArchiveDuration.Observe(time.Since(start).Seconds())
		slog.Info("recording archived",
			slog.Int64("session_id", sessionID),
			slog.String("url", url),
			slog.Int64("bytes", info.Size),
			slog.String("component", "archive"))
		return nil
	}

	telemetry.ArchiveFailed.Inc()
	return fmt.Errorf("upload %s after %d attempts: %w", object, u.maxAttempts, lastErr)
}

// Remove deletes a session's archived object, if any. Used when a session is
// deleted through the API so the bucket does not accumulate orphans.
func (u *Uploader) Remove(ctx context.Context, sessionID int64, username, archivedURL string) error {
	object := strings.TrimPrefix(archivedURL, fmt.Sprintf("s3://%s/", u.bucket))
	if object == archivedURL {
		// Foreign or malformed URL: fall back to the canonical layout.
		object = fmt.Sprintf("%s/%d.mp4", strings.ToLower(username), sessionID)
	}
	if err := u.client.RemoveObject(ctx, u.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove archived object %s: %w", object, err)
	}
	return nil
}

func objectName(username string, sessionID int64, path string) string {
	return fmt.Sprintf("%s/%d%s", strings.ToLower(username), sessionID, filepath.Ext(path))
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}
