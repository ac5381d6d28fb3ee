// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 is the subset of minio.Client this program uses.
//
// We define our own interface for easier testing, so we only have to
// fake the parts of the (rather big) S3 surface we actually touch.
type S3 interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

func newS3Client(cfg *S3Config) (S3, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
}

// SnapshotStats is the manifest uploaded next to a database snapshot.
type SnapshotStats struct {
	DatabaseFilename string `json:"database-filename"`
	DatabaseSha1     string `json:"database-sha1"`
	UploadedAt       string `json:"uploaded-at"`
}

// uploadSnapshot pushes the database file and a small stats manifest
// into the bucket after a completed run. Failures are the caller's to
// log; they never change the run's status.
func uploadSnapshot(ctx context.Context, s3 S3, bucket, dbPath string) error {
	now := time.Now().UTC()
	base := filepath.Base(dbPath)
	dest := fmt.Sprintf("snapshots/%s-%s", now.Format("20060102"), base)
	if _, err := s3.FPutObject(ctx, bucket, dest, dbPath,
		minio.PutObjectOptions{ContentType: "application/x-sqlite3"}); err != nil {
		return fmt.Errorf("uploading %s: %w", dest, err)
	}

	digest, err := fileSha1(dbPath)
	if err != nil {
		return err
	}
	stats := SnapshotStats{
		DatabaseFilename: base,
		DatabaseSha1:     digest,
		UploadedAt:       now.Format(time.RFC3339),
	}
	j, err := json.MarshalIndent(stats, "", "    ")
	if err != nil {
		return err
	}

	statsFile, err := os.CreateTemp("", "wikimirror-stats-*.json")
	if err != nil {
		return err
	}
	statsPath := statsFile.Name()
	defer os.Remove(statsPath)
	if _, err := statsFile.Write(j); err != nil {
		statsFile.Close()
		return err
	}
	if err := statsFile.Close(); err != nil {
		return err
	}

	statsDest := fmt.Sprintf("snapshots/%s-stats.json", now.Format("20060102"))
	if _, err := s3.FPutObject(ctx, bucket, statsDest, statsPath,
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("uploading %s: %w", statsDest, err)
	}
	logger.Info().Str("bucket", bucket).Str("object", dest).Msg("snapshot uploaded")
	return nil
}
