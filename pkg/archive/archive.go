// Package archive keeps a copy of queued torrent files in S3-compatible
// storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/config"
)

const (
	defaultPrefix = "torrents"
	defaultRegion = "us-east-1"
	contentType   = "application/x-bittorrent"
	writeTestKey  = ".warehouse-write-test"
	fileExtension = ".torrent"
)

// Archiver stores torrent files.
type Archiver interface {
	// Preflight verifies that the bucket is reachable and writable.
	Preflight(ctx context.Context) error
	// Store writes the metainfo of the named torrent.
	Store(ctx context.Context, name string, metainfo []byte) error
}

// Compile-time interface check.
var _ Archiver = (*s3Archiver)(nil)

type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.ArchiveConfig
	client *s3.Client
}

// NewS3Archiver creates a new Archiver writing to the configured bucket.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.ArchiveConfig) Archiver {
	client := s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = defaultRegion
		if cfg.Region != "" {
			o.Region = cfg.Region
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})

	return &s3Archiver{
		log:    log.WithField("component", "archive"),
		cfg:    cfg,
		client: client,
	}
}

func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("warehouse write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(writeTestKey),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

func (a *s3Archiver) Store(ctx context.Context, name string, metainfo []byte) error {
	key := objectKey(a.cfg.Prefix, name)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(metainfo),
		ContentLength: aws.Int64(int64(len(metainfo))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": a.cfg.Bucket,
	}).Debug("Archived torrent file")

	return nil
}

// objectKey builds the key of a torrent file. Separators in the name are
// replaced so that every torrent lands directly under the prefix.
func objectKey(prefix, name string) string {
	if prefix == "" {
		prefix = defaultPrefix
	}

	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	if name == "" {
		name = "unnamed"
	}

	return strings.TrimRight(prefix, "/") + "/" + name + fileExtension
}
