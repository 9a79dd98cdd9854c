// Package archive writes a JSON snapshot of the committed data to S3 after
// each session, keeping an audit trail of what every run published.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/umairusmat/cagr-api/internal/config"
	"github.com/umairusmat/cagr-api/internal/models"
)

// S3Archiver uploads one object per completed session.
type S3Archiver struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

// NewS3Archiver builds the S3 client. A custom endpoint with path-style
// addressing supports MinIO-style local setups.
func NewS3Archiver(ctx context.Context, cfg config.Config, log *zap.Logger) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.ArchiveS3Bucket, log: log}, nil
}

type snapshot struct {
	Session models.SessionSummary `json:"session"`
	Tickers []tickerSnapshot      `json:"tickers"`
}

type tickerSnapshot struct {
	Ticker     string            `json:"ticker"`
	Values     map[string]string `json:"values"`
	ObservedAt time.Time         `json:"observed_at"`
}

// ArchiveSession uploads the post-commit state keyed by session start time
// and ID.
func (a *S3Archiver) ArchiveSession(ctx context.Context, summary models.SessionSummary, records []models.TickerRecord) error {
	snap := snapshot{Session: summary, Tickers: make([]tickerSnapshot, 0, len(records))}
	for _, record := range records {
		snap.Tickers = append(snap.Tickers, tickerSnapshot{
			Ticker:     record.Ticker,
			Values:     record.Values.Strings(),
			ObservedAt: record.ObservedAt,
		})
	}

	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("sessions/%s/%s.json", summary.StartedAt.UTC().Format("2006/01/02"), summary.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", key, err)
	}

	a.log.Debug("session snapshot archived",
		zap.String("session_id", summary.ID),
		zap.String("key", key),
		zap.Int("bytes", len(body)),
	)
	return nil
}
