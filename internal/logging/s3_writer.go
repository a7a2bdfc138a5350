package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"credit_ledger/internal/utils"
)

// ObjectPutter is the part of the S3 client the writer uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the audit archive.
type S3Config struct {
	Bucket   string
	Region   string
	Prefix   string // e.g. "audit/"
	PodName  string // Pod identifier for multi-pod deployments
	Endpoint string // Optional S3-compatible endpoint (MinIO)
}

// S3Writer writes batches of audit records to S3 as JSON Lines, one object
// per billing period per batch.
type S3Writer struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	podName string
	now     func() time.Time
	logger  *utils.Logger
}

// NewS3Writer creates a writer using the default AWS credential chain.
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WriterWithClient(client, cfg), nil
}

// NewS3WriterWithClient creates a writer around an existing client.
func NewS3WriterWithClient(client ObjectPutter, cfg S3Config) *S3Writer {
	return &S3Writer{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		podName: cfg.PodName,
		now:     time.Now,
		logger:  utils.NewLogger("s3-writer"),
	}
}

// WriteBatch uploads records grouped by billing period and returns the
// object keys written, e.g.
//
//	audit/2026-10/ledger-0-20261017-143022-123456789.jsonl
func (w *S3Writer) WriteBatch(ctx context.Context, records []*AuditRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	byPeriod := make(map[string][]*AuditRecord)
	for _, rec := range records {
		period := rec.BillingPeriod().Format("2006-01")
		byPeriod[period] = append(byPeriod[period], rec)
	}

	periods := make([]string, 0, len(byPeriod))
	for p := range byPeriod {
		periods = append(periods, p)
	}
	sort.Strings(periods)

	now := w.now().UTC()
	keys := make([]string, 0, len(periods))
	for _, period := range periods {
		key := fmt.Sprintf("%s%s/%s-%s-%d.jsonl",
			w.prefix,
			period,
			w.podName,
			now.Format("20060102-150405"),
			now.Nanosecond(),
		)

		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		for _, rec := range byPeriod[period] {
			if err := encoder.Encode(rec); err != nil {
				w.logger.Error("Failed to encode audit record", "entry_id", rec.EntryID, "error", err)
				continue
			}
		}

		_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("application/x-ndjson"),
		})
		if err != nil {
			return keys, fmt.Errorf("failed to upload to S3: %w", err)
		}

		w.logger.Info("Wrote audit batch to S3", "key", key, "count", len(byPeriod[period]), "bytes", buf.Len())
		keys = append(keys, key)
	}

	return keys, nil
}
