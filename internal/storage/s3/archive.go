package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"chain-sentinel/internal/investigation"
)

// objectStore is the subset of Client the archiver needs.
type objectStore interface {
	Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error)
	Download(ctx context.Context, key string) (*DownloadOutput, error)
	List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error)
}

// ArchiverConfig configures the SAR record archiver.
type ArchiverConfig struct {
	// KeyTemplate for archive keys (supports {year}, {month}, {day}, {id}).
	KeyTemplate string `json:"key_template" yaml:"key_template"`

	// OnlySARReady archives only records with a filing-ready disposition.
	OnlySARReady bool `json:"only_sar_ready" yaml:"only_sar_ready"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		KeyTemplate:  "sar/{year}/{month}/{day}/{id}.json.gz",
		OnlySARReady: true,
	}
}

// Archiver writes completed investigation records to S3 as gzipped JSON,
// one object per record. It satisfies investigation.Store so it can be
// wired directly behind the investigator.
type Archiver struct {
	store  objectStore
	config *ArchiverConfig
	logger *slog.Logger

	archived atomic.Int64
	skipped  atomic.Int64
	errors   atomic.Int64
}

// NewArchiver creates a new archiver.
func NewArchiver(store objectStore, cfg *ArchiverConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// Archive uploads a single record and returns its object key.
func (a *Archiver) Archive(ctx context.Context, record *investigation.Record) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("s3: failed to marshal record: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return "", fmt.Errorf("s3: failed to compress record: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("s3: failed to compress record: %w", err)
	}

	key := a.recordKey(record)

	_, err = a.store.Upload(ctx, &UploadInput{
		Key:         key,
		Body:        &buf,
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"address":        record.Address,
			"behavior":       string(record.Behavior),
			"combined-score": strconv.Itoa(record.CombinedScore),
			"sar-ready":      strconv.FormatBool(record.SARReady),
		},
	})
	if err != nil {
		a.errors.Add(1)
		return "", err
	}

	a.archived.Add(1)

	a.logger.Info("archived investigation record",
		"key", key,
		"address", record.Address,
		"combined_score", record.CombinedScore,
	)

	return key, nil
}

// SaveInvestigation implements investigation.Store. Records that are not
// filing-ready are skipped when OnlySARReady is set.
func (a *Archiver) SaveInvestigation(ctx context.Context, record *investigation.Record) error {
	if a.config.OnlySARReady && !record.SARReady {
		a.skipped.Add(1)
		return nil
	}
	_, err := a.Archive(ctx, record)
	return err
}

// Fetch downloads and decodes an archived record by object key.
func (a *Archiver) Fetch(ctx context.Context, key string) (*investigation.Record, error) {
	output, err := a.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	gz, err := gzip.NewReader(output.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to open archived record %s: %w", key, err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read archived record %s: %w", key, err)
	}

	var record investigation.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("s3: failed to decode archived record %s: %w", key, err)
	}

	return &record, nil
}

// ListDay lists archived records for a single day.
func (a *Archiver) ListDay(ctx context.Context, day time.Time) ([]ObjectInfo, error) {
	prefix := a.config.KeyTemplate
	if idx := strings.Index(prefix, "{id}"); idx >= 0 {
		prefix = prefix[:idx]
	}
	prefix = expandKey(prefix, day, "")
	return a.store.List(ctx, prefix, 0)
}

// recordKey builds the object key for a record. Keys are laid out by
// completion date so compliance exports can sweep a single day.
func (a *Archiver) recordKey(record *investigation.Record) string {
	return expandKey(a.config.KeyTemplate, record.CompletedAt, record.ID)
}

func expandKey(template string, t time.Time, id string) string {
	key := template
	key = strings.ReplaceAll(key, "{year}", t.Format("2006"))
	key = strings.ReplaceAll(key, "{month}", t.Format("01"))
	key = strings.ReplaceAll(key, "{day}", t.Format("02"))
	key = strings.ReplaceAll(key, "{id}", id)
	return key
}

// ArchiverMetrics contains archiver metrics.
type ArchiverMetrics struct {
	Archived int64
	Skipped  int64
	Errors   int64
}

// GetMetrics returns current archiver metrics.
func (a *Archiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		Archived: a.archived.Load(),
		Skipped:  a.skipped.Load(),
		Errors:   a.errors.Load(),
	}
}
