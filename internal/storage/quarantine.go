package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QuarantineEntry represents an invalid transaction stored in quarantine.
type QuarantineEntry struct {
	RawTx            string
	Source           string // e.g. kafka topic the payload came from
	Chain            string
	ValidationErrors []string
	ErrorCode        string
}

// QuarantineWriter handles writing invalid transactions to the
// quarantine table.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a new QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// Write stores a single quarantine entry.
func (qw *QuarantineWriter) Write(ctx context.Context, entry *QuarantineEntry) error {
	query := `
		INSERT INTO tx_quarantine (
			quarantine_id, raw_tx, source, chain,
			validation_errors, error_code
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	return qw.client.Exec(ctx, query,
		uuid.New(),
		entry.RawTx,
		entry.Source,
		entry.Chain,
		entry.ValidationErrors,
		entry.ErrorCode,
	)
}

// WriteBatch stores multiple quarantine entries.
func (qw *QuarantineWriter) WriteBatch(ctx context.Context, entries []*QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := qw.client.PrepareBatch(ctx, `
		INSERT INTO tx_quarantine (
			quarantine_id, raw_tx, source, chain,
			validation_errors, error_code
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare quarantine batch: %w", err)
	}

	for _, entry := range entries {
		err := batch.Append(
			uuid.New(),
			entry.RawTx,
			entry.Source,
			entry.Chain,
			entry.ValidationErrors,
			entry.ErrorCode,
		)
		if err != nil {
			return fmt.Errorf("failed to append quarantine entry: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send quarantine batch: %w", err)
	}

	return nil
}

// QuarantinedTx represents a transaction retrieved from quarantine.
type QuarantinedTx struct {
	QuarantineID      uuid.UUID
	QuarantinedAt     time.Time
	RawTx             string
	Source            string
	Chain             string
	ValidationErrors  []string
	ErrorCode         string
	ReprocessAttempts uint8
	Reprocessed       bool
}

// GetPendingReprocess returns quarantined transactions that haven't
// been reprocessed.
func (qw *QuarantineWriter) GetPendingReprocess(ctx context.Context, limit int) ([]QuarantinedTx, error) {
	query := `
		SELECT
			quarantine_id, quarantined_at, raw_tx, source, chain,
			validation_errors, error_code,
			reprocess_attempts, reprocessed
		FROM tx_quarantine
		WHERE reprocessed = false AND reprocess_attempts < 3
		ORDER BY quarantined_at ASC
		LIMIT ?
	`

	rows, err := qw.client.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine: %w", err)
	}
	defer rows.Close()

	var entries []QuarantinedTx
	for rows.Next() {
		var entry QuarantinedTx
		if err := rows.Scan(
			&entry.QuarantineID,
			&entry.QuarantinedAt,
			&entry.RawTx,
			&entry.Source,
			&entry.Chain,
			&entry.ValidationErrors,
			&entry.ErrorCode,
			&entry.ReprocessAttempts,
			&entry.Reprocessed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// MarkReprocessed marks a quarantine entry as reprocessed.
func (qw *QuarantineWriter) MarkReprocessed(ctx context.Context, quarantineID uuid.UUID, txHash string) error {
	query := `
		ALTER TABLE tx_quarantine
		UPDATE
			reprocessed = true,
			reprocessed_at = now64(6),
			reprocessed_tx_hash = ?
		WHERE quarantine_id = ?
	`
	return qw.client.Exec(ctx, query, txHash, quarantineID)
}

// IncrementAttempt increments the reprocess attempt counter.
func (qw *QuarantineWriter) IncrementAttempt(ctx context.Context, quarantineID uuid.UUID) error {
	query := `
		ALTER TABLE tx_quarantine
		UPDATE reprocess_attempts = reprocess_attempts + 1
		WHERE quarantine_id = ?
	`
	return qw.client.Exec(ctx, query, quarantineID)
}

// Count returns the number of transactions in quarantine.
func (qw *QuarantineWriter) Count(ctx context.Context) (uint64, error) {
	query := "SELECT count() FROM tx_quarantine WHERE reprocessed = false"

	rows, err := qw.client.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}

	return count, nil
}
