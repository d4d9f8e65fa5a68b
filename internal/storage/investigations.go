package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chain-sentinel/internal/investigation"
)

// InvestigationStore persists completed investigation records. It
// satisfies investigation.Store. Investigations are low-volume, so rows
// are inserted directly rather than batched.
type InvestigationStore struct {
	client *ClickHouseClient
}

// NewInvestigationStore creates a new InvestigationStore.
func NewInvestigationStore(client *ClickHouseClient) *InvestigationStore {
	return &InvestigationStore{client: client}
}

// SaveInvestigation implements investigation.Store.
func (s *InvestigationStore) SaveInvestigation(ctx context.Context, record *investigation.Record) error {
	funding, _ := json.Marshal(record.FundingSources)
	related, _ := json.Marshal(record.Related)
	selectors, _ := json.Marshal(record.SelectorHits)

	reasons := record.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	supporting := record.SupportingTxs
	if supporting == nil {
		supporting = []string{}
	}

	query := `
		INSERT INTO investigations (
			investigation_id, address, triage_score, mixer_funded,
			funding_sources, related_addresses, cluster_match, cluster_score,
			behavior, selector_hits, combined_score, sar_ready,
			reasons, supporting_txs, narrative, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := s.client.Exec(ctx, query,
		record.ID,
		record.Address,
		uint8(clampScore(record.TriageScore)),
		boolToUInt8(record.MixerFunded),
		string(funding),
		string(related),
		boolToUInt8(record.ClusterMatch),
		uint8(clampScore(record.ClusterScore)),
		string(record.Behavior),
		string(selectors),
		uint8(clampScore(record.CombinedScore)),
		boolToUInt8(record.SARReady),
		reasons,
		supporting,
		record.Narrative,
		record.StartedAt,
		record.CompletedAt,
	)
	if err != nil {
		return WrapQueryError("SaveInvestigation", "investigations", err)
	}
	return nil
}

// StoredInvestigation is the summary shape read back from the
// investigations table.
type StoredInvestigation struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	Behavior      string    `json:"behavior"`
	CombinedScore int       `json:"combined_score"`
	SARReady      bool      `json:"sar_ready"`
	Reasons       []string  `json:"reasons"`
	CompletedAt   time.Time `json:"completed_at"`
}

// RecentInvestigations returns the most recently completed
// investigations, newest first.
func (s *InvestigationStore) RecentInvestigations(ctx context.Context, limit int) ([]StoredInvestigation, error) {
	query := `
		SELECT investigation_id, address, behavior, combined_score,
			sar_ready, reasons, completed_at
		FROM investigations
		ORDER BY completed_at DESC
		LIMIT ?
	`
	return s.queryInvestigations(ctx, query, limit)
}

// InvestigationsForAddress returns the investigation history of a
// single address, newest first.
func (s *InvestigationStore) InvestigationsForAddress(ctx context.Context, address string, limit int) ([]StoredInvestigation, error) {
	query := `
		SELECT investigation_id, address, behavior, combined_score,
			sar_ready, reasons, completed_at
		FROM investigations
		WHERE address = ?
		ORDER BY completed_at DESC
		LIMIT ?
	`
	return s.queryInvestigations(ctx, query, address, limit)
}

func (s *InvestigationStore) queryInvestigations(ctx context.Context, query string, args ...any) ([]StoredInvestigation, error) {
	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query investigations: %w", err)
	}
	defer rows.Close()

	var records []StoredInvestigation
	for rows.Next() {
		var (
			rec      StoredInvestigation
			score    uint8
			sarReady uint8
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Address,
			&rec.Behavior,
			&score,
			&sarReady,
			&rec.Reasons,
			&rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan investigation: %w", err)
		}
		rec.CombinedScore = int(score)
		rec.SARReady = sarReady != 0
		records = append(records, rec)
	}

	return records, nil
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
