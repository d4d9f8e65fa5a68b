package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"chain-sentinel/internal/investigation"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Region == "" {
		t.Error("expected default region")
	}
	if cfg.Bucket == "" {
		t.Error("expected default bucket")
	}
	if cfg.RetryMaxAttempts < 1 {
		t.Error("expected retry attempts >= 1")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty region",
			modify: func(c *Config) {
				c.Region = ""
			},
			wantErr: true,
		},
		{
			name: "empty bucket",
			modify: func(c *Config) {
				c.Bucket = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStorageClass(t *testing.T) {
	tests := []struct {
		class    string
		expected string
	}{
		{"STANDARD", "STANDARD"},
		{"INTELLIGENT_TIERING", "INTELLIGENT_TIERING"},
		{"GLACIER", "GLACIER"},
		{"DEEP_ARCHIVE", "DEEP_ARCHIVE"},
		{"standard", "STANDARD"},
		{"unknown", "STANDARD"}, // Default
	}

	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			cfg := &Config{StorageClass: tt.class}
			result := cfg.GetStorageClass()
			if string(result) != tt.expected {
				t.Errorf("GetStorageClass() = %v, want %v", result, tt.expected)
			}
		})
	}
}

// fakeStore is an in-memory objectStore for archiver tests.
type fakeStore struct {
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
}

func (f *fakeStore) Upload(_ context.Context, input *UploadInput) (*UploadOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.objects[input.Key] = data
	f.meta[input.Key] = input.Metadata
	return &UploadOutput{Key: input.Key, Size: int64(len(data))}, nil
}

func (f *fakeStore) Download(_ context.Context, key string) (*DownloadOutput, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("not found: %s", key)
	}
	return &DownloadOutput{
		Key:  key,
		Body: io.NopCloser(bytes.NewReader(data)),
		Size: int64(len(data)),
	}, nil
}

func (f *fakeStore) List(_ context.Context, prefix string, _ int) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return objects, nil
}

func testRecord(id string, sarReady bool) *investigation.Record {
	return &investigation.Record{
		ID:            id,
		Address:       "0xaaa",
		Behavior:      investigation.BehaviorStandard,
		CombinedScore: 80,
		SARReady:      sarReady,
		Reasons:       []string{"combined risk score at or above filing threshold"},
		CompletedAt:   time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchiverKeyLayout(t *testing.T) {
	store := newFakeStore()
	a := NewArchiver(store, DefaultArchiverConfig(), testLogger())

	key, err := a.Archive(context.Background(), testRecord("inv-1", true))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	want := "sar/2025/06/15/inv-1.json.gz"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
	if _, ok := store.objects[want]; !ok {
		t.Errorf("object not stored under %q", want)
	}
	if store.meta[want]["sar-ready"] != "true" {
		t.Errorf("sar-ready metadata = %q, want true", store.meta[want]["sar-ready"])
	}
}

func TestArchiverRoundTrip(t *testing.T) {
	store := newFakeStore()
	a := NewArchiver(store, DefaultArchiverConfig(), testLogger())

	original := testRecord("inv-2", true)
	key, err := a.Archive(context.Background(), original)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	restored, err := a.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if restored.ID != original.ID {
		t.Errorf("ID = %q, want %q", restored.ID, original.ID)
	}
	if restored.Address != original.Address {
		t.Errorf("Address = %q, want %q", restored.Address, original.Address)
	}
	if restored.CombinedScore != original.CombinedScore {
		t.Errorf("CombinedScore = %d, want %d", restored.CombinedScore, original.CombinedScore)
	}
	if !restored.SARReady {
		t.Error("SARReady lost in round trip")
	}
}

func TestArchiverSkipsNonFilingReady(t *testing.T) {
	store := newFakeStore()
	a := NewArchiver(store, DefaultArchiverConfig(), testLogger())

	if err := a.SaveInvestigation(context.Background(), testRecord("inv-3", false)); err != nil {
		t.Fatalf("SaveInvestigation() error = %v", err)
	}

	if len(store.objects) != 0 {
		t.Errorf("stored %d objects, want 0 for non-filing-ready record", len(store.objects))
	}

	m := a.GetMetrics()
	if m.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", m.Skipped)
	}
	if m.Archived != 0 {
		t.Errorf("Archived = %d, want 0", m.Archived)
	}
}

func TestArchiverKeepsAllWhenConfigured(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultArchiverConfig()
	cfg.OnlySARReady = false
	a := NewArchiver(store, cfg, testLogger())

	if err := a.SaveInvestigation(context.Background(), testRecord("inv-4", false)); err != nil {
		t.Fatalf("SaveInvestigation() error = %v", err)
	}

	if len(store.objects) != 1 {
		t.Errorf("stored %d objects, want 1", len(store.objects))
	}
}

func TestArchiverListDay(t *testing.T) {
	store := newFakeStore()
	a := NewArchiver(store, DefaultArchiverConfig(), testLogger())

	ctx := context.Background()
	sameDay := testRecord("inv-5", true)
	otherDay := testRecord("inv-6", true)
	otherDay.CompletedAt = time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)

	if _, err := a.Archive(ctx, sameDay); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if _, err := a.Archive(ctx, otherDay); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	objects, err := a.ListDay(ctx, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListDay() error = %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("ListDay() returned %d objects, want 1", len(objects))
	}
	if objects[0].Key != "sar/2025/06/15/inv-5.json.gz" {
		t.Errorf("key = %q, want sar/2025/06/15/inv-5.json.gz", objects[0].Key)
	}
}
