package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/immergo/server/pkg/logger"
)

// SyncRecord is one row on the delta-sync wire. Data is the full row
// payload for upserts and empty for tombstones.
type SyncRecord struct {
	TableName string          `json:"table_name"`
	RowID     string          `json:"row_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Version   int64           `json:"version"`
	Deleted   bool            `json:"deleted"`
}

// Checkpoint is an opaque pull cursor. The server orders pulled rows by
// (updated_at, id); the checkpoint names the last row already delivered.
type Checkpoint struct {
	UpdatedAt string `json:"updated_at"`
	ID        string `json:"id"`
}

type deltaRequest struct {
	AppID      string       `json:"app_id"`
	Records    []SyncRecord `json:"records"`
	Checkpoint *Checkpoint  `json:"checkpoint,omitempty"`
}

type deltaResponse struct {
	Push struct {
		SyncedCount int      `json:"synced_count"`
		Conflicts   []string `json:"conflicts,omitempty"`
	} `json:"push"`
	Pull struct {
		Records    []SyncRecord `json:"records"`
		Checkpoint *Checkpoint  `json:"checkpoint,omitempty"`
	} `json:"pull"`
}

// SyncResult summarizes one completed sync round.
type SyncResult struct {
	Pushed    int      `json:"pushed"`
	Pulled    int      `json:"pulled"`
	Conflicts []string `json:"conflicts,omitempty"`
	SyncedAt  int64    `json:"syncedAt"`
}

// SyncStatus reports the engine's configuration and backlog.
type SyncStatus struct {
	Configured     bool   `json:"configured"`
	ServerURL      string `json:"serverUrl,omitempty"`
	LastSyncAt     *int64 `json:"lastSyncAt,omitempty"`
	PendingChanges int    `json:"pendingChanges"`
}

// SyncConfig configures the delta-sync engine.
type SyncConfig struct {
	ServerURL      string
	AppID          string
	APIKey         string
	RequestTimeout time.Duration
}

// SyncEngine exchanges local history changes with a remote sync server.
// One round is a single POST: local unsynced rows go up (tombstones first,
// so deletions are never resurrected by a concurrent edit), remote rows
// since the stored checkpoint come down.
type SyncEngine struct {
	cfg    SyncConfig
	store  *Store
	client *http.Client
	logger *logger.Logger

	mu      sync.Mutex // one sync round at a time
	syncing bool
}

// NewSyncEngine builds an engine over the given store. Returns a usable
// engine even when cfg is empty; SyncNow then fails with a clear error.
func NewSyncEngine(cfg SyncConfig, store *Store, log *logger.Logger) *SyncEngine {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SyncEngine{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: timeout},
		logger: log.Named("sync"),
	}
}

// Configured reports whether a remote server is set up.
func (e *SyncEngine) Configured() bool {
	return e.cfg.ServerURL != "" && e.cfg.AppID != ""
}

// Status returns the engine's current state for the status endpoint.
func (e *SyncEngine) Status() (*SyncStatus, error) {
	pending, err := e.store.PendingCount()
	if err != nil {
		return nil, err
	}
	lastSync, err := e.store.LastSync()
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		Configured:     e.Configured(),
		ServerURL:      e.cfg.ServerURL,
		LastSyncAt:     lastSync,
		PendingChanges: pending,
	}, nil
}

// SyncNow runs one full delta round: push local changes, pull remote ones,
// persist the new checkpoint. Concurrent calls beyond the first fail fast.
func (e *SyncEngine) SyncNow(ctx context.Context) (*SyncResult, error) {
	if !e.Configured() {
		return nil, fmt.Errorf("sync is not configured")
	}

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, fmt.Errorf("sync already in progress")
	}
	e.syncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	outgoing, err := e.collectOutgoing()
	if err != nil {
		return nil, err
	}
	checkpoint, err := e.store.Checkpoint()
	if err != nil {
		return nil, err
	}

	e.logger.Info("Starting sync round",
		logger.Int("outgoing", len(outgoing)),
		logger.Bool("has_checkpoint", checkpoint != nil))

	resp, err := e.postDelta(ctx, deltaRequest{
		AppID:      e.cfg.AppID,
		Records:    outgoing,
		Checkpoint: checkpoint,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()

	// Only acknowledged records are marked synced; conflicted rows stay
	// pending and go up again next round.
	acked := outgoing
	if len(resp.Push.Conflicts) > 0 {
		conflicted := make(map[string]bool, len(resp.Push.Conflicts))
		for _, id := range resp.Push.Conflicts {
			conflicted[id] = true
		}
		acked = acked[:0:0]
		for _, record := range outgoing {
			if !conflicted[record.RowID] {
				acked = append(acked, record)
			}
		}
	}
	if err := e.store.MarkSynced(acked, now); err != nil {
		return nil, err
	}

	if err := e.store.ApplyRemote(resp.Pull.Records); err != nil {
		return nil, err
	}
	if resp.Pull.Checkpoint != nil {
		if err := e.store.SaveCheckpoint(resp.Pull.Checkpoint); err != nil {
			return nil, err
		}
	}
	if err := e.store.SaveLastSync(now); err != nil {
		return nil, err
	}

	result := &SyncResult{
		Pushed:    len(acked),
		Pulled:    len(resp.Pull.Records),
		Conflicts: resp.Push.Conflicts,
		SyncedAt:  now,
	}
	e.logger.Info("Sync round complete",
		logger.Int("pushed", result.Pushed),
		logger.Int("pulled", result.Pulled),
		logger.Int("conflicts", len(result.Conflicts)))
	return result, nil
}

// collectOutgoing gathers unsynced rows, tombstones first.
func (e *SyncEngine) collectOutgoing() ([]SyncRecord, error) {
	tombstones, err := e.store.UnsyncedTombstones()
	if err != nil {
		return nil, err
	}
	active, err := e.store.UnsyncedEntries()
	if err != nil {
		return nil, err
	}

	records := make([]SyncRecord, 0, len(tombstones)+len(active))
	for _, entry := range tombstones {
		records = append(records, SyncRecord{
			TableName: historyTable,
			RowID:     entry.ID,
			Version:   entry.SyncVersion,
			Deleted:   true,
		})
	}
	for _, entry := range active {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
		}
		records = append(records, SyncRecord{
			TableName: historyTable,
			RowID:     entry.ID,
			Data:      data,
			Version:   entry.SyncVersion,
		})
	}
	return records, nil
}

func (e *SyncEngine) postDelta(ctx context.Context, req deltaRequest) (*deltaResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.ServerURL+"/v1/sync/delta", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-App-ID", e.cfg.AppID)
	if e.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sync request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("sync server returned %d: %s", httpResp.StatusCode, string(payload))
	}

	var resp deltaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode sync response: %w", err)
	}
	return &resp, nil
}

// recordToEntry decodes a pulled upsert record into an Entry.
func recordToEntry(record SyncRecord) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(record.Data, &entry); err != nil {
		return nil, fmt.Errorf("malformed sync record %s: %w", record.RowID, err)
	}
	if entry.ID == "" {
		entry.ID = record.RowID
	}
	return &entry, nil
}
