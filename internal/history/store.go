package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/immergo/server/pkg/logger"
)

// Entry is one completed practice session. SyncVersion and SyncedAt drive
// the push eligibility rules: a record is pushed when SyncedAt is null, and
// deletions stay tombstoned until the remote acknowledges them.
type Entry struct {
	ID           string          `json:"id"`
	Mission      json.RawMessage `json:"mission,omitempty"`
	Language     string          `json:"language"`
	FromLanguage string          `json:"fromLanguage"`
	Mode         string          `json:"mode"`
	Voice        string          `json:"voice"`
	Result       json.RawMessage `json:"result"`
	CompletedAt  int64           `json:"completedAt"`
	SyncVersion  int64           `json:"syncVersion"`
	SyncedAt     *int64          `json:"syncedAt,omitempty"`
	Deleted      bool            `json:"deleted,omitempty"`
	DeletedAt    *int64          `json:"deletedAt,omitempty"`
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Language     string
	FromLanguage string
	Mode         string
	FromDate     int64
	ToDate       int64
	Limit        int
	Offset       int
}

// Store persists session history in SQLite.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewStore opens (or creates) the history database at the given path.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log.Named("history"),
		now:    time.Now,
	}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// initDB creates the history tables.
func (s *Store) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_history (
			id TEXT PRIMARY KEY,
			mission_json TEXT,
			language TEXT NOT NULL,
			from_language TEXT NOT NULL,
			mode TEXT NOT NULL,
			voice TEXT NOT NULL,
			result_json TEXT NOT NULL,
			completed_at INTEGER NOT NULL,
			sync_version INTEGER NOT NULL DEFAULT 1,
			synced_at INTEGER,
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create session_history table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_completed_at ON session_history(completed_at)`)
	if err != nil {
		return fmt.Errorf("failed to create completed_at index: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_metadata (
			table_name TEXT PRIMARY KEY,
			last_sync_timestamp TEXT NOT NULL,
			cursor TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sync_metadata table: %w", err)
	}

	return nil
}

// Save upserts an entry as a local change: the version counter is bumped
// past the stored one and the synced marker is cleared so the record
// becomes eligible for push.
func (s *Store) Save(entry *Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("entry id is required")
	}

	var currentVersion sql.NullInt64
	err := s.db.QueryRow(`SELECT sync_version FROM session_history WHERE id = ?`, entry.ID).Scan(&currentVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read current version: %w", err)
	}

	version := int64(1)
	if currentVersion.Valid {
		version = currentVersion.Int64 + 1
	}
	entry.SyncVersion = version
	entry.SyncedAt = nil

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO session_history
		(id, mission_json, language, from_language, mode, voice, result_json, completed_at,
		 sync_version, synced_at, deleted, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, NULL)`,
		entry.ID,
		nullableJSON(entry.Mission),
		entry.Language,
		entry.FromLanguage,
		entry.Mode,
		entry.Voice,
		string(entry.Result),
		entry.CompletedAt,
		version,
	)
	if err != nil {
		return fmt.Errorf("failed to save history entry: %w", err)
	}
	return nil
}

// Get returns one entry by id, tombstoned or not.
func (s *Store) Get(id string) (*Entry, error) {
	row := s.db.QueryRow(selectColumns+` FROM session_history WHERE id = ?`, id)
	return scanEntry(row)
}

// List returns non-deleted entries matching the filter, newest first.
func (s *Store) List(filter Filter) ([]*Entry, error) {
	query := selectColumns + ` FROM session_history WHERE deleted = 0`
	var args []any

	if filter.Language != "" {
		query += ` AND language = ?`
		args = append(args, filter.Language)
	}
	if filter.FromLanguage != "" {
		query += ` AND from_language = ?`
		args = append(args, filter.FromLanguage)
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, filter.Mode)
	}
	if filter.FromDate != 0 {
		query += ` AND completed_at >= ?`
		args = append(args, filter.FromDate)
	}
	if filter.ToDate != 0 {
		query += ` AND completed_at <= ?`
		args = append(args, filter.ToDate)
	}

	query += ` ORDER BY completed_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SoftDelete tombstones an entry. The row survives, unsynced, until the
// remote acknowledges the deletion; only then is it hard-deleted.
func (s *Store) SoftDelete(id string) error {
	res, err := s.db.Exec(`
		UPDATE session_history
		SET deleted = 1, deleted_at = ?, synced_at = NULL
		WHERE id = ?`,
		s.now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to soft-delete entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// HardDelete removes a row entirely.
func (s *Store) HardDelete(id string) error {
	_, err := s.db.Exec(`DELETE FROM session_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to hard-delete entry: %w", err)
	}
	return nil
}

// UnsyncedTombstones returns deleted entries awaiting remote acknowledgment.
func (s *Store) UnsyncedTombstones() ([]*Entry, error) {
	return s.queryEntries(selectColumns + ` FROM session_history WHERE deleted = 1 AND synced_at IS NULL`)
}

// UnsyncedEntries returns active entries eligible for push.
func (s *Store) UnsyncedEntries() ([]*Entry, error) {
	return s.queryEntries(selectColumns + ` FROM session_history WHERE deleted = 0 AND synced_at IS NULL`)
}

// PendingCount returns the number of local changes awaiting push.
func (s *Store) PendingCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session_history WHERE synced_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// MarkSynced records remote acknowledgment for the given pushed records:
// tombstones are hard-deleted, active entries get their synced timestamp
// and a version bump.
func (s *Store) MarkSynced(records []SyncRecord, syncedAt int64) error {
	for _, record := range records {
		if record.Deleted {
			if err := s.HardDelete(record.RowID); err != nil {
				return err
			}
			continue
		}
		_, err := s.db.Exec(`
			UPDATE session_history
			SET synced_at = ?, sync_version = sync_version + 1
			WHERE id = ?`,
			syncedAt, record.RowID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark record synced: %w", err)
		}
	}
	return nil
}

// ApplyRemote applies pulled records: deletions are hard deletes, anything
// else upserts by id and overwrites local state unconditionally
// (last-write-wins from the puller's perspective).
func (s *Store) ApplyRemote(records []SyncRecord) error {
	now := s.now().Unix()
	for _, record := range records {
		if record.TableName != historyTable {
			s.logger.Warn("Skipping record for unknown table", logger.String("table", record.TableName))
			continue
		}

		if record.Deleted {
			if err := s.HardDelete(record.RowID); err != nil {
				return err
			}
			continue
		}

		entry, err := recordToEntry(record)
		if err != nil {
			return err
		}

		_, err = s.db.Exec(`
			INSERT OR REPLACE INTO session_history
			(id, mission_json, language, from_language, mode, voice, result_json, completed_at,
			 sync_version, synced_at, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
			entry.ID,
			nullableJSON(entry.Mission),
			entry.Language,
			entry.FromLanguage,
			entry.Mode,
			entry.Voice,
			string(entry.Result),
			entry.CompletedAt,
			record.Version,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to apply remote record: %w", err)
		}
	}
	return nil
}

// Checkpoint returns the stored pull cursor, or nil when none exists.
func (s *Store) Checkpoint() (*Checkpoint, error) {
	var updatedAt, id string
	err := s.db.QueryRow(
		`SELECT last_sync_timestamp, cursor FROM sync_metadata WHERE table_name = 'checkpoint'`,
	).Scan(&updatedAt, &id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return &Checkpoint{UpdatedAt: updatedAt, ID: id}, nil
}

// SaveCheckpoint persists the pull cursor.
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_metadata (table_name, last_sync_timestamp, cursor)
		VALUES ('checkpoint', ?, ?)`,
		cp.UpdatedAt, cp.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LastSync returns the unix timestamp of the last completed sync, or nil.
func (s *Store) LastSync() (*int64, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT last_sync_timestamp FROM sync_metadata WHERE table_name = 'last_sync'`,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last sync: %w", err)
	}
	var ts int64
	if _, err := fmt.Sscanf(raw, "%d", &ts); err != nil {
		return nil, fmt.Errorf("malformed last sync timestamp %q: %w", raw, err)
	}
	return &ts, nil
}

// SaveLastSync persists the timestamp of a completed sync.
func (s *Store) SaveLastSync(timestamp int64) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_metadata (table_name, last_sync_timestamp, cursor)
		VALUES ('last_sync', ?, '')`,
		fmt.Sprintf("%d", timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to save last sync: %w", err)
	}
	return nil
}

const historyTable = "session_history"

const selectColumns = `SELECT id, mission_json, language, from_language, mode, voice, result_json,
	completed_at, sync_version, synced_at, deleted, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var mission sql.NullString
	var syncedAt, deletedAt sql.NullInt64
	var result string
	var deleted int64

	err := row.Scan(
		&entry.ID, &mission, &entry.Language, &entry.FromLanguage, &entry.Mode,
		&entry.Voice, &result, &entry.CompletedAt, &entry.SyncVersion,
		&syncedAt, &deleted, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if mission.Valid && strings.TrimSpace(mission.String) != "" {
		entry.Mission = json.RawMessage(mission.String)
	}
	entry.Result = json.RawMessage(result)
	if syncedAt.Valid {
		entry.SyncedAt = &syncedAt.Int64
	}
	entry.Deleted = deleted == 1
	if deletedAt.Valid {
		entry.DeletedAt = &deletedAt.Int64
	}
	return &entry, nil
}

func (s *Store) queryEntries(query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
