// Package store is the sqlite-backed local store for events, checklist
// items, attendees, confirmations and the sync cursor.
//
// The database is opened in embedded mode with WAL so the request-serving
// side can read while a sync pass writes. Every sync plan is applied in its
// own transaction: a failure on one event never leaves partial state behind
// or affects another event's mutations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"calcheck/internal/models"
	"calcheck/internal/reconcile"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrArchived is returned for mutations against archived events.
	ErrArchived = errors.New("store: event is archived")
)

// Store wraps the sqlite connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the database at path and applies the
// schema. The caller must Close the store when done.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// initSchema creates all tables and indexes. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		provider_event_id TEXT NOT NULL UNIQUE,
		recurring_event_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		last_synced TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		checked INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'parsed'
	);

	CREATE TABLE IF NOT EXISTS attendees (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		response_status TEXT NOT NULL DEFAULT 'needsAction'
	);

	CREATE TABLE IF NOT EXISTS confirmations (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		confirmed_at TEXT NOT NULL,
		confirmed_by INTEGER NOT NULL DEFAULT 1
	);

	-- Singleton row holding the incremental sync token.
	CREATE TABLE IF NOT EXISTS sync_cursor (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_recurring ON events(recurring_event_id);
	CREATE INDEX IF NOT EXISTS idx_events_window ON events(start_time, end_time);
	CREATE INDEX IF NOT EXISTS idx_items_event ON items(event_id);
	CREATE INDEX IF NOT EXISTS idx_attendees_event ON attendees(event_id);
	CREATE INDEX IF NOT EXISTS idx_confirmations_event ON confirmations(event_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const eventColumns = `id, provider_event_id, recurring_event_id, title, description,
	start_time, end_time, last_synced, archived, deleted, user_id`

// GetEvent fetches one event by local id.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id.String())
	return scanEvent(row)
}

// GetEventByProviderID fetches one event by its Google event id. Returns
// ErrNotFound when the event has never been synced.
func (s *Store) GetEventByProviderID(ctx context.Context, providerID string) (*models.Event, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE provider_event_id = ?`, providerID)
	return scanEvent(row)
}

// ListUpcoming returns non-archived, non-deleted events whose end time falls
// at or after from and whose start time falls before to, ordered by start.
func (s *Store) ListUpcoming(ctx context.Context, from, to time.Time) ([]models.Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE archived = 0 AND deleted = 0 AND end_time >= ? AND start_time < ?
		 ORDER BY start_time`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SeriesInstances returns other non-archived, non-deleted instances of a
// recurring series starting after the given time.
func (s *Store) SeriesInstances(ctx context.Context, recurringID string, exclude uuid.UUID, after time.Time) ([]models.Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE recurring_event_id = ? AND id != ? AND archived = 0 AND deleted = 0 AND start_time > ?
		 ORDER BY start_time`,
		recurringID, exclude.String(), formatTime(after))
	if err != nil {
		return nil, fmt.Errorf("failed to list series instances: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListItems returns an event's checklist items in insertion order.
func (s *Store) ListItems(ctx context.Context, eventID uuid.UUID) ([]models.Item, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, event_id, name, checked, source FROM items WHERE event_id = ? ORDER BY rowid`,
		eventID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		var item models.Item
		var id, event, source string
		if err := rows.Scan(&id, &event, &item.Name, &item.Checked, &source); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.ID = uuid.MustParse(id)
		item.EventID = uuid.MustParse(event)
		item.Source = models.Provenance(source)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListAttendees returns an event's attendees.
func (s *Store) ListAttendees(ctx context.Context, eventID uuid.UUID) ([]models.Attendee, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, event_id, email, display_name, response_status
		 FROM attendees WHERE event_id = ? ORDER BY rowid`,
		eventID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list attendees: %w", err)
	}
	defer rows.Close()

	var attendees []models.Attendee
	for rows.Next() {
		var a models.Attendee
		var id, event, status string
		if err := rows.Scan(&id, &event, &a.Email, &a.DisplayName, &status); err != nil {
			return nil, fmt.Errorf("failed to scan attendee: %w", err)
		}
		a.ID = uuid.MustParse(id)
		a.EventID = uuid.MustParse(event)
		a.ResponseStatus = models.ResponseStatus(status)
		attendees = append(attendees, a)
	}
	return attendees, rows.Err()
}

// ListConfirmations returns an event's confirmation audit records, newest first.
func (s *Store) ListConfirmations(ctx context.Context, eventID uuid.UUID) ([]models.Confirmation, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, event_id, confirmed_at, confirmed_by
		 FROM confirmations WHERE event_id = ? ORDER BY confirmed_at DESC`,
		eventID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmations: %w", err)
	}
	defer rows.Close()

	var confirmations []models.Confirmation
	for rows.Next() {
		var c models.Confirmation
		var id, event, at string
		if err := rows.Scan(&id, &event, &at, &c.ConfirmedBy); err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		c.ID = uuid.MustParse(id)
		c.EventID = uuid.MustParse(event)
		c.ConfirmedAt = parseTime(at)
		confirmations = append(confirmations, c)
	}
	return confirmations, rows.Err()
}

// ApplyPlan applies one reconciliation plan atomically. Returns the local
// event id (freshly minted for new events).
func (s *Store) ApplyPlan(ctx context.Context, providerID string, plan reconcile.Plan) (uuid.UUID, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	eventID := plan.EventID

	switch {
	case plan.IsNew:
		eventID = uuid.New()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (id, provider_event_id, recurring_event_id, title, description,
			  start_time, end_time, last_synced)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID.String(), providerID, plan.Fields.RecurringEventID,
			plan.Fields.Title, plan.Fields.Description,
			formatTime(plan.Fields.StartTime), formatTime(plan.Fields.EndTime),
			formatTime(plan.Fields.LastSynced))
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert event: %w", err)
		}
	case plan.TouchOnly:
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET last_synced = ? WHERE id = ?`,
			formatTime(plan.Fields.LastSynced), eventID.String()); err != nil {
			return uuid.Nil, fmt.Errorf("failed to touch event: %w", err)
		}
		return eventID, tx.Commit()
	default:
		query := `UPDATE events SET recurring_event_id = ?, title = ?, description = ?,
			  start_time = ?, end_time = ?, last_synced = ?`
		if plan.Undelete {
			query += `, deleted = 0`
		}
		query += ` WHERE id = ?`
		_, err = tx.ExecContext(ctx, query,
			plan.Fields.RecurringEventID, plan.Fields.Title, plan.Fields.Description,
			formatTime(plan.Fields.StartTime), formatTime(plan.Fields.EndTime),
			formatTime(plan.Fields.LastSynced), eventID.String())
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to update event: %w", err)
		}
	}

	if plan.ResetChecked {
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET checked = 0 WHERE event_id = ?`, eventID.String()); err != nil {
			return uuid.Nil, fmt.Errorf("failed to reset checked state: %w", err)
		}
	}

	for _, id := range plan.ItemsToRemove {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM items WHERE id = ? AND event_id = ?`, id.String(), eventID.String()); err != nil {
			return uuid.Nil, fmt.Errorf("failed to remove item: %w", err)
		}
	}

	for _, add := range plan.ItemsToAdd {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items (id, event_id, name, checked, source) VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), eventID.String(), add.Name, add.Checked, string(models.SourceParsed)); err != nil {
			return uuid.Nil, fmt.Errorf("failed to add item: %w", err)
		}
	}

	for _, id := range plan.Recheck {
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET checked = 1 WHERE id = ? AND event_id = ?`, id.String(), eventID.String()); err != nil {
			return uuid.Nil, fmt.Errorf("failed to recheck item: %w", err)
		}
	}

	// Attendees are always a full replacement; no local state to preserve.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attendees WHERE event_id = ?`, eventID.String()); err != nil {
		return uuid.Nil, fmt.Errorf("failed to clear attendees: %w", err)
	}
	for _, a := range plan.Attendees {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attendees (id, event_id, email, display_name, response_status)
			 VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), eventID.String(), a.Email, a.DisplayName, string(a.ResponseStatus)); err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert attendee: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit plan: %w", err)
	}
	return eventID, nil
}

// ApplyDeletion marks an event as provider-deleted. The tombstone keeps
// items, attendees and confirmation history intact.
func (s *Store) ApplyDeletion(ctx context.Context, plan reconcile.DeletionPlan) error {
	if !plan.Tombstone {
		return nil
	}
	_, err := s.conn.ExecContext(ctx,
		`UPDATE events SET deleted = 1 WHERE id = ?`, plan.EventID.String())
	if err != nil {
		return fmt.Errorf("failed to tombstone event: %w", err)
	}
	return nil
}

// TombstoneMissing marks non-archived events inside the sync window as
// provider-deleted when the provider did not return them during a full sync.
// Returns the number of events tombstoned.
func (s *Store) TombstoneMissing(ctx context.Context, seen map[string]bool, from, to time.Time) (int, error) {
	events, err := s.ListUpcoming(ctx, from, to)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, event := range events {
		if seen[event.ProviderEventID] {
			continue
		}
		if _, err := s.conn.ExecContext(ctx,
			`UPDATE events SET deleted = 1 WHERE id = ?`, event.ID.String()); err != nil {
			return count, fmt.Errorf("failed to tombstone missing event %s: %w", event.ProviderEventID, err)
		}
		count++
	}
	return count, nil
}

// ReplaceSeriesInstance tombstones instances of a recurring series that fall
// on the same calendar day as a newly arrived instance but carry a different
// provider id. Google mints a fresh id when a single occurrence is
// rescheduled; the stale instance would otherwise linger after a full sync.
func (s *Store) ReplaceSeriesInstance(ctx context.Context, recurringID string, start time.Time, providerID string) (int, error) {
	dayStart := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	res, err := s.conn.ExecContext(ctx,
		`UPDATE events SET deleted = 1
		 WHERE recurring_event_id = ? AND provider_event_id != ?
		   AND start_time >= ? AND start_time < ?
		   AND archived = 0 AND deleted = 0`,
		recurringID, providerID, formatTime(dayStart), formatTime(dayEnd))
	if err != nil {
		return 0, fmt.Errorf("failed to replace series instance: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AddItem creates a checklist item. Archived events reject mutations;
// tombstoned events are invisible to the API and treated as missing.
func (s *Store) AddItem(ctx context.Context, eventID uuid.UUID, name string, source models.Provenance) (models.Item, error) {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return models.Item{}, err
	}
	if event.Archived {
		return models.Item{}, ErrArchived
	}
	if event.Deleted {
		return models.Item{}, ErrNotFound
	}

	item := models.Item{ID: uuid.New(), EventID: eventID, Name: name, Source: source}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO items (id, event_id, name, checked, source) VALUES (?, ?, ?, 0, ?)`,
		item.ID.String(), eventID.String(), name, string(source))
	if err != nil {
		return models.Item{}, fmt.Errorf("failed to add item: %w", err)
	}
	return item, nil
}

// ToggleItem flips an item's checked flag and returns the updated item.
// The flip happens in a single UPDATE so a concurrent sync pass can never
// interleave between read and write.
func (s *Store) ToggleItem(ctx context.Context, eventID, itemID uuid.UUID) (models.Item, error) {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return models.Item{}, err
	}
	if event.Archived {
		return models.Item{}, ErrArchived
	}
	if event.Deleted {
		return models.Item{}, ErrNotFound
	}

	res, err := s.conn.ExecContext(ctx,
		`UPDATE items SET checked = NOT checked WHERE id = ? AND event_id = ?`,
		itemID.String(), eventID.String())
	if err != nil {
		return models.Item{}, fmt.Errorf("failed to toggle item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Item{}, ErrNotFound
	}

	row := s.conn.QueryRowContext(ctx,
		`SELECT id, event_id, name, checked, source FROM items WHERE id = ?`, itemID.String())
	var item models.Item
	var id, event2, source string
	if err := row.Scan(&id, &event2, &item.Name, &item.Checked, &source); err != nil {
		return models.Item{}, fmt.Errorf("failed to read item back: %w", err)
	}
	item.ID = uuid.MustParse(id)
	item.EventID = uuid.MustParse(event2)
	item.Source = models.Provenance(source)
	return item, nil
}

// DeleteItem removes an item by explicit user action. This is the only way
// a manual item ever goes away.
func (s *Store) DeleteItem(ctx context.Context, eventID, itemID uuid.UUID) error {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Archived {
		return ErrArchived
	}
	if event.Deleted {
		return ErrNotFound
	}

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM items WHERE id = ? AND event_id = ?`, itemID.String(), eventID.String())
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveEvent freezes an event. Sync never touches archived events again.
func (s *Store) ArchiveEvent(ctx context.Context, eventID uuid.UUID) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE events SET archived = 1 WHERE id = ?`, eventID.String())
	if err != nil {
		return fmt.Errorf("failed to archive event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfirmEvent appends an immutable confirmation record.
func (s *Store) ConfirmEvent(ctx context.Context, eventID uuid.UUID, userID int) (models.Confirmation, error) {
	if _, err := s.GetEvent(ctx, eventID); err != nil {
		return models.Confirmation{}, err
	}

	c := models.Confirmation{
		ID:          uuid.New(),
		EventID:     eventID,
		ConfirmedAt: time.Now().UTC(),
		ConfirmedBy: userID,
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO confirmations (id, event_id, confirmed_at, confirmed_by) VALUES (?, ?, ?, ?)`,
		c.ID.String(), eventID.String(), formatTime(c.ConfirmedAt), c.ConfirmedBy)
	if err != nil {
		return models.Confirmation{}, fmt.Errorf("failed to record confirmation: %w", err)
	}
	return c, nil
}

// UpdateEventDescription stores the description the push-back path just
// wrote to the provider, so the local copy matches without waiting for the
// next sync.
func (s *Store) UpdateEventDescription(ctx context.Context, eventID uuid.UUID, description string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE events SET description = ? WHERE id = ?`, description, eventID.String())
	if err != nil {
		return fmt.Errorf("failed to update description: %w", err)
	}
	return nil
}

// LoadCursor reads the sync cursor. A cursor with an empty token means the
// next pass must run as a full windowed sync.
func (s *Store) LoadCursor(ctx context.Context) (models.SyncCursor, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT token, updated_at FROM sync_cursor WHERE id = 1`)
	var cursor models.SyncCursor
	var at string
	err := row.Scan(&cursor.Token, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncCursor{}, nil
	}
	if err != nil {
		return models.SyncCursor{}, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	cursor.UpdatedAt = parseTime(at)
	return cursor, nil
}

// SaveCursor overwrites the sync cursor. Called only after a pass completes
// without a fatal error.
func (s *Store) SaveCursor(ctx context.Context, token string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sync_cursor (id, token, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		token, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// ClearCursor forces the next pass to run as a full resync.
func (s *Store) ClearCursor(ctx context.Context) error {
	return s.SaveCursor(ctx, "")
}

func scanEvent(row *sql.Row) (*models.Event, error) {
	event, err := scanEventColumns(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		event, err := scanEventColumns(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func scanEventColumns(scan func(dest ...any) error) (*models.Event, error) {
	var e models.Event
	var id, start, end, synced string
	err := scan(&id, &e.ProviderEventID, &e.RecurringEventID, &e.Title, &e.Description,
		&start, &end, &synced, &e.Archived, &e.Deleted, &e.UserID)
	if err != nil {
		return nil, err
	}
	e.ID = uuid.MustParse(id)
	e.StartTime = parseTime(start)
	e.EndTime = parseTime(end)
	e.LastSynced = parseTime(synced)
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
