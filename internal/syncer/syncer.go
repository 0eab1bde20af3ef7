// Package syncer drives sync passes between Google Calendar and the local
// store: it pages provider events (incrementally when a sync token is held),
// feeds each through the reconciler, applies the resulting plans one
// transaction per event, and maintains the persisted sync cursor.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"calcheck/internal/google"
	"calcheck/internal/models"
	"calcheck/internal/parser"
	"calcheck/internal/reconcile"
	"calcheck/internal/store"
)

// CalendarAPI is the provider collaborator the orchestrator talks to.
// *google.Client implements it; tests substitute a fake.
type CalendarAPI interface {
	ListEvents(ctx context.Context, req google.ListRequest) (google.Page, error)
	GetEvent(ctx context.Context, providerEventID string) (google.Entry, error)
	UpdateDescription(ctx context.Context, providerEventID, description string) error
}

// EventError records one event whose plan could not be applied. The pass
// continues past it.
type EventError struct {
	ProviderEventID string `json:"provider_event_id"`
	Reason          string `json:"reason"`
}

// Report summarizes one sync pass. Every pass, including aborted and skipped
// ones, produces a report; nothing is swallowed silently.
type Report struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`

	// Skipped is set when a pass was not started because another pass was
	// already in flight, or because auth is known to be broken.
	Skipped bool `json:"skipped,omitempty"`

	// Fatal carries the pass-aborting failure, if any. Per-event failures
	// go to Errors instead.
	Fatal string `json:"fatal,omitempty"`

	Errors     []EventError `json:"errors,omitempty"`
	NextCursor string       `json:"next_cursor,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Options configures a Syncer.
type Options struct {
	// LookBehind/LookAhead bound the window used for full (cursor-less) syncs.
	LookBehind time.Duration
	LookAhead  time.Duration
	// RecheckParsedItems is passed through to the reconciler.
	RecheckParsedItems bool
	// DryRun logs what would change without applying anything.
	DryRun bool
}

// Syncer orchestrates sync passes. At most one pass runs at a time; an
// overlapping trigger is skipped, not queued.
type Syncer struct {
	logger *slog.Logger
	client CalendarAPI
	store  *store.Store
	opts   Options

	// now is injectable for deterministic tests.
	now func() time.Time

	// passMu serializes passes. TryLock implements the skip-if-running rule.
	passMu sync.Mutex

	mu         sync.Mutex
	lastReport *Report
	authBroken bool
}

// New creates a Syncer.
func New(logger *slog.Logger, client CalendarAPI, st *store.Store, opts Options) *Syncer {
	if opts.LookBehind == 0 {
		opts.LookBehind = 2 * time.Hour
	}
	if opts.LookAhead == 0 {
		opts.LookAhead = 30 * 24 * time.Hour
	}
	return &Syncer{
		logger: logger,
		client: client,
		store:  st,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one sync pass and returns its report. Overlapping calls are
// skipped. After an auth failure, passes are skipped until the process is
// restarted with fresh credentials.
func (s *Syncer) Run(ctx context.Context) Report {
	if !s.passMu.TryLock() {
		s.logger.Warn("Sync pass already in flight, skipping")
		return Report{Skipped: true, StartedAt: s.now(), FinishedAt: s.now()}
	}
	defer s.passMu.Unlock()

	if s.isAuthBroken() {
		report := Report{Skipped: true, Fatal: "sync disabled: credentials invalid", StartedAt: s.now(), FinishedAt: s.now()}
		s.setLastReport(report)
		return report
	}

	report := s.runPass(ctx, false)
	report.FinishedAt = s.now()
	s.setLastReport(report)

	if report.Fatal != "" {
		s.logger.Error("Sync pass failed", "fatal", report.Fatal)
	} else {
		s.logger.Info("Sync pass finished",
			"created", report.Created, "updated", report.Updated,
			"deleted", report.Deleted, "errors", len(report.Errors))
	}
	return report
}

// LastReport returns the most recent pass report, or nil before the first
// pass.
func (s *Syncer) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return nil
	}
	copied := *s.lastReport
	return &copied
}

// runPass executes one pass. retried marks the single full-resync retry
// after a rejected sync token; a second rejection aborts.
func (s *Syncer) runPass(ctx context.Context, retried bool) Report {
	report := Report{StartedAt: s.now()}

	cursor, err := s.store.LoadCursor(ctx)
	if err != nil {
		report.Fatal = err.Error()
		return report
	}

	windowStart := s.now().Add(-s.opts.LookBehind)
	windowEnd := s.now().Add(s.opts.LookAhead)
	fullSync := cursor.Token == ""
	seen := make(map[string]bool)

	s.logger.Info("Starting sync pass", "incremental", !fullSync, "retry", retried)

	var nextSyncToken, pageToken string
	for {
		page, err := s.client.ListEvents(ctx, google.ListRequest{
			SyncToken:   cursor.Token,
			PageToken:   pageToken,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
		})
		if err != nil {
			// Provider unreachable or credentials rejected: abort with
			// the cursor untouched so the next scheduled pass retries.
			if errors.Is(err, google.ErrAuth) {
				s.markAuthBroken()
			}
			report.Fatal = err.Error()
			return report
		}

		if page.TokenInvalid {
			if err := s.store.ClearCursor(ctx); err != nil {
				report.Fatal = err.Error()
				return report
			}
			if retried {
				report.Fatal = "sync token rejected twice in one pass"
				return report
			}
			return s.runPass(ctx, true)
		}

		for _, entry := range page.Entries {
			if !entry.Cancelled && fullSync {
				seen[entry.ProviderEventID] = true
			}
			s.applyEntry(ctx, entry, &report)
		}

		if page.NextSyncToken != "" {
			nextSyncToken = page.NextSyncToken
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	// A full sync enumerates the whole window, so anything local the
	// provider did not return was deleted while no cursor was held.
	if fullSync && !s.opts.DryRun {
		n, err := s.store.TombstoneMissing(ctx, seen, windowStart, windowEnd)
		if err != nil {
			report.Errors = append(report.Errors, EventError{Reason: err.Error()})
		}
		report.Deleted += n
	}

	// The cursor is persisted only after every mutation above committed.
	// A crash before this point re-processes already-applied events next
	// pass, which reconciliation turns into no-ops.
	if nextSyncToken != "" && !s.opts.DryRun {
		if err := s.store.SaveCursor(ctx, nextSyncToken); err != nil {
			report.Fatal = err.Error()
			return report
		}
		report.NextCursor = nextSyncToken
	}

	return report
}

// applyEntry processes one listing entry. Failures are recorded in the
// report; they never abort the pass.
func (s *Syncer) applyEntry(ctx context.Context, entry google.Entry, report *Report) {
	if entry.Cancelled {
		deleted, err := s.applyCancellation(ctx, entry.ProviderEventID)
		if err != nil {
			report.Errors = append(report.Errors, EventError{ProviderEventID: entry.ProviderEventID, Reason: err.Error()})
			return
		}
		if deleted {
			report.Deleted++
		}
		return
	}

	created, err := s.applySnapshot(ctx, entry, report)
	if err != nil {
		report.Errors = append(report.Errors, EventError{ProviderEventID: entry.ProviderEventID, Reason: err.Error()})
		return
	}
	if created {
		report.Created++
	} else {
		report.Updated++
	}
}

func (s *Syncer) applyCancellation(ctx context.Context, providerID string) (bool, error) {
	local, err := s.store.GetEventByProviderID(ctx, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil // cancellation of an event we never saw
	}
	if err != nil {
		return false, err
	}

	plan := reconcile.Cancel(local)
	if s.opts.DryRun {
		s.logger.Info("[DRY RUN] Would tombstone event", "eventID", providerID, "tombstone", plan.Tombstone)
		return plan.Tombstone, nil
	}
	if err := s.store.ApplyDeletion(ctx, plan); err != nil {
		return false, err
	}
	return plan.Tombstone, nil
}

func (s *Syncer) applySnapshot(ctx context.Context, entry google.Entry, report *Report) (bool, error) {
	local, err := s.store.GetEventByProviderID(ctx, entry.ProviderEventID)
	if errors.Is(err, store.ErrNotFound) {
		local = nil
	} else if err != nil {
		return false, err
	}

	var items []models.Item
	if local != nil {
		items, err = s.store.ListItems(ctx, local.ID)
		if err != nil {
			return false, err
		}
	}

	remote := toRemoteEvent(entry)
	plan := reconcile.Reconcile(remote, local, items, reconcile.Options{
		RecheckParsedItems: s.opts.RecheckParsedItems,
	}, s.now())

	if s.opts.DryRun {
		s.logger.Info("[DRY RUN] Would apply plan",
			"eventID", entry.ProviderEventID, "new", plan.IsNew,
			"add", len(plan.ItemsToAdd), "remove", len(plan.ItemsToRemove),
			"reset", plan.ResetChecked)
		return plan.IsNew, nil
	}

	// Google mints a new id when one occurrence of a recurring event is
	// rescheduled; the instance it replaces must not linger.
	if entry.RecurringEventID != "" {
		n, err := s.store.ReplaceSeriesInstance(ctx, entry.RecurringEventID, entry.StartTime, entry.ProviderEventID)
		if err != nil {
			return false, err
		}
		report.Deleted += n
	}

	if _, err := s.store.ApplyPlan(ctx, entry.ProviderEventID, plan); err != nil {
		return false, err
	}
	return plan.IsNew, nil
}

// RefreshEvent reconciles a single event on demand, outside a pass.
func (s *Syncer) RefreshEvent(ctx context.Context, providerEventID string) error {
	entry, err := s.client.GetEvent(ctx, providerEventID)
	if err != nil {
		return err
	}
	var report Report
	if entry.Cancelled {
		_, err = s.applyCancellation(ctx, providerEventID)
		return err
	}
	_, err = s.applySnapshot(ctx, entry, &report)
	return err
}

// HasUnpushedChanges reports whether the event's checklist differs from the
// item block of its last-synced description.
func HasUnpushedChanges(event *models.Event, items []models.Item) bool {
	local := make(map[string]bool, len(items))
	for _, item := range items {
		local[item.Name] = true
	}
	parsed := make(map[string]bool)
	for _, name := range parser.ParseNames(event.Description) {
		parsed[name] = true
	}
	if len(local) != len(parsed) {
		return true
	}
	for name := range local {
		if !parsed[name] {
			return true
		}
	}
	return false
}

// PushItems writes the event's current checklist back into its description
// on the provider. Only the recognized item block changes; all other
// description text is preserved. The local copy is updated so the dirty
// indicator clears without waiting for the next sync.
func (s *Syncer) PushItems(ctx context.Context, eventID uuid.UUID) error {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	items, err := s.store.ListItems(ctx, eventID)
	if err != nil {
		return err
	}

	names := itemNames(items)
	newDescription := parser.FormatItems(event.Description, names)

	if err := s.client.UpdateDescription(ctx, event.ProviderEventID, newDescription); err != nil {
		return err
	}
	return s.store.UpdateEventDescription(ctx, eventID, newDescription)
}

// SeriesPushReport summarizes a recurring-series push.
type SeriesPushReport struct {
	Pushed       int  `json:"pushed"`
	SkippedClean int  `json:"skipped"`
	Failed       int  `json:"failed"`
	MasterPushed bool `json:"master_pushed"`
}

// PushSeries pushes every dirty instance of the source event's recurring
// series, then updates the master event so the item block propagates to
// future instances beyond the sync window. A non-recurring event degrades
// to a plain PushItems.
func (s *Syncer) PushSeries(ctx context.Context, sourceEventID uuid.UUID) (SeriesPushReport, error) {
	var report SeriesPushReport

	source, err := s.store.GetEvent(ctx, sourceEventID)
	if err != nil {
		return report, err
	}
	sourceItems, err := s.store.ListItems(ctx, sourceEventID)
	if err != nil {
		return report, err
	}

	if HasUnpushedChanges(source, sourceItems) {
		if err := s.PushItems(ctx, sourceEventID); err != nil {
			report.Failed++
		} else {
			report.Pushed++
		}
	} else {
		report.SkippedClean++
	}

	if source.RecurringEventID == "" {
		return report, nil
	}

	instances, err := s.store.SeriesInstances(ctx, source.RecurringEventID, sourceEventID, time.Time{})
	if err != nil {
		return report, err
	}
	for _, instance := range instances {
		items, err := s.store.ListItems(ctx, instance.ID)
		if err != nil {
			report.Failed++
			continue
		}
		if !HasUnpushedChanges(&instance, items) {
			report.SkippedClean++
			continue
		}
		if err := s.PushItems(ctx, instance.ID); err != nil {
			s.logger.Error("Failed to push instance", "eventID", instance.ProviderEventID, "error", err)
			report.Failed++
			continue
		}
		report.Pushed++
	}

	report.MasterPushed = s.pushMaster(ctx, source.RecurringEventID, itemNames(sourceItems)) == nil
	return report, nil
}

// AddItemToSeries fans a newly added item out to all future instances of the
// source event's series and updates the master event. Confirmed instances
// are left alone; duplicate names (case-insensitive) are skipped.
func (s *Syncer) AddItemToSeries(ctx context.Context, sourceEventID uuid.UUID, name string) (int, error) {
	source, err := s.store.GetEvent(ctx, sourceEventID)
	if err != nil {
		return 0, err
	}
	if source.RecurringEventID == "" {
		return 0, nil
	}

	sourceItems, err := s.store.ListItems(ctx, sourceEventID)
	if err != nil {
		return 0, err
	}
	if err := s.pushMaster(ctx, source.RecurringEventID, itemNames(sourceItems)); err != nil {
		s.logger.Warn("Failed to push master event, updating local instances only", "error", err)
	}

	instances, err := s.futureUnconfirmedInstances(ctx, source)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, instance := range instances {
		items, err := s.store.ListItems(ctx, instance.ID)
		if err != nil {
			continue
		}
		if containsNameFold(items, name) {
			continue
		}
		if _, err := s.store.AddItem(ctx, instance.ID, name, models.SourceParsed); err != nil {
			s.logger.Error("Failed to add item to instance", "eventID", instance.ProviderEventID, "error", err)
			continue
		}
		added++
	}
	return added, nil
}

// RemoveItemFromSeries removes an item by name from all future instances of
// the source event's series and updates the master event.
func (s *Syncer) RemoveItemFromSeries(ctx context.Context, sourceEventID uuid.UUID, name string) (int, error) {
	source, err := s.store.GetEvent(ctx, sourceEventID)
	if err != nil {
		return 0, err
	}
	if source.RecurringEventID == "" {
		return 0, nil
	}

	sourceItems, err := s.store.ListItems(ctx, sourceEventID)
	if err != nil {
		return 0, err
	}
	if err := s.pushMaster(ctx, source.RecurringEventID, itemNames(sourceItems)); err != nil {
		s.logger.Warn("Failed to push master event, updating local instances only", "error", err)
	}

	instances, err := s.futureUnconfirmedInstances(ctx, source)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, instance := range instances {
		items, err := s.store.ListItems(ctx, instance.ID)
		if err != nil {
			continue
		}
		for _, item := range items {
			if !strings.EqualFold(item.Name, name) {
				continue
			}
			if err := s.store.DeleteItem(ctx, instance.ID, item.ID); err != nil {
				s.logger.Error("Failed to remove item from instance", "eventID", instance.ProviderEventID, "error", err)
				continue
			}
			removed++
			break
		}
	}
	return removed, nil
}

// pushMaster rewrites the master recurring event's description on the
// provider so the item block reaches instances beyond the sync window.
func (s *Syncer) pushMaster(ctx context.Context, recurringEventID string, names []string) error {
	master, err := s.client.GetEvent(ctx, recurringEventID)
	if err != nil {
		return err
	}
	newDescription := parser.FormatItems(master.Description, names)
	return s.client.UpdateDescription(ctx, recurringEventID, newDescription)
}

func (s *Syncer) futureUnconfirmedInstances(ctx context.Context, source *models.Event) ([]models.Event, error) {
	instances, err := s.store.SeriesInstances(ctx, source.RecurringEventID, source.ID, s.now())
	if err != nil {
		return nil, err
	}
	out := instances[:0]
	for _, instance := range instances {
		confirmations, err := s.store.ListConfirmations(ctx, instance.ID)
		if err != nil {
			return nil, err
		}
		if len(confirmations) == 0 {
			out = append(out, instance)
		}
	}
	return out, nil
}

func (s *Syncer) setLastReport(report Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReport = &report
}

func (s *Syncer) isAuthBroken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authBroken
}

func (s *Syncer) markAuthBroken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authBroken = true
}

func toRemoteEvent(entry google.Entry) models.RemoteEvent {
	remote := models.RemoteEvent{
		ProviderEventID:  entry.ProviderEventID,
		RecurringEventID: entry.RecurringEventID,
		Title:            entry.Title,
		Description:      entry.Description,
		StartTime:        entry.StartTime,
		EndTime:          entry.EndTime,
	}
	for _, a := range entry.Attendees {
		remote.Attendees = append(remote.Attendees, models.RemoteAttendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: models.ResponseStatus(a.ResponseStatus),
		})
	}
	return remote
}

func itemNames(items []models.Item) []string {
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.Name
	}
	return names
}

func containsNameFold(items []models.Item, name string) bool {
	for _, item := range items {
		if strings.EqualFold(item.Name, name) {
			return true
		}
	}
	return false
}
