package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"calcheck/internal/google"
	"calcheck/internal/models"
	"calcheck/internal/store"
)

var (
	eventStart = time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	eventEnd   = eventStart.Add(time.Hour)
)

// fakeCalendar scripts ListEvents responses and records calls.
type fakeCalendar struct {
	mu        sync.Mutex
	listFn    func(req google.ListRequest) (google.Page, error)
	getFn     func(id string) (google.Entry, error)
	listCalls []google.ListRequest
	updates   map[string]string
	gate      chan struct{} // when non-nil, ListEvents blocks until closed
}

func (f *fakeCalendar) ListEvents(ctx context.Context, req google.ListRequest) (google.Page, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, req)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.listFn(req)
}

func (f *fakeCalendar) GetEvent(ctx context.Context, id string) (google.Entry, error) {
	if f.getFn == nil {
		return google.Entry{}, fmt.Errorf("unexpected GetEvent(%q)", id)
	}
	return f.getFn(id)
}

func (f *fakeCalendar) UpdateDescription(ctx context.Context, id, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]string)
	}
	f.updates[id] = description
	return nil
}

func (f *fakeCalendar) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listCalls)
}

func testSyncer(t *testing.T, client *fakeCalendar, opts Options) (*Syncer, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(logger, client, st, opts)
	s.now = func() time.Time { return eventStart.Add(-24 * time.Hour) }
	return s, st
}

func snapshot(id, description string) google.Entry {
	return google.Entry{
		ProviderEventID: id,
		Title:           "Event " + id,
		Description:     description,
		StartTime:       eventStart,
		EndTime:         eventEnd,
	}
}

func singlePage(entries ...google.Entry) func(google.ListRequest) (google.Page, error) {
	return func(google.ListRequest) (google.Page, error) {
		return google.Page{Entries: entries, NextSyncToken: "token-1"}, nil
	}
}

func TestRun_FirstPassCreatesEventsAndCursor(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(
		snapshot("gcal-1", "Items:\n- Laptop\n- Charger"),
		snapshot("gcal-2", ""),
	)}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()

	report := s.Run(ctx)
	if report.Fatal != "" {
		t.Fatalf("pass failed: %s", report.Fatal)
	}
	if report.Created != 2 || report.Updated != 0 || report.Deleted != 0 {
		t.Errorf("report = %+v, want 2 created", report)
	}
	if report.NextCursor != "token-1" {
		t.Errorf("NextCursor = %q", report.NextCursor)
	}

	cursor, _ := st.LoadCursor(ctx)
	if cursor.Token != "token-1" {
		t.Errorf("persisted cursor = %q, want token-1", cursor.Token)
	}

	event, err := st.GetEventByProviderID(ctx, "gcal-1")
	if err != nil {
		t.Fatalf("event not created: %v", err)
	}
	items, _ := st.ListItems(ctx, event.ID)
	if len(items) != 2 || items[0].Name != "Laptop" || items[1].Name != "Charger" {
		t.Errorf("items = %+v", items)
	}
	for _, item := range items {
		if item.Checked {
			t.Errorf("item %q checked on creation from plain bullets", item.Name)
		}
	}

	// First pass had no cursor, so it must have used the time window.
	if client.listCalls[0].SyncToken != "" {
		t.Error("first pass used a sync token")
	}

	// Second pass must be incremental.
	_ = s.Run(ctx)
	if got := client.listCalls[len(client.listCalls)-1].SyncToken; got != "token-1" {
		t.Errorf("second pass sync token = %q, want token-1", got)
	}
}

func TestRun_DescriptionDiffPreservesCheckedState(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", "Items:\n- Laptop\n- Charger"))}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()

	if report := s.Run(ctx); report.Fatal != "" {
		t.Fatalf("first pass failed: %s", report.Fatal)
	}

	event, _ := st.GetEventByProviderID(ctx, "gcal-1")
	items, _ := st.ListItems(ctx, event.ID)
	var laptopID = items[0].ID
	if _, err := st.ToggleItem(ctx, event.ID, laptopID); err != nil {
		t.Fatalf("ToggleItem() failed: %v", err)
	}

	client.listFn = singlePage(snapshot("gcal-1", "Items:\n- Laptop\n- Notes"))
	report := s.Run(ctx)
	if report.Fatal != "" || report.Updated != 1 {
		t.Fatalf("report = %+v", report)
	}

	items, _ = st.ListItems(ctx, event.ID)
	byName := make(map[string]models.Item)
	for _, item := range items {
		byName[item.Name] = item
	}
	if _, ok := byName["Charger"]; ok {
		t.Error("Charger not removed")
	}
	if _, ok := byName["Notes"]; !ok {
		t.Error("Notes not added")
	}
	if !byName["Laptop"].Checked {
		t.Error("Laptop's checked state lost across reconciliation")
	}
}

func TestRun_TimeChangeResetsChecklist(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", "Items:\n- Laptop"))}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	event, _ := st.GetEventByProviderID(ctx, "gcal-1")
	items, _ := st.ListItems(ctx, event.ID)
	_, _ = st.ToggleItem(ctx, event.ID, items[0].ID)

	moved := snapshot("gcal-1", "Items:\n- Laptop")
	moved.StartTime = eventStart.Add(2 * time.Hour)
	moved.EndTime = eventEnd.Add(2 * time.Hour)
	client.listFn = singlePage(moved)
	_ = s.Run(ctx)

	items, _ = st.ListItems(ctx, event.ID)
	if len(items) != 1 || items[0].Checked {
		t.Errorf("items = %+v, want Laptop unchecked after reschedule", items)
	}
}

func TestRun_ManualItemsSurviveSync(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", "Items:\n- Laptop"))}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	event, _ := st.GetEventByProviderID(ctx, "gcal-1")
	if _, err := st.AddItem(ctx, event.ID, "Umbrella", models.SourceManual); err != nil {
		t.Fatalf("AddItem() failed: %v", err)
	}

	// Description drops every item; the manual one must survive.
	client.listFn = singlePage(snapshot("gcal-1", "no checklist anymore"))
	_ = s.Run(ctx)

	items, _ := st.ListItems(ctx, event.ID)
	if len(items) != 1 || items[0].Name != "Umbrella" || items[0].Source != models.SourceManual {
		t.Errorf("items = %+v, want only the manual Umbrella", items)
	}
}

func TestRun_CancellationTombstones(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", ""))}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	client.listFn = singlePage(google.Entry{ProviderEventID: "gcal-1", Cancelled: true})
	report := s.Run(ctx)
	if report.Deleted != 1 {
		t.Errorf("report = %+v, want 1 deleted", report)
	}

	event, err := st.GetEventByProviderID(ctx, "gcal-1")
	if err != nil {
		t.Fatalf("tombstoned event should remain readable: %v", err)
	}
	if !event.Deleted {
		t.Error("event not tombstoned")
	}
}

func TestRun_RestoredEventComesBack(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", "Items:\n- Laptop"))}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	client.listFn = singlePage(google.Entry{ProviderEventID: "gcal-1", Cancelled: true})
	_ = s.Run(ctx)

	// The provider restores the event from trash; the next delta delivers
	// a live snapshot again.
	client.listFn = singlePage(snapshot("gcal-1", "Items:\n- Laptop"))
	report := s.Run(ctx)
	if report.Fatal != "" || report.Updated != 1 {
		t.Fatalf("report = %+v", report)
	}

	event, err := st.GetEventByProviderID(ctx, "gcal-1")
	if err != nil {
		t.Fatalf("GetEventByProviderID() failed: %v", err)
	}
	if event.Deleted {
		t.Error("restored event still tombstoned")
	}

	from := eventStart.Add(-24 * time.Hour)
	upcoming, _ := st.ListUpcoming(ctx, from, from.Add(30*24*time.Hour))
	if len(upcoming) != 1 {
		t.Errorf("restored event missing from listings: %+v", upcoming)
	}

	// The checklist survived the cancel/restore round trip.
	items, _ := st.ListItems(ctx, event.ID)
	if len(items) != 1 || items[0].Name != "Laptop" {
		t.Errorf("items = %+v", items)
	}
}

func TestRun_CancellationOfUnknownEventIsNoop(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(google.Entry{ProviderEventID: "gcal-ghost", Cancelled: true})}
	s, _ := testSyncer(t, client, Options{})

	report := s.Run(context.Background())
	if report.Fatal != "" || len(report.Errors) != 0 || report.Deleted != 0 {
		t.Errorf("report = %+v, want clean no-op", report)
	}
}

func TestRun_TokenInvalidRetriesExactlyOnce(t *testing.T) {
	calls := 0
	client := &fakeCalendar{}
	client.listFn = func(req google.ListRequest) (google.Page, error) {
		calls++
		if req.SyncToken != "" {
			return google.Page{TokenInvalid: true}, nil
		}
		return google.Page{Entries: []google.Entry{snapshot("gcal-1", "")}, NextSyncToken: "token-2"}, nil
	}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	if err := st.SaveCursor(ctx, "stale-token"); err != nil {
		t.Fatal(err)
	}

	report := s.Run(ctx)
	if report.Fatal != "" {
		t.Fatalf("pass failed: %s", report.Fatal)
	}
	if calls != 2 {
		t.Errorf("ListEvents called %d times, want 2 (rejection + full resync)", calls)
	}
	if report.Created != 1 || report.NextCursor != "token-2" {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_TokenRejectedTwiceAborts(t *testing.T) {
	client := &fakeCalendar{listFn: func(google.ListRequest) (google.Page, error) {
		return google.Page{TokenInvalid: true}, nil
	}}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = st.SaveCursor(ctx, "stale-token")

	report := s.Run(ctx)
	if report.Fatal == "" {
		t.Error("double rejection must abort the pass with a fatal report")
	}
	if client.callCount() != 2 {
		t.Errorf("ListEvents called %d times, want exactly 2", client.callCount())
	}
}

func TestRun_ProviderUnavailableLeavesCursorUntouched(t *testing.T) {
	client := &fakeCalendar{listFn: func(google.ListRequest) (google.Page, error) {
		return google.Page{}, fmt.Errorf("boom: %w", google.ErrUnavailable)
	}}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = st.SaveCursor(ctx, "good-token")

	report := s.Run(ctx)
	if report.Fatal == "" {
		t.Error("unreachable provider must abort the pass")
	}

	cursor, _ := st.LoadCursor(ctx)
	if cursor.Token != "good-token" {
		t.Errorf("cursor = %q, want untouched good-token", cursor.Token)
	}

	// The next pass runs normally; unavailability is transient.
	client.listFn = singlePage(snapshot("gcal-1", ""))
	if report := s.Run(ctx); report.Skipped {
		t.Error("pass skipped after transient failure")
	}
}

func TestRun_AuthFailureDisablesSync(t *testing.T) {
	client := &fakeCalendar{listFn: func(google.ListRequest) (google.Page, error) {
		return google.Page{}, fmt.Errorf("denied: %w", google.ErrAuth)
	}}
	s, _ := testSyncer(t, client, Options{})
	ctx := context.Background()

	first := s.Run(ctx)
	if first.Fatal == "" {
		t.Fatal("auth failure must abort the pass")
	}

	second := s.Run(ctx)
	if !second.Skipped {
		t.Error("pass after auth failure must be skipped")
	}
	if client.callCount() != 1 {
		t.Errorf("provider contacted %d times, want 1", client.callCount())
	}
}

func TestRun_Pagination(t *testing.T) {
	client := &fakeCalendar{}
	client.listFn = func(req google.ListRequest) (google.Page, error) {
		if req.PageToken == "" {
			return google.Page{Entries: []google.Entry{snapshot("gcal-1", "")}, NextPageToken: "page-2"}, nil
		}
		return google.Page{Entries: []google.Entry{snapshot("gcal-2", "")}, NextSyncToken: "token-1"}, nil
	}
	s, _ := testSyncer(t, client, Options{})

	report := s.Run(context.Background())
	if report.Created != 2 {
		t.Errorf("created = %d, want 2 across pages", report.Created)
	}
	if report.NextCursor != "token-1" {
		t.Errorf("NextCursor = %q", report.NextCursor)
	}
}

func TestRun_FullSyncTombstonesMissingEvents(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", ""), snapshot("gcal-2", ""))}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	// Force the next pass to be a full sync that no longer returns gcal-2.
	_ = st.ClearCursor(ctx)
	client.listFn = singlePage(snapshot("gcal-1", ""))
	report := s.Run(ctx)
	if report.Deleted != 1 {
		t.Errorf("report = %+v, want 1 tombstoned orphan", report)
	}

	gone, _ := st.GetEventByProviderID(ctx, "gcal-2")
	if !gone.Deleted {
		t.Error("orphan not tombstoned during full sync")
	}
}

func TestRun_IncrementalPassDoesNotSweepOrphans(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", ""), snapshot("gcal-2", ""))}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	// Incremental delta mentions only gcal-1; gcal-2 must stay.
	client.listFn = func(req google.ListRequest) (google.Page, error) {
		return google.Page{Entries: []google.Entry{snapshot("gcal-1", "")}, NextSyncToken: "token-2"}, nil
	}
	report := s.Run(ctx)
	if report.Deleted != 0 {
		t.Errorf("incremental pass tombstoned %d events", report.Deleted)
	}
	kept, _ := st.GetEventByProviderID(ctx, "gcal-2")
	if kept.Deleted {
		t.Error("event missing from an incremental delta was tombstoned")
	}
}

func TestRun_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeCalendar{gate: gate, listFn: singlePage(snapshot("gcal-1", ""))}
	s, _ := testSyncer(t, client, Options{})
	ctx := context.Background()

	done := make(chan Report, 1)
	go func() { done <- s.Run(ctx) }()

	// Wait until the first pass is inside ListEvents.
	for client.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	overlapping := s.Run(ctx)
	if !overlapping.Skipped {
		t.Error("overlapping pass was not skipped")
	}

	close(gate)
	first := <-done
	if first.Skipped || first.Fatal != "" {
		t.Errorf("first pass report = %+v", first)
	}
}

func TestRun_DryRunAppliesNothing(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", "Items:\n- Laptop"))}
	s, st := testSyncer(t, client, Options{DryRun: true})
	ctx := context.Background()

	report := s.Run(ctx)
	if report.Created != 1 {
		t.Errorf("dry run should still count, got %+v", report)
	}
	if _, err := st.GetEventByProviderID(ctx, "gcal-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("dry run persisted an event")
	}
	cursor, _ := st.LoadCursor(ctx)
	if cursor.Token != "" {
		t.Error("dry run persisted a cursor")
	}
}

func TestRun_ArchivedEventUntouchedBySync(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", "Items:\n- Laptop"))}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	event, _ := st.GetEventByProviderID(ctx, "gcal-1")
	_ = st.ArchiveEvent(ctx, event.ID)

	changed := snapshot("gcal-1", "Items:\n- Something else")
	changed.Title = "Renamed"
	changed.StartTime = eventStart.Add(5 * time.Hour)
	client.listFn = singlePage(changed)
	_ = s.Run(ctx)

	after, _ := st.GetEventByProviderID(ctx, "gcal-1")
	if after.Title != "Event gcal-1" || !after.StartTime.Equal(eventStart) {
		t.Errorf("archived event mutated: %+v", after)
	}
	items, _ := st.ListItems(ctx, after.ID)
	if len(items) != 1 || items[0].Name != "Laptop" {
		t.Errorf("archived event items mutated: %+v", items)
	}
}

func TestRun_ReplacedRecurringInstanceTombstoned(t *testing.T) {
	original := snapshot("gcal-old", "")
	original.RecurringEventID = "series-1"
	client := &fakeCalendar{listFn: singlePage(original)}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	// Same series, same day, new provider id: the reschedule case.
	replacement := snapshot("gcal-new", "")
	replacement.RecurringEventID = "series-1"
	replacement.StartTime = eventStart.Add(3 * time.Hour)
	replacement.EndTime = eventEnd.Add(3 * time.Hour)
	client.listFn = singlePage(replacement)
	report := s.Run(ctx)
	if report.Created != 1 || report.Deleted != 1 {
		t.Errorf("report = %+v, want 1 created and 1 tombstoned", report)
	}

	old, _ := st.GetEventByProviderID(ctx, "gcal-old")
	if !old.Deleted {
		t.Error("replaced instance not tombstoned")
	}
}

func TestPushItems(t *testing.T) {
	client := &fakeCalendar{listFn: singlePage(snapshot("gcal-1", "Prep notes\n\nItems:\n- Laptop"))}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	event, _ := st.GetEventByProviderID(ctx, "gcal-1")
	if _, err := st.AddItem(ctx, event.ID, "Umbrella", models.SourceManual); err != nil {
		t.Fatal(err)
	}

	items, _ := st.ListItems(ctx, event.ID)
	if !HasUnpushedChanges(event, items) {
		t.Fatal("manual add should mark the event dirty")
	}

	if err := s.PushItems(ctx, event.ID); err != nil {
		t.Fatalf("PushItems() failed: %v", err)
	}

	pushed := client.updates["gcal-1"]
	if !strings.Contains(pushed, "- Laptop") || !strings.Contains(pushed, "- Umbrella") {
		t.Errorf("pushed description = %q", pushed)
	}
	if !strings.Contains(pushed, "Prep notes") {
		t.Errorf("non-item text not preserved: %q", pushed)
	}

	// The local copy now matches what was pushed.
	event, _ = st.GetEvent(ctx, event.ID)
	items, _ = st.ListItems(ctx, event.ID)
	if HasUnpushedChanges(event, items) {
		t.Error("event still dirty after push")
	}
}

func TestRefreshEvent(t *testing.T) {
	client := &fakeCalendar{
		listFn: singlePage(),
		getFn: func(id string) (google.Entry, error) {
			return snapshot(id, "Items:\n- Laptop"), nil
		},
	}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()

	if err := s.RefreshEvent(ctx, "gcal-1"); err != nil {
		t.Fatalf("RefreshEvent() failed: %v", err)
	}
	event, err := st.GetEventByProviderID(ctx, "gcal-1")
	if err != nil {
		t.Fatalf("event not created by refresh: %v", err)
	}
	items, _ := st.ListItems(ctx, event.ID)
	if len(items) != 1 {
		t.Errorf("items = %+v", items)
	}
}

func TestAddItemToSeries(t *testing.T) {
	first := snapshot("gcal-1", "")
	first.RecurringEventID = "series-1"
	second := snapshot("gcal-2", "")
	second.RecurringEventID = "series-1"
	second.StartTime = eventStart.Add(7 * 24 * time.Hour)
	second.EndTime = eventEnd.Add(7 * 24 * time.Hour)

	client := &fakeCalendar{
		listFn: singlePage(first, second),
		getFn: func(id string) (google.Entry, error) {
			return google.Entry{ProviderEventID: id, Description: "Series notes"}, nil
		},
	}
	s, st := testSyncer(t, client, Options{})
	ctx := context.Background()
	_ = s.Run(ctx)

	source, _ := st.GetEventByProviderID(ctx, "gcal-1")
	if _, err := st.AddItem(ctx, source.ID, "Umbrella", models.SourceManual); err != nil {
		t.Fatal(err)
	}

	added, err := s.AddItemToSeries(ctx, source.ID, "Umbrella")
	if err != nil {
		t.Fatalf("AddItemToSeries() failed: %v", err)
	}
	if added != 1 {
		t.Errorf("added to %d instances, want 1", added)
	}

	sibling, _ := st.GetEventByProviderID(ctx, "gcal-2")
	items, _ := st.ListItems(ctx, sibling.ID)
	if len(items) != 1 || items[0].Name != "Umbrella" {
		t.Errorf("sibling items = %+v", items)
	}

	// The master event received the pushed item block.
	if master := client.updates["series-1"]; !strings.Contains(master, "- Umbrella") {
		t.Errorf("master description = %q", master)
	}
}
