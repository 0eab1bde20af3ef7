// Package reconcile computes the local mutations required to bring one
// stored event in line with a provider-side snapshot.
//
// The source-of-truth split is fixed: Google Calendar owns the descriptive
// fields (title, description, times, attendees) and the local store owns
// checklist state (checked flags, manual items, confirmations). Plans are
// pure values; applying them is the store's job.
package reconcile

import (
	"time"

	"github.com/google/uuid"

	"calcheck/internal/models"
	"calcheck/internal/parser"
)

// Options controls behavioral forks in reconciliation.
type Options struct {
	// RecheckParsedItems makes a "[x]" marker in a re-synced description
	// re-check the matching existing item. Off by default: local checklist
	// progress is never overwritten by re-parsing.
	RecheckParsedItems bool
}

// Fields are the provider-authoritative event columns written on every sync.
type Fields struct {
	Title            string
	Description      string
	StartTime        time.Time
	EndTime          time.Time
	RecurringEventID string
	LastSynced       time.Time
}

// NewItem describes a checklist item to be created.
type NewItem struct {
	Name    string
	Checked bool
}

// Plan is the full set of mutations one sync pass needs to apply for one
// event. It describes the side effects without performing them.
type Plan struct {
	IsNew bool

	// TouchOnly marks plans for archived events: only LastSynced may be
	// written, nothing else.
	TouchOnly bool

	// EventID is the local event id; unset when IsNew.
	EventID uuid.UUID

	Fields Fields

	// ItemsToAdd are created with provenance "parsed".
	ItemsToAdd []NewItem
	// ItemsToRemove lists parsed items whose names vanished from the
	// description. Manual items never appear here.
	ItemsToRemove []uuid.UUID
	// Recheck lists existing parsed items to set checked again; only
	// populated when Options.RecheckParsedItems is on.
	Recheck []uuid.UUID

	// ResetChecked unchecks every item on the event, triggered by a
	// start or end time change.
	ResetChecked bool

	// Undelete lifts the tombstone of a previously cancelled event that
	// the provider reports live again (restored from trash).
	Undelete bool

	// Attendees fully replaces the stored attendee set.
	Attendees []models.Attendee
}

// DeletionPlan handles a provider-side cancellation. The event is marked
// deleted (a tombstone) but its items, attendees and confirmations are kept.
type DeletionPlan struct {
	// Tombstone is false when there is nothing to do (no local event, or
	// the local event is archived).
	Tombstone bool
	EventID   uuid.UUID
}

// Reconcile computes the plan for one provider snapshot against the local
// event record (nil when the event has never been seen) and its current
// items. now becomes the event's LastSynced value.
func Reconcile(remote models.RemoteEvent, local *models.Event, items []models.Item, opts Options, now time.Time) Plan {
	plan := Plan{
		Fields: Fields{
			Title:            remote.Title,
			Description:      remote.Description,
			StartTime:        remote.StartTime,
			EndTime:          remote.EndTime,
			RecurringEventID: remote.RecurringEventID,
			LastSynced:       now,
		},
		Attendees: convertAttendees(remote.Attendees),
	}

	if local == nil {
		plan.IsNew = true
		for _, name := range orderedNames(parser.Parse(remote.Description)) {
			plan.ItemsToAdd = append(plan.ItemsToAdd, NewItem{Name: name.name, Checked: name.checked})
		}
		return plan
	}

	plan.EventID = local.ID

	// Archived events are frozen. Sync may record that it saw the event
	// but must not mutate anything else.
	if local.Archived {
		return Plan{TouchOnly: true, EventID: local.ID, Fields: Fields{LastSynced: now}}
	}

	// A live snapshot for a tombstoned event means it was restored from
	// the provider's trash; the tombstone is lifted.
	if local.Deleted {
		plan.Undelete = true
	}

	// A rescheduled event invalidates preparation done so far.
	if !local.StartTime.Equal(remote.StartTime) || !local.EndTime.Equal(remote.EndTime) {
		plan.ResetChecked = true
	}

	parsed := orderedNames(parser.Parse(remote.Description))
	parsedSet := make(map[string]bool, len(parsed))
	parsedChecked := make(map[string]bool, len(parsed))
	for _, p := range parsed {
		parsedSet[p.name] = true
		parsedChecked[p.name] = p.checked
	}

	existing := make(map[string]models.Item)
	for _, item := range items {
		if item.Source != models.SourceParsed {
			continue // manual items are outside the diff entirely
		}
		existing[item.Name] = item
	}

	for _, p := range parsed {
		if _, ok := existing[p.name]; !ok {
			// Post-creation adds are always unchecked; the parser's
			// checked flag only applies when the event is first seen.
			plan.ItemsToAdd = append(plan.ItemsToAdd, NewItem{Name: p.name})
		} else if opts.RecheckParsedItems && parsedChecked[p.name] && !existing[p.name].Checked {
			plan.Recheck = append(plan.Recheck, existing[p.name].ID)
		}
	}
	for _, item := range items {
		if item.Source != models.SourceParsed {
			continue
		}
		if !parsedSet[item.Name] {
			plan.ItemsToRemove = append(plan.ItemsToRemove, item.ID)
		}
	}

	return plan
}

// Cancel computes the plan for a provider-side cancellation marker. Unknown
// events and archived events produce a no-op.
func Cancel(local *models.Event) DeletionPlan {
	if local == nil || local.Archived || local.Deleted {
		return DeletionPlan{}
	}
	return DeletionPlan{Tombstone: true, EventID: local.ID}
}

type namedItem struct {
	name    string
	checked bool
}

// orderedNames deduplicates parsed entries by exact name, keeping first
// occurrence order. Reconciliation identity is the name string, so duplicate
// lines in a description collapse to one item.
func orderedNames(parsed []parser.ParsedItem) []namedItem {
	seen := make(map[string]bool, len(parsed))
	out := make([]namedItem, 0, len(parsed))
	for _, p := range parsed {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, namedItem{name: p.Name, checked: p.Checked})
	}
	return out
}

func convertAttendees(remote []models.RemoteAttendee) []models.Attendee {
	out := make([]models.Attendee, 0, len(remote))
	for _, a := range remote {
		status := a.ResponseStatus
		if status == "" {
			status = models.ResponseNeedsAction
		}
		out = append(out, models.Attendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: status,
		})
	}
	return out
}
