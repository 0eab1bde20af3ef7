// Package models holds the local data model for synced calendar events and
// their checklists. These are internal representations, independent of the
// Google Calendar wire format.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Provenance records where a checklist item came from.
type Provenance string

const (
	// SourceParsed marks items extracted from the event description during sync.
	SourceParsed Provenance = "parsed"
	// SourceManual marks items added by the user. Manual items are never
	// removed by reconciliation, only by explicit user action.
	SourceManual Provenance = "manual"
)

// ResponseStatus is an attendee's reply to an invitation, as reported by
// Google Calendar.
type ResponseStatus string

const (
	ResponseAccepted    ResponseStatus = "accepted"
	ResponseDeclined    ResponseStatus = "declined"
	ResponseTentative   ResponseStatus = "tentative"
	ResponseNeedsAction ResponseStatus = "needsAction"
)

// Event is a calendar event synced from Google Calendar, stored locally with
// its checklist. Google is authoritative for the descriptive fields; the
// local store is authoritative for checklist state.
type Event struct {
	ID               uuid.UUID
	ProviderEventID  string // Google event id, unique
	RecurringEventID string // master event id for recurring instances, empty otherwise
	Title            string
	Description      string
	StartTime        time.Time
	EndTime          time.Time
	LastSynced       time.Time
	Archived         bool // archived events are read-only, sync never touches them
	Deleted          bool // provider-side cancellation tombstone; history is kept
	UserID           int
}

// Item is a single checklist entry belonging to an event.
type Item struct {
	ID      uuid.UUID
	EventID uuid.UUID
	Name    string
	Checked bool
	Source  Provenance
}

// Attendee is a person invited to an event. Attendees carry no local-only
// state and are fully replaced on every sync.
type Attendee struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	Email          string
	DisplayName    string
	ResponseStatus ResponseStatus
}

// Confirmation is an immutable audit record created when a user confirms the
// checklist for an event is complete. Repeat confirmations append new
// records; existing ones are never mutated.
type Confirmation struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	ConfirmedAt time.Time
	ConfirmedBy int
}

// RemoteEvent is one provider-side event snapshot as returned by the
// calendar client, already converted out of the Google wire format.
type RemoteEvent struct {
	ProviderEventID  string
	RecurringEventID string
	Title            string
	Description      string
	StartTime        time.Time
	EndTime          time.Time
	Attendees        []RemoteAttendee
}

// RemoteAttendee is a provider-reported attendee. Identity within an event
// is the email address.
type RemoteAttendee struct {
	Email          string
	DisplayName    string
	ResponseStatus ResponseStatus
}

// SyncCursor is the persisted incremental-sync state: the opaque continuation
// token issued by Google plus the time it was recorded. An empty token forces
// the next pass to run as a full windowed sync.
type SyncCursor struct {
	Token     string
	UpdatedAt time.Time
}
