// Package google wraps the Google Calendar API behind the narrow surface the
// sync core needs: incremental event listing with sync tokens, and
// description-only updates for the push-back path.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	googleauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Sentinel errors distinguishing the two fatal-to-a-pass failure classes.
// A sync pass aborts on either, leaving the cursor untouched.
var (
	// ErrUnavailable covers network failures, timeouts and 5xx responses.
	ErrUnavailable = errors.New("google: calendar unavailable")
	// ErrAuth covers invalid or expired credentials (401/403).
	ErrAuth = errors.New("google: authorization failed")
)

// Credentials identify the OAuth client and account used for API access.
// RefreshToken takes priority; TokenFile is the fallback for tokens saved by
// the auth command.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenFile    string
}

// Entry is one element of a listing page: either a full event snapshot or a
// cancellation marker.
type Entry struct {
	ProviderEventID string
	Cancelled       bool

	// Snapshot fields, meaningless when Cancelled.
	RecurringEventID string
	Title            string
	Description      string
	StartTime        time.Time
	EndTime          time.Time
	Attendees        []EntryAttendee
}

// EntryAttendee is a provider-reported attendee on a listing entry.
type EntryAttendee struct {
	Email          string
	DisplayName    string
	ResponseStatus string
}

// ListRequest selects between incremental (SyncToken set) and windowed full
// listing, plus pagination within either mode.
type ListRequest struct {
	SyncToken   string
	PageToken   string
	WindowStart time.Time
	WindowEnd   time.Time
}

// Page is one page of listing results. TokenInvalid signals that the
// provided sync token was rejected (HTTP 410) and a full resync is required;
// it is a signal, not an error.
type Page struct {
	Entries       []Entry
	NextPageToken string
	NextSyncToken string
	TokenInvalid  bool
}

// Client is the Google Calendar collaborator for one calendar.
type Client struct {
	service    *calendar.Service
	calendarID string
	logger     *slog.Logger
}

// NewClient builds an authenticated Calendar client from the given
// credentials.
func NewClient(ctx context.Context, logger *slog.Logger, creds Credentials, calendarID string) (*Client, error) {
	config := oauthConfig(creds.ClientID, creds.ClientSecret)

	token, err := loadToken(creds)
	if err != nil {
		return nil, fmt.Errorf("could not load Google token: %w. Run the 'auth' command or set GOOGLE_REFRESH_TOKEN", err)
	}

	service, err := calendar.NewService(ctx, option.WithHTTPClient(config.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	if calendarID == "" {
		calendarID = "primary"
	}
	return &Client{service: service, calendarID: calendarID, logger: logger}, nil
}

// ListEvents fetches one page of events. With a sync token only changes
// since the last pass are returned; otherwise the request is bounded by the
// time window. A rejected sync token is reported via Page.TokenInvalid.
func (c *Client) ListEvents(ctx context.Context, req ListRequest) (Page, error) {
	call := c.service.Events.List(c.calendarID).
		SingleEvents(true).
		Context(ctx)

	if req.SyncToken != "" {
		call = call.SyncToken(req.SyncToken).ShowDeleted(true)
	} else {
		call = call.
			TimeMin(req.WindowStart.UTC().Format(time.RFC3339)).
			TimeMax(req.WindowEnd.UTC().Format(time.RFC3339)).
			OrderBy("startTime")
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	result, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusGone {
			c.logger.Info("Sync token expired, full resync required")
			return Page{TokenInvalid: true}, nil
		}
		return Page{}, mapError("failed to list events", err)
	}

	page := Page{
		NextPageToken: result.NextPageToken,
		NextSyncToken: result.NextSyncToken,
	}
	for _, item := range result.Items {
		page.Entries = append(page.Entries, toEntry(item))
	}

	c.logger.Debug("Fetched events page", "count", len(page.Entries), "calendarID", c.calendarID)
	return page, nil
}

// GetEvent fetches a single event snapshot, used for on-demand refresh and
// for reading a recurring master event before a push.
func (c *Client) GetEvent(ctx context.Context, providerEventID string) (Entry, error) {
	item, err := c.service.Events.Get(c.calendarID, providerEventID).Context(ctx).Do()
	if err != nil {
		return Entry{}, mapError(fmt.Sprintf("failed to get event %s", providerEventID), err)
	}
	return toEntry(item), nil
}

// UpdateDescription pushes a description-only change to the provider. No
// other field is touched.
func (c *Client) UpdateDescription(ctx context.Context, providerEventID, description string) error {
	patch := &calendar.Event{Description: description}
	// ForceSendFields so an empty description clears the field instead of
	// being dropped from the request.
	patch.ForceSendFields = []string{"Description"}

	_, err := c.service.Events.Patch(c.calendarID, providerEventID, patch).Context(ctx).Do()
	if err != nil {
		return mapError(fmt.Sprintf("failed to update description of %s", providerEventID), err)
	}
	c.logger.Info("Pushed description to calendar", "eventID", providerEventID)
	return nil
}

// toEntry converts a Google Calendar event into the internal listing entry.
// All-day events carry a date instead of a dateTime and are pinned to
// midnight UTC.
func toEntry(item *calendar.Event) Entry {
	if item.Status == "cancelled" {
		return Entry{ProviderEventID: item.Id, Cancelled: true}
	}

	entry := Entry{
		ProviderEventID:  item.Id,
		RecurringEventID: item.RecurringEventId,
		Title:            item.Summary,
		Description:      item.Description,
		StartTime:        parseEventTime(item.Start),
		EndTime:          parseEventTime(item.End),
	}
	if entry.Title == "" {
		entry.Title = "Untitled"
	}
	for _, a := range item.Attendees {
		entry.Attendees = append(entry.Attendees, EntryAttendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
		})
	}
	return entry
}

func parseEventTime(dt *calendar.EventDateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	if dt.DateTime != "" {
		t, _ := time.Parse(time.RFC3339, dt.DateTime)
		return t
	}
	t, _ := time.Parse("2006-01-02", dt.Date)
	return t
}

// mapError classifies an API failure into the auth/unavailable taxonomy.
func mapError(msg string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", msg, ErrAuth, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", msg, ErrUnavailable, err)
}

func oauthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		Scopes: []string{
			calendar.CalendarReadonlyScope,
			calendar.CalendarEventsScope,
		},
		Endpoint: googleauth.Endpoint,
	}
}

// loadToken builds the OAuth token, preferring a long-lived refresh token
// from the environment over a token file saved by the auth command.
func loadToken(creds Credentials) (*oauth2.Token, error) {
	if creds.RefreshToken != "" {
		return &oauth2.Token{RefreshToken: creds.RefreshToken}, nil
	}
	if creds.TokenFile == "" {
		return nil, errors.New("no refresh token and no token file configured")
	}
	return tokenFromFile(creds.TokenFile)
}

// GetOAuthConfigForAuthFlow is used by the auth command to run the manual
// authorization-code flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set")
	}
	return oauthConfig(clientID, clientSecret), nil
}

// TokenFromWeb exchanges an authorization code for a token.
func TokenFromWeb(config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(context.Background(), authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
