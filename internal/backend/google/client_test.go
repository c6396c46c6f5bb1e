package google

import (
	"context"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/agentworkforce/calbridge/internal/calsync"
)

type fakeAPI struct {
	pages     map[string]*calendar.Events
	created   []*calendar.Event
	updated   map[string]*calendar.Event
	deleteErr error
	deleted   []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages:   map[string]*calendar.Events{},
		updated: map[string]*calendar.Event{},
	}
}

func (f *fakeAPI) ListEvents(ctx context.Context, timeMin, pageToken string) (*calendar.Events, error) {
	page, ok := f.pages[pageToken]
	if !ok {
		return &calendar.Events{}, nil
	}
	return page, nil
}

func (f *fakeAPI) CreateEvent(ctx context.Context, ev *calendar.Event) (*calendar.Event, error) {
	out := *ev
	out.Id = "g-created"
	f.created = append(f.created, &out)
	return &out, nil
}

func (f *fakeAPI) UpdateEvent(ctx context.Context, id string, ev *calendar.Event) (*calendar.Event, error) {
	out := *ev
	out.Id = id
	f.updated[id] = &out
	return &out, nil
}

func (f *fakeAPI) DeleteEvent(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func TestListEventsPaginatesAndSkipsCancelled(t *testing.T) {
	api := newFakeAPI()
	api.pages[""] = &calendar.Events{
		Items: []*calendar.Event{
			{Id: "g1", Summary: "First", Start: &calendar.EventDateTime{DateTime: "2025-03-10T09:00:00Z"}},
			{Id: "g-gone", Summary: "Cancelled", Status: "cancelled"},
		},
		NextPageToken: "page-2",
	}
	api.pages["page-2"] = &calendar.Events{
		Items: []*calendar.Event{
			{Id: "g2", Summary: "Second", Start: &calendar.EventDateTime{Date: "2025-03-11"}},
		},
	}

	events, err := NewClient(api, nil).ListEvents(context.Background(), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events across pages, got %d", len(events))
	}
	if events[0].ID != "g1" || events[1].ID != "g2" {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[1].Start.Date != "2025-03-11" {
		t.Fatalf("all-day date not carried: %+v", events[1].Start)
	}
}

func TestCreateEventCarriesPrivateProperties(t *testing.T) {
	api := newFakeAPI()
	created, err := NewClient(api, nil).CreateEvent(context.Background(), calsync.GoogleEvent{
		Summary: "Planning",
		Start:   calsync.GoogleDateTime{DateTime: "2025-03-10T09:00:00Z"},
		End:     calsync.GoogleDateTime{DateTime: "2025-03-10T10:00:00Z"},
		Private: map[string]string{"outlook_id": "o7"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "g-created" {
		t.Fatalf("id: %q", created.ID)
	}
	if created.Private["outlook_id"] != "o7" {
		t.Fatalf("private properties lost: %+v", created.Private)
	}
	if len(api.created) != 1 || api.created[0].ExtendedProperties == nil {
		t.Fatalf("extended properties not sent to the API")
	}
}

func TestUpdateEvent(t *testing.T) {
	api := newFakeAPI()
	updated, err := NewClient(api, nil).UpdateEvent(context.Background(), "g1", calsync.GoogleEvent{
		Summary: "Renamed",
		Start:   calsync.GoogleDateTime{DateTime: "2025-03-10T09:00:00Z"},
		End:     calsync.GoogleDateTime{DateTime: "2025-03-10T10:00:00Z"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != "g1" || updated.Summary != "Renamed" {
		t.Fatalf("update result: %+v", updated)
	}
	if _, ok := api.updated["g1"]; !ok {
		t.Fatalf("update never reached the API")
	}
}

func TestDeleteEventTreatsGoneAsDeleted(t *testing.T) {
	api := newFakeAPI()
	api.deleteErr = &googleapi.Error{Code: 404, Message: "Not Found"}

	gone, err := NewClient(api, nil).DeleteEvent(context.Background(), "g-missing")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !gone {
		t.Fatalf("404 should count as already gone")
	}

	api.deleteErr = &googleapi.Error{Code: 403, Message: "Forbidden"}
	if _, err := NewClient(api, nil).DeleteEvent(context.Background(), "g1"); err == nil {
		t.Fatalf("non-gone API error should surface")
	}
}
