package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errRemote = errors.New("remote backend unavailable")

type fakeGoogle struct {
	events    map[string]GoogleEvent
	nextID    int
	listErr   error
	createErr error
	updateErr error
	deleteErr error
	creates   int
	updates   []string
	deletes   []string
}

func newFakeGoogle() *fakeGoogle {
	return &fakeGoogle{events: map[string]GoogleEvent{}, nextID: 1}
}

func (f *fakeGoogle) ListEvents(_ context.Context, _ time.Time) ([]GoogleEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]GoogleEvent, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeGoogle) CreateEvent(_ context.Context, ev GoogleEvent) (GoogleEvent, error) {
	if f.createErr != nil {
		return GoogleEvent{}, f.createErr
	}
	ev.ID = fmt.Sprintf("g-new-%d", f.nextID)
	f.nextID++
	f.events[ev.ID] = ev
	f.creates++
	return ev, nil
}

func (f *fakeGoogle) UpdateEvent(_ context.Context, id string, ev GoogleEvent) (GoogleEvent, error) {
	if f.updateErr != nil {
		return GoogleEvent{}, f.updateErr
	}
	ev.ID = id
	f.events[id] = ev
	f.updates = append(f.updates, id)
	return ev, nil
}

func (f *fakeGoogle) DeleteEvent(_ context.Context, id string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	delete(f.events, id)
	f.deletes = append(f.deletes, id)
	return true, nil
}

type fakeOutlook struct {
	events    map[string]OutlookEvent
	nextID    int
	listErr   error
	createErr error
	updateErr error
	deleteErr error
	creates   int
	updates   []string
	deletes   []string
}

func newFakeOutlook() *fakeOutlook {
	return &fakeOutlook{events: map[string]OutlookEvent{}, nextID: 1}
}

func (f *fakeOutlook) ListEvents(_ context.Context, _ time.Time) ([]OutlookEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]OutlookEvent, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeOutlook) CreateEvent(_ context.Context, ev OutlookEvent) (OutlookEvent, error) {
	if f.createErr != nil {
		return OutlookEvent{}, f.createErr
	}
	ev.ID = fmt.Sprintf("o-new-%d", f.nextID)
	f.nextID++
	f.events[ev.ID] = ev
	f.creates++
	return ev, nil
}

func (f *fakeOutlook) UpdateEvent(_ context.Context, id string, ev OutlookEvent) (OutlookEvent, error) {
	if f.updateErr != nil {
		return OutlookEvent{}, f.updateErr
	}
	ev.ID = id
	f.events[id] = ev
	f.updates = append(f.updates, id)
	return ev, nil
}

func (f *fakeOutlook) DeleteEvent(_ context.Context, id string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	delete(f.events, id)
	f.deletes = append(f.deletes, id)
	return true, nil
}

type fakeLegacy struct {
	events    map[string]LegacyEvent
	nextID    int
	listErr   error
	createErr error
	deleteErr error
	creates   int
	updates   []string
	deletes   []string
}

func newFakeLegacy() *fakeLegacy {
	return &fakeLegacy{events: map[string]LegacyEvent{}, nextID: 1}
}

func (f *fakeLegacy) ListEvents(_ context.Context, _ time.Time) ([]LegacyEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]LegacyEvent, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeLegacy) CreateEvent(_ context.Context, ev LegacyEvent) (LegacyEvent, error) {
	if f.createErr != nil {
		return LegacyEvent{}, f.createErr
	}
	ev.ID = fmt.Sprintf("l-new-%d", f.nextID)
	f.nextID++
	f.events[ev.ID] = ev
	f.creates++
	return ev, nil
}

func (f *fakeLegacy) UpdateEvent(_ context.Context, id string, ev LegacyEvent) (LegacyEvent, error) {
	ev.ID = id
	f.events[id] = ev
	f.updates = append(f.updates, id)
	return ev, nil
}

func (f *fakeLegacy) DeleteEvent(_ context.Context, id string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	delete(f.events, id)
	f.deletes = append(f.deletes, id)
	return true, nil
}
