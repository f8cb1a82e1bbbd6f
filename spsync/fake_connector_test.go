package spsync_test

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-spsync/spsync"
)

// fakeConnector is an in-memory remote store honoring the connector
// contract: filters, (Modified, Id) ordering, ETag concurrency and
// unique-PK create semantics.
type fakeConnector struct {
	mu           sync.Mutex
	listsByTitle map[string]uuid.UUID
	lists        map[uuid.UUID]*fakeList
	clock        time.Time

	createCalls int
	updateCalls int
	queryCalls  int
	queryLog    []uuid.UUID

	// rejectSelect simulates an older server schema: any query whose
	// $select names this column fails with a 400 citing it.
	rejectSelect string
}

type fakeList struct {
	pkField string
	nextID  int
	items   map[int]*fakeItem
}

type fakeItem struct {
	id       int
	version  int
	modified time.Time
	fields   map[string]any
}

func (it *fakeItem) etag() string { return fmt.Sprintf("%d", it.version) }

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		listsByTitle: make(map[string]uuid.UUID),
		lists:        make(map[uuid.UUID]*fakeList),
		clock:        time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func (f *fakeConnector) addList(title, pkField string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.listsByTitle[title] = id
	f.lists[id] = &fakeList{pkField: pkField, nextID: 1, items: make(map[int]*fakeItem)}
	return id
}

// seedItem installs a server row directly, bypassing uniqueness checks.
func (f *fakeConnector) seedItem(listID uuid.UUID, fields map[string]any, modified time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[listID]
	id := list.nextID
	list.nextID++
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	list.items[id] = &fakeItem{id: id, version: 1, modified: modified, fields: copied}
	return id
}

// serverUpdate mutates a row as if another client wrote it.
func (f *fakeConnector) serverUpdate(listID uuid.UUID, id int, fields map[string]any, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.lists[listID].items[id]
	for k, v := range fields {
		item.fields[k] = v
	}
	item.version++
	item.modified = modified
}

func (f *fakeConnector) itemFields(listID uuid.UUID, id int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any)
	for k, v := range f.lists[listID].items[id].fields {
		out[k] = v
	}
	return out
}

func (f *fakeConnector) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeConnector) GetListIDByTitle(ctx context.Context, title string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.listsByTitle[title]; ok {
		return id, nil
	}
	return uuid.Nil, &spsync.RemoteError{StatusCode: 404, ReasonPhrase: "Not Found", Body: "list " + title}
}

var (
	eqFilterRe = regexp.MustCompile(`^(\w+) eq '((?:[^']|'')*)'$`)
	geFilterRe = regexp.MustCompile(`^(\w+) ge datetime'([^']+)'$`)
)

func (f *fakeConnector) QueryListItems(ctx context.Context, listID uuid.UUID, q spsync.ListQuery) (*spsync.ItemPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	f.queryLog = append(f.queryLog, listID)
	list, ok := f.lists[listID]
	if !ok {
		return nil, &spsync.RemoteError{StatusCode: 404, ReasonPhrase: "Not Found", Body: "list"}
	}
	if f.rejectSelect != "" {
		for _, sel := range q.Select {
			if sel == f.rejectSelect {
				return nil, &spsync.RemoteError{StatusCode: 400, ReasonPhrase: "Bad Request",
					Body: "The field or property '" + f.rejectSelect + "' does not exist"}
			}
		}
	}

	match := func(it *fakeItem) bool { return true }
	if q.Filter != "" {
		if m := eqFilterRe.FindStringSubmatch(q.Filter); m != nil {
			field, want := m[1], strings.ReplaceAll(m[2], "''", "'")
			match = func(it *fakeItem) bool {
				return spsync.AsString(it.fields[field]) == want
			}
		} else if m := geFilterRe.FindStringSubmatch(q.Filter); m != nil {
			field := m[1]
			bound, err := time.Parse("2006-01-02T15:04:05Z", m[2])
			if err != nil {
				return nil, &spsync.RemoteError{StatusCode: 400, ReasonPhrase: "Bad Request", Body: "bad datetime"}
			}
			match = func(it *fakeItem) bool {
				if field == "Modified" {
					return !it.modified.Before(bound)
				}
				t, ok := spsync.AsTime(it.fields[field])
				return ok && !t.Before(bound)
			}
		} else {
			return nil, &spsync.RemoteError{StatusCode: 400, ReasonPhrase: "Bad Request", Body: "unsupported filter " + q.Filter}
		}
	}

	var selected []*fakeItem
	for _, it := range list.items {
		if match(it) {
			selected = append(selected, it)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if !selected[i].modified.Equal(selected[j].modified) {
			return selected[i].modified.Before(selected[j].modified)
		}
		return selected[i].id < selected[j].id
	})

	page := &spsync.ItemPage{}
	for _, it := range selected {
		page.Items = append(page.Items, it.toListItem())
	}
	return page, nil
}

func (f *fakeConnector) GetListItem(ctx context.Context, listID uuid.UUID, id int, selectFields []string) (*spsync.ListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list, ok := f.lists[listID]
	if !ok {
		return nil, &spsync.RemoteError{StatusCode: 404, ReasonPhrase: "Not Found", Body: "list"}
	}
	item, ok := list.items[id]
	if !ok {
		return nil, &spsync.RemoteError{StatusCode: 404, ReasonPhrase: "Not Found", Body: "item"}
	}
	li := item.toListItem()
	return &li, nil
}

func (f *fakeConnector) CreateListItem(ctx context.Context, listID uuid.UUID, fields map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	list, ok := f.lists[listID]
	if !ok {
		return 0, &spsync.RemoteError{StatusCode: 404, ReasonPhrase: "Not Found", Body: "list"}
	}

	pk := spsync.AsString(fields[list.pkField])
	for _, it := range list.items {
		if spsync.AsString(it.fields[list.pkField]) == pk {
			return 0, &spsync.RemoteError{StatusCode: 409, ReasonPhrase: "Conflict",
				Body: "an item with this key already exists"}
		}
	}

	id := list.nextID
	list.nextID++
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	list.items[id] = &fakeItem{id: id, version: 1, modified: f.tickLocked(), fields: copied}
	return id, nil
}

func (f *fakeConnector) UpdateListItem(ctx context.Context, listID uuid.UUID, id int, fields map[string]any, ifMatchETag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	list, ok := f.lists[listID]
	if !ok {
		return &spsync.RemoteError{StatusCode: 404, ReasonPhrase: "Not Found", Body: "list"}
	}
	item, ok := list.items[id]
	if !ok {
		return &spsync.RemoteError{StatusCode: 404, ReasonPhrase: "Not Found", Body: "item"}
	}
	if ifMatchETag != "*" && ifMatchETag != item.etag() {
		return &spsync.RemoteError{StatusCode: 412, ReasonPhrase: "Precondition Failed",
			Body: "etag mismatch"}
	}
	for k, v := range fields {
		item.fields[k] = v
	}
	item.version++
	item.modified = f.tickLocked()
	return nil
}

func (f *fakeConnector) tickLocked() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (it *fakeItem) toListItem() spsync.ListItem {
	fields := make(map[string]any, len(it.fields)+2)
	for k, v := range it.fields {
		fields[k] = v
	}
	fields["Id"] = it.id
	fields["Modified"] = it.modified.Format(time.RFC3339)
	return spsync.ListItem{
		ID:          it.id,
		ETag:        it.etag(),
		ModifiedUtc: it.modified,
		Fields:      fields,
	}
}
