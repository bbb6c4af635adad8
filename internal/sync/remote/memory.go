package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/models"
)

// Call describes one accessor invocation seen by Memory.
type Call struct {
	Op       string
	Table    models.TableName
	RecordID string
}

// FaultFunc decides whether a call fails. A nil error lets it through.
type FaultFunc func(call Call) error

// Memory is an in-process Accessor. It records every call and can be told
// to fail or stall calls.
type Memory struct {
	mu      sync.Mutex
	tables  map[models.TableName]map[string]Row
	subs    map[models.TableName]map[int]func(ChangeEvent)
	nextSub int
	calls   []Call
	fault   FaultFunc
	delay   time.Duration
}

// NewMemory creates an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		tables: map[models.TableName]map[string]Row{
			models.TableTodos:  {},
			models.TableGroups: {},
		},
		subs: map[models.TableName]map[int]func(ChangeEvent){},
	}
}

// SetFault installs fn as the fault injector; nil removes it.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// SetDelay makes every call wait d before running, or until ctx is done.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns the calls seen so far.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// ResetCalls forgets recorded calls.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Get returns a copy of one row, or nil.
func (m *Memory) Get(table models.TableName, id string) Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		return nil
	}
	return copyRow(row)
}

// Len returns the number of rows in table.
func (m *Memory) Len(table models.TableName) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// begin records the call, applies the delay and the fault injector.
func (m *Memory) begin(ctx context.Context, call Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	fault, delay := m.fault, m.delay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.ErrRemote, call.Op+" "+string(call.Table), ctx.Err())
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, call.Op+" "+string(call.Table), err)
	}
	if fault != nil {
		if err := fault(call); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) table(table models.TableName) (map[string]Row, error) {
	t, ok := m.tables[table]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown remote table %q", table))
	}
	return t, nil
}

func filterRecordID(filter Filter) string {
	for _, c := range filter {
		if c.Column == "id" {
			return key(c.Value)
		}
	}
	return ""
}

// Select returns copies of the rows matching filter.
func (m *Memory) Select(ctx context.Context, table models.TableName, filter Filter, order ...Order) ([]Row, error) {
	if err := m.begin(ctx, Call{Op: "select", Table: table, RecordID: filterRecordID(filter)}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	out := []Row{}
	for _, row := range t {
		if matches(row, filter) {
			out = append(out, copyRow(row))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range order {
			a, b := key(out[i][o.Column]), key(out[j][o.Column])
			if a == b {
				continue
			}
			if o.Desc {
				return a > b
			}
			return a < b
		}
		return key(out[i]["id"]) < key(out[j]["id"])
	})
	return out, nil
}

// Insert adds rows, failing on a duplicate id.
func (m *Memory) Insert(ctx context.Context, table models.TableName, rows ...Row) error {
	var events []ChangeEvent
	for _, row := range rows {
		id := key(row["id"])
		if err := m.begin(ctx, Call{Op: "insert", Table: table, RecordID: id}); err != nil {
			return err
		}
		m.mu.Lock()
		t, err := m.table(table)
		if err == nil {
			if _, dup := t[id]; dup {
				err = apperrors.New(apperrors.ErrRemote, fmt.Sprintf("duplicate key %s in %s", id, table))
			} else {
				t[id] = copyRow(row)
			}
		}
		m.mu.Unlock()
		if err != nil {
			return err
		}
		events = append(events, ChangeEvent{Table: table, Type: EventInsert, RecordID: id, UserID: key(row["user_id"])})
	}
	m.notify(events...)
	return nil
}

// Update merges patch into every row matching filter.
func (m *Memory) Update(ctx context.Context, table models.TableName, patch Row, filter Filter) error {
	if err := m.begin(ctx, Call{Op: "update", Table: table, RecordID: filterRecordID(filter)}); err != nil {
		return err
	}
	m.mu.Lock()
	t, err := m.table(table)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var events []ChangeEvent
	for id, row := range t {
		if !matches(row, filter) {
			continue
		}
		for c, v := range patch {
			row[c] = v
		}
		events = append(events, ChangeEvent{Table: table, Type: EventUpdate, RecordID: id, UserID: key(row["user_id"])})
	}
	m.mu.Unlock()

	m.notify(events...)
	return nil
}

// Delete removes every row matching filter.
func (m *Memory) Delete(ctx context.Context, table models.TableName, filter Filter) error {
	if len(filter) == 0 {
		return apperrors.New(apperrors.ErrInvalid, "delete without filter")
	}
	if err := m.begin(ctx, Call{Op: "delete", Table: table, RecordID: filterRecordID(filter)}); err != nil {
		return err
	}
	m.mu.Lock()
	t, err := m.table(table)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var events []ChangeEvent
	for id, row := range t {
		if matches(row, filter) {
			delete(t, id)
			events = append(events, ChangeEvent{Table: table, Type: EventDelete, RecordID: id, UserID: key(row["user_id"])})
		}
	}
	m.mu.Unlock()

	m.notify(events...)
	return nil
}

// Upsert inserts row or merges it into the row with the same id.
func (m *Memory) Upsert(ctx context.Context, table models.TableName, row Row) error {
	id := key(row["id"])
	if id == "" {
		return apperrors.New(apperrors.ErrInvalid, "upsert without id")
	}
	if err := m.begin(ctx, Call{Op: "upsert", Table: table, RecordID: id}); err != nil {
		return err
	}
	m.mu.Lock()
	t, err := m.table(table)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	kind := EventUpdate
	existing, ok := t[id]
	if !ok {
		kind = EventInsert
		existing = Row{}
		t[id] = existing
	}
	for c, v := range row {
		existing[c] = v
	}
	event := ChangeEvent{Table: table, Type: kind, RecordID: id, UserID: key(existing["user_id"])}
	m.mu.Unlock()

	m.notify(event)
	return nil
}

// Subscribe registers fn for changes on table.
func (m *Memory) Subscribe(ctx context.Context, table models.TableName, fn func(ChangeEvent)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.table(table); err != nil {
		return nil, err
	}
	if m.subs[table] == nil {
		m.subs[table] = map[int]func(ChangeEvent){}
	}
	m.nextSub++
	id := m.nextSub
	m.subs[table][id] = fn

	sub := &memorySubscription{m: m, table: table, id: id, stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.stop:
		}
	}()
	return sub, nil
}

func (m *Memory) notify(events ...ChangeEvent) {
	for _, e := range events {
		m.mu.Lock()
		fns := make([]func(ChangeEvent), 0, len(m.subs[e.Table]))
		for _, fn := range m.subs[e.Table] {
			fns = append(fns, fn)
		}
		m.mu.Unlock()

		for _, fn := range fns {
			fn(e)
		}
	}
}

type memorySubscription struct {
	m     *Memory
	table models.TableName
	id    int
	once  sync.Once
	stop  chan struct{}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs[s.table], s.id)
		s.m.mu.Unlock()
		close(s.stop)
	})
	return nil
}

func matches(row Row, filter Filter) bool {
	for _, c := range filter {
		if key(row[c.Column]) != key(c.Value) {
			return false
		}
	}
	return true
}

// key renders a column value so that equal values compare equal and times
// sort chronologically.
func key(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return models.FormatTime(x)
	case *time.Time:
		if x == nil {
			return ""
		}
		return models.FormatTime(*x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func copyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

var _ Accessor = (*Memory)(nil)
