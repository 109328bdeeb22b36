// Package quota enforces per-day ceilings on countable user actions.
//
// Each counter is persisted as a JSON record in a storage.Store. Reads repair
// anything they cannot trust (missing, unparseable, stale or out of range
// records) by substituting a fresh zero record for today without writing it
// back. Increments always rewrite the whole record.
package quota

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xaenox/avo-bot/internal/storage"
	"go.uber.org/zap"
)

// DateLayout renders the calendar day used to detect rollover.
const DateLayout = "Mon Jan 02 2006"

// Counter describes one daily-limited action.
type Counter struct {
	Name  string
	Key   string
	Limit int
}

var (
	Questions = Counter{Name: "questions", Key: "daily_questions", Limit: 5}
	Plants    = Counter{Name: "plants", Key: "daily_plants", Limit: 3}
)

// WithLimit returns a copy of the counter with a different ceiling.
func (c Counter) WithLimit(limit int) Counter {
	if limit < 0 {
		limit = 0
	}
	c.Limit = limit
	return c
}

// Record is the persisted state of one counter.
type Record struct {
	Count      int    `json:"count"`
	Date       string `json:"date"`
	LastUpdate int64  `json:"lastUpdate"`
}

// storedRecord mirrors Record with pointer fields so that missing or
// mistyped values can be told apart from zero values.
type storedRecord struct {
	Count      *int    `json:"count"`
	Date       *string `json:"date"`
	LastUpdate int64   `json:"lastUpdate"`
}

type Option func(*Tracker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLocation sets the zone whose calendar day is "today".
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

type Tracker struct {
	store   storage.Store
	counter Counter
	key     string
	now     func() time.Time
	loc     *time.Location
	logger  *zap.Logger
}

func NewTracker(store storage.Store, counter Counter, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		counter: counter,
		key:     counter.Key,
		now:     time.Now,
		loc:     time.Local,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// For returns a tracker for the same counter scoped to a single owner.
func (t *Tracker) For(owner string) *Tracker {
	scoped := *t
	scoped.key = t.counter.Key + ":" + owner
	return &scoped
}

func (t *Tracker) Counter() Counter {
	return t.counter
}

func (t *Tracker) Limit() int {
	return t.counter.Limit
}

func (t *Tracker) today() (string, int64) {
	now := t.now()
	return now.In(t.loc).Format(DateLayout), now.UnixMilli()
}

func (t *Tracker) fresh() Record {
	date, ts := t.today()
	return Record{Count: 0, Date: date, LastUpdate: ts}
}

// Peek returns today's record, never failing.
func (t *Tracker) Peek(ctx context.Context) Record {
	raw, ok, err := t.store.Get(ctx, t.key)
	if err != nil {
		t.logger.Error("Failed to read quota record",
			zap.Error(err),
			zap.String("counter", t.counter.Name),
			zap.String("key", t.key))
		return t.fresh()
	}
	if !ok {
		return t.fresh()
	}

	var stored storedRecord
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.logger.Warn("Corrupt quota record, resetting counter",
			zap.Error(err),
			zap.String("counter", t.counter.Name),
			zap.String("key", t.key))
		return t.fresh()
	}

	today, _ := t.today()
	if stored.Date == nil || *stored.Date != today {
		return t.fresh()
	}

	if stored.Count == nil || *stored.Count < 0 || *stored.Count > t.counter.Limit {
		t.logger.Warn("Invalid quota count detected, resetting counter",
			zap.String("counter", t.counter.Name),
			zap.String("key", t.key))
		return t.fresh()
	}

	return Record{Count: *stored.Count, Date: *stored.Date, LastUpdate: stored.LastUpdate}
}

func (t *Tracker) Remaining(ctx context.Context) int {
	remaining := t.counter.Limit - t.Peek(ctx).Count
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *Tracker) HasReachedLimit(ctx context.Context) bool {
	return t.Peek(ctx).Count >= t.counter.Limit
}

// Increment counts one more action for today and returns how many remain.
// At the ceiling the count stays at the limit. A failed write reports zero
// remaining so that callers stop instead of granting unlimited use.
func (t *Tracker) Increment(ctx context.Context) int {
	current := t.Peek(ctx)
	newCount := current.Count + 1
	if newCount > t.counter.Limit {
		newCount = t.counter.Limit
	}

	date, ts := t.today()
	data, err := json.Marshal(Record{Count: newCount, Date: date, LastUpdate: ts})
	if err != nil {
		t.logger.Error("Failed to encode quota record", zap.Error(err), zap.String("key", t.key))
		return 0
	}

	if err := t.store.Set(ctx, t.key, string(data)); err != nil {
		t.logger.Error("Failed to persist quota record",
			zap.Error(err),
			zap.String("counter", t.counter.Name),
			zap.String("key", t.key))
		return 0
	}

	return t.counter.Limit - newCount
}
