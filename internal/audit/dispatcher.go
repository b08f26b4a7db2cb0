package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"crewline/internal/events"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatch        = 100
)

// Dispatcher follows the event stream with a cursor and feeds each new event
// to the rule engine. It also sweeps for overdue tasks, turning each into a
// single deadline_exceeded event.
type Dispatcher struct {
	Audit    Engine
	Interval time.Duration

	mu     sync.Mutex
	cursor int64
	init   bool
}

func NewDispatcher(a Engine) *Dispatcher {
	interval := defaultPollInterval
	if a.Core.Config != nil && a.Core.Config.Audit.PollIntervalSeconds > 0 {
		interval = time.Duration(a.Core.Config.Audit.PollIntervalSeconds) * time.Second
	}
	return &Dispatcher{Audit: a, Interval: interval}
}

// Start runs the dispatcher until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one dispatch round: deadline sweep, then event drain. It is
// exported so tests can drive the dispatcher without the ticker. The cursor
// is pinned before the sweep so deadline events the sweep emits are drained
// in the same round.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.cursorValue(ctx)
	if err := d.sweepDeadlines(ctx); err != nil {
		log.Printf("audit: deadline sweep failed: %v", err)
	}
	d.drainEvents(ctx)
}

func (d *Dispatcher) drainEvents(ctx context.Context) {
	cursor := d.cursorValue(ctx)
	evts, err := d.Audit.Core.Repo.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		log.Printf("audit: fetch events failed: %v", err)
		return
	}
	for _, evt := range evts {
		if err := d.Audit.Evaluate(ctx, evt); err != nil {
			log.Printf("audit: evaluate event %d failed: %v", evt.ID, err)
		}
		d.setCursor(evt.ID)
	}
}

// cursorValue initializes the cursor to the stream head on first use, so a
// fresh dispatcher does not replay history.
func (d *Dispatcher) cursorValue(ctx context.Context) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.init {
		return d.cursor
	}
	cur, err := d.Audit.Core.Repo.LatestEventID(ctx)
	if err != nil {
		log.Printf("audit: init cursor failed: %v", err)
		cur = 0
	}
	d.cursor = cur
	d.init = true
	return d.cursor
}

func (d *Dispatcher) setCursor(value int64) {
	d.mu.Lock()
	d.cursor = value
	d.mu.Unlock()
}

// sweepDeadlines emits one deadline_exceeded event per overdue task. The
// HasEvent guard makes the sweep idempotent across ticks.
func (d *Dispatcher) sweepDeadlines(ctx context.Context) error {
	core := d.Audit.Core
	now := core.Now().UTC().Format(time.RFC3339)
	overdue, err := core.Repo.OverdueTasks(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range overdue {
		seen, err := core.Repo.HasEvent(ctx, "task", t.ID, "deadline_exceeded")
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		tx, err := core.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		err = core.Events.Append(ctx, tx, events.Record{
			EntityType:    "task",
			EntityID:      t.ID,
			EventType:     "deadline_exceeded",
			PreviousState: t.Status,
			ActorID:       "system",
			Reason:        "due " + stringValue(t.DueAt),
		})
		if err == nil {
			err = tx.Commit()
		} else {
			tx.Rollback()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
