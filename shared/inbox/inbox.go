// Package inbox records which events a consumer has already applied so that broker
// redeliveries are acknowledged without running the projection twice.
package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
)

// Ledger is keyed by (consumer, event id). A consumer is normally the queue name.
type Ledger interface {
	Processed(ctx context.Context, consumer, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, consumer, eventID string, kind messaging.EventKind) error
	Recent(ctx context.Context, consumer string, limit int) ([]Record, error)
}

type Record struct {
	EventID     string    `db:"event_id" json:"event_id"`
	Consumer    string    `db:"consumer" json:"consumer"`
	EventKind   string    `db:"event_kind" json:"event_kind"`
	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}

// Deduplicate wraps next so an event id already recorded for consumer is acked without
// being applied again. The id is recorded only after next succeeds; events without an
// id pass straight through.
func Deduplicate(ledger Ledger, consumer string, log logger.Logger, next messaging.Handler) messaging.Handler {
	return messaging.HandlerFunc(func(ctx context.Context, ev messaging.Event) error {
		if ev.ID == "" {
			return next.Handle(ctx, ev)
		}

		seen, err := ledger.Processed(ctx, consumer, ev.ID)
		if err != nil {
			return err
		}
		if seen {
			log.InfoCtx(ctx, "Skipping already processed event",
				logger.String("consumer", consumer),
				logger.String("event_id", ev.ID),
				logger.String("event_kind", string(ev.Kind)))
			return nil
		}

		if err := next.Handle(ctx, ev); err != nil {
			return err
		}

		// a failure here only means the next redelivery is applied again, which the
		// projections tolerate
		if err := ledger.MarkProcessed(ctx, consumer, ev.ID, ev.Kind); err != nil {
			log.WarnCtx(ctx, "Failed to record processed event",
				logger.String("consumer", consumer),
				logger.String("event_id", ev.ID),
				logger.Err(err))
		}
		return nil
	})
}

// MemoryLedger is a Ledger kept in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]map[string]Record
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]map[string]Record)}
}

func (l *MemoryLedger) Processed(_ context.Context, consumer, eventID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[consumer][eventID]
	return ok, nil
}

func (l *MemoryLedger) MarkProcessed(_ context.Context, consumer, eventID string, kind messaging.EventKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	byID, ok := l.entries[consumer]
	if !ok {
		byID = make(map[string]Record)
		l.entries[consumer] = byID
	}
	if _, exists := byID[eventID]; !exists {
		byID[eventID] = Record{
			EventID:     eventID,
			Consumer:    consumer,
			EventKind:   string(kind),
			ProcessedAt: time.Now().UTC(),
		}
	}
	return nil
}

func (l *MemoryLedger) Recent(_ context.Context, consumer string, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	records := make([]Record, 0, len(l.entries[consumer]))
	for _, r := range l.entries[consumer] {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ProcessedAt.After(records[j].ProcessedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Len is the number of events recorded for consumer.
func (l *MemoryLedger) Len(consumer string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[consumer])
}
