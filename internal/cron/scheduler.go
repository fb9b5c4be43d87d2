package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
)

// tickInterval is under a minute so a minute-resolution expression is never
// skipped; the last-run minute guard absorbs the duplicate checks.
const tickInterval = 30 * time.Second

// Scheduler fires due jobs onto the bus. Each firing publishes a
// system-channel inbound message carrying the delivery route in ChatID, so
// the dispatcher's system path routes the reply to the job's chat.
type Scheduler struct {
	store *Store
	bus   *bus.MessageBus
	gron  *gronx.Gronx

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewScheduler(store *Store, b *bus.MessageBus) *Scheduler {
	return &Scheduler{store: store, bus: b, gron: gronx.New(), done: make(chan struct{})}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()
	slog.Info("cron scheduler started", "jobs", len(s.store.List()))
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) tick(now time.Time) {
	for _, job := range s.store.List() {
		if !job.Enabled || sameMinute(job.LastRun, now) {
			continue
		}
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil {
			slog.Warn("cron expression check failed", "job", job.ID, "expr", job.Expr, "error", err)
			continue
		}
		if due {
			s.fire(job, now)
		}
	}
}

func (s *Scheduler) fire(job Job, now time.Time) {
	s.bus.PublishInbound(bus.InboundMessage{
		Channel:            "system",
		SenderID:           "cron",
		ChatID:             job.Channel + ":" + job.ChatID,
		Content:            job.Prompt,
		Timestamp:          now,
		SessionKeyOverride: "cron:" + job.ID,
	})

	next, err := gronx.NextTickAfter(job.Expr, now, false)
	if err != nil {
		next = time.Time{}
	}
	if err := s.store.MarkRun(job.ID, now, next); err != nil {
		slog.Warn("cron store update failed", "job", job.ID, "error", err)
	}
	slog.Info("cron job fired", "job", job.ID, "name", job.Name)
}

func sameMinute(a, b time.Time) bool {
	return !a.IsZero() && a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
}
