// Package scheduler runs jobs on cron schedules until the context ends.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled execution. A returned error is logged and the
// schedule continues.
type Job func(ctx context.Context) error

type Scheduler struct {
	loc     *time.Location
	nowFunc func() time.Time
	wg      sync.WaitGroup
}

func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{loc: loc, nowFunc: time.Now}
}

// Add starts a goroutine that runs job at every activation of sched. Runs of
// the same job never overlap: a run that overlaps the next activation delays
// it to the following one.
func (s *Scheduler) Add(ctx context.Context, name string, sched cron.Schedule, job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, name, sched, job)
	}()
}

// Wait blocks until every loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, sched cron.Schedule, job Job) {
	for {
		now := s.nowFunc().In(s.loc)
		next := sched.Next(now)
		if next.IsZero() {
			log.Printf("scheduler job=%s has no future activation, stopping", name)
			return
		}
		wait := next.Sub(now)
		log.Printf("scheduler job=%s next=%s in=%s", name, next.Format("Mon Jan 2 15:04"), wait.Round(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("scheduler job=%s stopped", name)
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := job(ctx); err != nil {
			log.Printf("scheduler job=%s error after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
		} else {
			log.Printf("scheduler job=%s done in %s", name, time.Since(start).Round(time.Millisecond))
		}
	}
}
