// Package scheduler runs the periodic sweeps: match expiry, intent expiry,
// and reputation decay.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openclaw/clawmarket/internal/service/intents"
	"github.com/openclaw/clawmarket/internal/service/matches"
	"github.com/openclaw/clawmarket/internal/service/reputation"
)

// Schedules are the cron expressions for each sweep, standard 5-field
// syntax (minute, hour, dom, month, dow).
type Schedules struct {
	ExpireMatches string // default hourly
	CloseIntents  string // default daily
	DecayAll      string // default monthly
}

// DefaultSchedules returns the production sweep cadence.
func DefaultSchedules() Schedules {
	return Schedules{
		ExpireMatches: "0 * * * *",
		CloseIntents:  "30 2 * * *",
		DecayAll:      "0 3 1 * *",
	}
}

// Scheduler owns the cron runner. Each sweep is single-flight by cron's
// default serial job semantics per entry; re-runs are idempotent.
type Scheduler struct {
	cron       *cron.Cron
	matches    *matches.Service
	intents    *intents.Service
	reputation *reputation.Service
	logger     *slog.Logger
}

// New creates a scheduler and registers the three sweeps.
func New(s Schedules, m *matches.Service, i *intents.Service, r *reputation.Service, logger *slog.Logger) (*Scheduler, error) {
	sched := &Scheduler{
		cron:       cron.New(),
		matches:    m,
		intents:    i,
		reputation: r,
		logger:     logger,
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"expire_matches", s.ExpireMatches, sched.expireMatches},
		{"close_intents", s.CloseIntents, sched.closeIntents},
		{"decay_all", s.DecayAll, sched.decayAll},
	}
	for _, j := range jobs {
		j := j
		if _, err := sched.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			j.run(ctx)
		}); err != nil {
			return nil, fmt.Errorf("scheduler: register %s %q: %w", j.name, j.spec, err)
		}
	}
	return sched, nil
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler: started")
}

// Stop halts scheduling and waits for in-flight sweeps to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out with sweeps in flight")
	}
}

func (s *Scheduler) expireMatches(ctx context.Context) {
	n, err := s.matches.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("scheduler: expire matches sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("scheduler: expired stale matches", "count", n)
	}
}

func (s *Scheduler) closeIntents(ctx context.Context) {
	n, err := s.intents.CloseExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("scheduler: close intents sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("scheduler: closed expired intents", "count", n)
	}
}

func (s *Scheduler) decayAll(ctx context.Context) {
	n, err := s.reputation.DecayAll(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("scheduler: decay sweep failed", "error", err)
		return
	}
	s.logger.Info("scheduler: reputation decay sweep complete", "agents_decayed", n)
}
