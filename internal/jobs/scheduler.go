package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedules runs outcome import early, stats and refresh after it,
// decay once a day and override recording hourly.
var DefaultSchedules = map[string]string{
	ImportOutcomes:         "15 4 * * *",
	RecomputeAccuracy:      "0 5 * * *",
	RefreshBias:            "30 5 * * 1",
	DecayBias:              "45 5 * * *",
	RecordOverrideOutcomes: "5 * * * *",
}

type Scheduler struct {
	runner  *Runner
	cron    *cron.Cron
	entries map[cron.EntryID]string
	ctx     context.Context
}

// NewScheduler registers each job on its cron expression, evaluated in loc.
// An empty expression disables that job.
func NewScheduler(runner *Runner, loc *time.Location, schedules map[string]string) (*Scheduler, error) {
	s := &Scheduler{
		runner:  runner,
		entries: make(map[cron.EntryID]string),
		ctx:     context.Background(),
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)

	for _, job := range Names {
		spec, ok := schedules[job]
		if !ok || spec == "" {
			log.Printf("scheduler: %s disabled", job)
			continue
		}
		id, err := s.cron.AddFunc(spec, func() { s.runJob(job) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job, spec, err)
		}
		s.entries[id] = job
	}
	for job := range schedules {
		if !Known(job) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
		}
	}
	return s, nil
}

func (s *Scheduler) runJob(job string) {
	if _, err := s.runner.Run(s.ctx, job, "cron", Params{}); err != nil {
		log.Printf("scheduler: %s: %v", job, err)
	}
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits
// for in-flight jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		log.Printf("scheduler: %s next at %s", s.entries[e.ID], e.Next.Format(time.RFC3339))
	}

	<-ctx.Done()
	log.Println("scheduler: shutting down")
	<-s.cron.Stop().Done()
}
