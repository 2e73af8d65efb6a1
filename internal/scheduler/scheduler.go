// Package scheduler wraps cron with the Pacific scheduling clock. The
// phase FSM registers its transition times here; everything fires in the
// configured scheduling timezone regardless of host TZ.
package scheduler

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs named jobs on cron schedules in a fixed location.
type Scheduler struct {
	cron   *cron.Cron
	logger *log.Logger
	loc    *time.Location
}

// New creates a scheduler pinned to loc.
func New(loc *time.Location, logger *log.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger,
		loc:    loc,
	}
}

// AddJob registers fn on a standard 5-field cron spec. Panics inside fn
// are recovered and logged; one bad tick must not kill the process.
func (s *Scheduler) AddJob(spec, name string, fn func()) error {
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Printf("scheduled job %s panicked: %v", name, r)
			}
		}()
		s.logger.Printf("scheduled job firing: %s", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("scheduling %s (%q): %w", name, spec, err)
	}
	return nil
}

// Start begins dispatching in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Printf("scheduler started in %s", s.loc)
}

// Stop halts dispatch and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Printf("scheduler stopped")
}

// Now returns the current time in the scheduling location.
func (s *Scheduler) Now() time.Time {
	return time.Now().In(s.loc)
}
