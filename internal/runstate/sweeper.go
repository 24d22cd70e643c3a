package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"tbwatch/internal/runlog"
)

// Sweeper periodically prunes stale run records for one user.
type Sweeper struct {
	store  *Store
	userID string
	maxAge time.Duration
	cron   *cron.Cron
	log    *runlog.Logger
}

func NewSweeper(store *Store, userID string, every, maxAge time.Duration, log *runlog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper requires a store")
	}
	if every <= 0 {
		every = time.Hour
	}
	if maxAge <= 0 {
		maxAge = defaultTTL
	}
	s := &Sweeper{
		store:  store,
		userID: userID,
		maxAge: maxAge,
		cron:   cron.New(),
		log:    log,
	}
	spec := fmt.Sprintf("@every %s", every)
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	removed, err := s.store.SweepStale(ctx, s.userID, s.maxAge)
	if err != nil {
		s.log.Logf(runlog.KindWarn, "run-record sweep: %v", err)
		return
	}
	if removed > 0 {
		s.log.Logf(runlog.KindInfo, "run-record sweep removed %d stale records", removed)
	}
}

func (s *Sweeper) Start() {
	if s == nil {
		return
	}
	s.cron.Start()
}

func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.cron.Stop()
}
