// Package sweeper expires payment holds whose window has passed.
package sweeper

import (
	"context"
	"time"

	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/KAsare1/medibook-server/cmd/metrics"
	"github.com/KAsare1/medibook-server/db"
	"github.com/sirupsen/logrus"
)

const leaderKey = "sweeper:holds"

// Holds is the part of the appointment service the sweeper drives.
type Holds interface {
	OverdueInvoices(ctx context.Context, limit int) ([]uint, error)
	ExpireHold(ctx context.Context, invoiceID uint) (bool, error)
}

// Sweeper runs on every API instance. A shared lock makes sure only one of
// them sweeps per interval.
type Sweeper struct {
	holds  Holds
	locker db.Locker
	cfg    config.SweepConfig
	log    *logrus.Entry
}

func New(holds Holds, locker db.Locker, cfg config.SweepConfig, log *logrus.Entry) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Sweeper{holds: holds, locker: locker, cfg: cfg, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.cfg.Interval.String()).Info("Hold sweeper started")
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Error("Hold sweep failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info("Hold sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep expires every overdue hold, in batches. It returns how many holds
// were expired; zero when another instance holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	release, ok, err := s.locker.Acquire(ctx, leaderKey, s.cfg.LockTTL)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return 0, err
	}
	if !ok {
		metrics.SweepRuns.WithLabelValues("skipped").Inc()
		return 0, nil
	}
	defer release()

	expired := 0
	for {
		ids, err := s.holds.OverdueInvoices(ctx, s.cfg.BatchSize)
		if err != nil {
			metrics.SweepRuns.WithLabelValues("error").Inc()
			return expired, err
		}

		progressed := false
		for _, id := range ids {
			done, err := s.holds.ExpireHold(ctx, id)
			if err != nil {
				s.log.WithError(err).WithField("invoice_id", id).Warn("Could not expire hold")
				continue
			}
			if done {
				expired++
				progressed = true
				metrics.SweepExpired.Inc()
			}
		}
		// a short batch means nothing is left; no progress means the rest keep failing
		if len(ids) < s.cfg.BatchSize || !progressed {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	metrics.SweepRuns.WithLabelValues("ok").Inc()
	if expired > 0 {
		s.log.WithField("expired", expired).Info("Expired payment holds")
	}
	return expired, nil
}
