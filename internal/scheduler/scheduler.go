// Package scheduler drives the periodic billing jobs: period rollover with
// invoicing, provider event dispatch, wallet reconciliation and nightly
// analytics snapshots.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	analyticsdomain "github.com/tablierhq/tablier/internal/analytics/domain"
	billingeventdomain "github.com/tablierhq/tablier/internal/billingevent/domain"
	"github.com/tablierhq/tablier/internal/clock"
	invoicedomain "github.com/tablierhq/tablier/internal/invoice/domain"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	walletdomain "github.com/tablierhq/tablier/internal/wallet/domain"
	"github.com/tablierhq/tablier/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	BillingEventSvc billingeventdomain.Service
	WalletSvc       walletdomain.Service
	AnalyticsSvc    analyticsdomain.Service
	Metrics         *telemetry.Metrics `optional:"true"`
	Config          Config             `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	clock   clock.Clock
	metrics *telemetry.Metrics

	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	billingEventSvc billingeventdomain.Service
	walletSvc       walletdomain.Service
	analyticsSvc    analyticsdomain.Service

	// lastSnapshotDay gates the analytics job to one run per UTC day.
	lastSnapshotDay string
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.InvoiceSvc == nil || p.BillingEventSvc == nil || p.WalletSvc == nil || p.AnalyticsSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler"),
		cfg:     p.Config.withDefaults(),
		clock:   p.Clock,
		metrics: p.Metrics,

		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		billingEventSvc: p.BillingEventSvc,
		walletSvc:       p.WalletSvc,
		analyticsSvc:    p.AnalyticsSvc,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	s.metrics.IncJobRun(name)
	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Soft timeout; the next tick picks up where this one stopped.
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
		)
		return nil
	}
	s.log.Warn("job failed", zap.String("job", name), zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"dispatch_events", s.DispatchEventsJob},
		{"billing_rollover", s.BillingRolloverJob},
		{"reconcile_wallets", s.ReconcileWalletsJob},
		{"revenue_snapshots", s.RevenueSnapshotsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// BillingRolloverJob invoices every subscription whose period has elapsed and
// then advances it into the next period. Invoice first: the draft has to
// capture the counters and adjustments before the rollover resets them.
func (s *Scheduler) BillingRolloverJob(ctx context.Context) error {
	now := s.clock.Now()
	var jobErr error

	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}

		due, err := s.subscriptionSvc.ListDueForRollover(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(due) == 0 {
			return jobErr
		}

		processed := 0
		for _, sub := range due {
			if err := ctx.Err(); err != nil {
				return errors.Join(jobErr, err)
			}
			if err := s.rolloverOne(ctx, sub); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("subscription rollover failed",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err),
				)
				continue
			}
			processed++
		}
		// A full batch of failures would refetch the same rows forever.
		if processed == 0 {
			return jobErr
		}
	}
}

func (s *Scheduler) rolloverOne(ctx context.Context, sub subscriptiondomain.Subscription) error {
	invoice, err := s.invoiceSvc.GenerateForPeriod(ctx, sub.ID)
	if err != nil {
		return err
	}
	if s.cfg.FinalizeInvoices && invoice.Status == invoicedomain.StatusDraft {
		if _, err := s.invoiceSvc.Finalize(ctx, invoice.ID); err != nil {
			return err
		}
	}

	if _, err := s.subscriptionSvc.RollPeriod(ctx, sub.ID); err != nil {
		if errors.Is(err, subscriptiondomain.ErrPeriodNotElapsed) ||
			errors.Is(err, subscriptiondomain.ErrSubscriptionCanceled) {
			// Another worker or an earlier pass already moved it.
			return nil
		}
		return err
	}
	return nil
}

func (s *Scheduler) DispatchEventsJob(ctx context.Context) error {
	stats, err := s.billingEventSvc.DispatchPending(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if stats.Processed > 0 || stats.Discarded > 0 || stats.Failed > 0 {
		s.log.Info("provider events dispatched",
			zap.Int("processed", stats.Processed),
			zap.Int("discarded", stats.Discarded),
			zap.Int("failed", stats.Failed),
		)
	}
	return nil
}

func (s *Scheduler) ReconcileWalletsJob(ctx context.Context) error {
	results, err := s.walletSvc.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	for _, result := range results {
		if !result.Consistent {
			// Already counted and logged by the wallet service; surface the
			// run-level signal too.
			s.log.Error("wallet inconsistency detected",
				zap.String("restaurant_id", result.RestaurantID.String()),
			)
		}
	}
	return nil
}

// RevenueSnapshotsJob runs once per UTC day after the configured hour.
func (s *Scheduler) RevenueSnapshotsJob(ctx context.Context) error {
	now := s.clock.Now()
	if now.Hour() < s.cfg.SnapshotHour {
		return nil
	}
	day := now.Format("2006-01-02")
	if s.lastSnapshotDay == day {
		return nil
	}

	computed, err := s.analyticsSvc.ComputeSnapshots(ctx, now)
	if err != nil {
		return err
	}
	s.lastSnapshotDay = day
	s.log.Info("revenue snapshots computed", zap.Int("restaurants", computed))
	return nil
}
