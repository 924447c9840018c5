package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fitstack/trainerbilling/pkg/async"
	"github.com/fitstack/trainerbilling/pkg/logger"
)

// SweepConfig tunes the reconciliation sweep.
type SweepConfig struct {
	// Concurrency bounds how many trainers are reconciled in parallel within
	// each channel.
	Concurrency int `env:"SWEEP_CONCURRENCY" envDefault:"8"`
	// ProviderTimeout caps each per-trainer provider query.
	ProviderTimeout time.Duration `env:"SWEEP_PROVIDER_TIMEOUT" envDefault:"15s"`
	// Interval enables the built-in ticker when positive. Zero means the
	// sweep only runs when triggered externally.
	Interval time.Duration `env:"SWEEP_INTERVAL" envDefault:"0"`
}

// Reconciler periodically re-derives subscription state from the billing
// providers, closing the gap left by webhook deliveries that never arrived.
// Every correction goes through the same guard and state machine as a live
// event, so a sweep can never clobber fresher webhook data.
type Reconciler struct {
	svc *Service
	cfg SweepConfig
	log *slog.Logger
}

// NewReconciler creates a sweep runner over an existing billing service.
func NewReconciler(svc *Service, cfg SweepConfig, log *slog.Logger) *Reconciler {
	if svc == nil {
		panic("billing: Service is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{svc: svc, cfg: cfg, log: log}
}

// SweepReport summarizes one sweep run. Failed counts trainers whose provider
// query or store write failed; those are retried naturally on the next run.
type SweepReport struct {
	mu      sync.Mutex
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Stale   int `json:"stale"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (r *SweepReport) count(f func(*SweepReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(r)
}

// Run executes one full sweep. The card and app-store channels run in
// parallel; within each channel trainers are reconciled with bounded
// concurrency. A failure for one trainer never aborts the run, so the
// returned error only reflects listing failures.
func (r *Reconciler) Run(ctx context.Context) (*SweepReport, error) {
	started := time.Now()
	report := &SweepReport{}

	cardF := async.Async(ctx, report, r.sweepCardChannel)
	iosF := async.Async(ctx, report, r.sweepAppStoreChannel)
	_, err := async.WaitAll(cardF, iosF)

	r.log.InfoContext(ctx, "reconciliation sweep finished",
		slog.Duration("took", time.Since(started)),
		slog.Int("scanned", report.Scanned),
		slog.Int("updated", report.Updated),
		slog.Int("stale", report.Stale),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return report, err
}

// RunPeriodically runs sweeps on the configured interval until the context is
// canceled. No-op when Interval is zero.
func (r *Reconciler) RunPeriodically(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.log.ErrorContext(ctx, "reconciliation sweep failed", logger.Error(err))
			}
		}
	}
}

func (r *Reconciler) sweepCardChannel(ctx context.Context, report *SweepReport) (struct{}, error) {
	trainers, err := r.svc.store.ListWithBillingCustomer(ctx)
	if err != nil {
		return struct{}{}, err
	}
	async.ForEach(ctx, trainers, r.cfg.Concurrency, func(ctx context.Context, t Trainer) error {
		r.reconcileCardTrainer(ctx, &t, report)
		return nil
	})
	return struct{}{}, nil
}

func (r *Reconciler) sweepAppStoreChannel(ctx context.Context, report *SweepReport) (struct{}, error) {
	trainers, err := r.svc.store.ListWithIOSReceipt(ctx)
	if err != nil {
		return struct{}{}, err
	}
	async.ForEach(ctx, trainers, r.cfg.Concurrency, func(ctx context.Context, t Trainer) error {
		r.reconcileAppStoreTrainer(ctx, &t, report)
		return nil
	})
	return struct{}{}, nil
}

// reconcileCardTrainer re-derives one trainer's state from the card provider
// and feeds it through ApplySignal as a sweep-sourced signal.
func (r *Reconciler) reconcileCardTrainer(ctx context.Context, t *Trainer, report *SweepReport) {
	report.count(func(rep *SweepReport) { rep.Scanned++ })

	qctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()

	snap, err := r.svc.card.CurrentSubscription(qctx, t.BillingCustomerID)
	if err != nil {
		report.count(func(rep *SweepReport) { rep.Failed++ })
		r.log.WarnContext(ctx, "sweep provider query failed",
			logger.Error(errors.Join(ErrProviderQuery, err)),
			logger.TrainerID(t.ID), logger.CustomerID(t.BillingCustomerID))
		return
	}

	sig := Signal{
		TrainerID:  t.ID,
		OccurredAt: r.svc.now(),
		Source:     SourceSweep,
	}
	if snap == nil {
		// No subscription on the provider side at all: whatever we stored is
		// orphaned and the trainer holds no entitlement.
		sig.Kind = KindCanceled
		sig.RawStatus = string(StatusNone)
	} else {
		sig.Kind = KindForProviderStatus(snap.Status)
		sig.RawStatus = snap.Status
	}

	r.settle(ctx, sig, report)
}

// reconcileAppStoreTrainer re-verifies the trainer's retained receipt. The
// synthesized signal rides the app-store timeline so it orders correctly
// against live store notifications.
func (r *Reconciler) reconcileAppStoreTrainer(ctx context.Context, t *Trainer, report *SweepReport) {
	report.count(func(rep *SweepReport) { rep.Scanned++ })

	qctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()

	v, err := r.svc.appstore.VerifyReceipt(qctx, t.IOSLatestReceipt)
	if err != nil {
		if errors.Is(err, ErrReceiptRejected) {
			// The retained receipt is no longer verifiable; nothing to derive
			// state from. Skip rather than cancel on a verification artifact.
			report.count(func(rep *SweepReport) { rep.Skipped++ })
			r.log.WarnContext(ctx, "sweep receipt no longer verifiable",
				logger.TrainerID(t.ID))
			return
		}
		report.count(func(rep *SweepReport) { rep.Failed++ })
		r.log.WarnContext(ctx, "sweep receipt verification failed",
			logger.Error(errors.Join(ErrProviderQuery, err)), logger.TrainerID(t.ID))
		return
	}

	now := r.svc.now()
	kind := KindRenewed
	if !v.Active(now) {
		kind = KindCanceled
	}
	expiresAt := v.ExpiresAt

	sig := Signal{
		TrainerID:                t.ID,
		Kind:                     kind,
		OccurredAt:               now,
		Source:                   SourceAppStore,
		IOSOriginalTransactionID: v.OriginalTransactionID,
		IOSExpiry:                &expiresAt,
	}
	if v.LatestReceipt != "" {
		sig.IOSLatestReceipt = v.LatestReceipt
	}

	r.settle(ctx, sig, report)
}

func (r *Reconciler) settle(ctx context.Context, sig Signal, report *SweepReport) {
	switch err := r.svc.ApplySignal(ctx, sig); {
	case err == nil:
		report.count(func(rep *SweepReport) { rep.Updated++ })
	case errors.Is(err, ErrStaleSignal):
		// A fresher live event already covered this trainer.
		report.count(func(rep *SweepReport) { rep.Stale++ })
	default:
		report.count(func(rep *SweepReport) { rep.Failed++ })
		r.log.ErrorContext(ctx, "sweep failed to apply signal",
			logger.Error(err), logger.TrainerID(sig.TrainerID), logger.Source(string(sig.Source)))
	}
}
