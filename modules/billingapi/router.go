package billingapi

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fitstack/trainerbilling/pkg/httpserver"
	"github.com/fitstack/trainerbilling/svc/billing"
)

// RouterOptions configures the billing HTTP module. Service is required; the
// reconciler and health checks are optional.
type RouterOptions struct {
	Service    *billing.Service
	Reconciler *billing.Reconciler
	Logger     *slog.Logger

	// HealthChecks back the readiness endpoint, typically the mongo and
	// redis healthcheck funcs.
	HealthChecks []func(context.Context) error
}

// Router builds the billing HTTP surface: provider webhooks, client-facing
// billing operations and operational endpoints.
func Router(opts RouterOptions) chi.Router {
	if opts.Service == nil {
		panic("billingapi: Service is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	h := &handlers{svc: opts.Service, sweep: opts.Reconciler, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/webhooks", func(wh chi.Router) {
		wh.Post("/stripe", h.stripeWebhook)
		wh.Post("/appstore", h.appStoreNotification)
	})

	r.Route("/billing", func(b chi.Router) {
		b.Post("/receipts/verify", h.verifyReceipt)
		b.Post("/customers", h.ensureCustomer)
		b.Post("/checkout", h.subscriptionCheckout)
		b.Post("/checkout/one-time", h.oneTimeCheckout)
		b.Post("/payment-intents", h.paymentIntent)
		b.Post("/refunds", h.refund)
		b.Post("/portal", h.portalLink)
		b.Get("/trainers/{trainerID}", h.trainer)
	})

	r.Route("/tasks", func(t chi.Router) {
		t.Post("/reconcile", h.reconcile)
	})

	r.Get("/health", httpserver.HealthCheckHandler(context.Background(), log, opts.HealthChecks...))

	return r
}
