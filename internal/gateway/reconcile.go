package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Mekazstan/relworx-payment-gateway/internal/orders"
	"github.com/Mekazstan/relworx-payment-gateway/internal/payment"
)

// OrderLedger is the part of the order store reconciliation needs.
type OrderLedger interface {
	IsAlreadyProcessed(ctx context.Context, reference string) (bool, error)
	Update(ctx context.Context, reference string, upd orders.StatusUpdate) (*orders.Order, error)
}

// Notifier tells the payer how their order settled.
type Notifier interface {
	NotifyOrderSettled(ctx context.Context, o *orders.Order) error
}

type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeDuplicate
)

type ReconcileResult struct {
	Outcome Outcome
	Order   *orders.Order
}

type Reconciler struct {
	secret   string
	store    OrderLedger
	notifier Notifier
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewReconciler wires webhook handling; notifier may be nil.
func NewReconciler(webhookSecret string, store OrderLedger, notifier Notifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		secret:   webhookSecret,
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Reconcile applies one processor callback. rawBody must be the exact bytes
// received; the signature is checked before anything is parsed.
func (rc *Reconciler) Reconcile(ctx context.Context, rawBody []byte, signature string) (*ReconcileResult, error) {
	if !payment.VerifySignature(rawBody, signature, rc.secret) {
		rc.logger.WarnContext(ctx, "webhook signature rejected", "signature_present", signature != "")
		return nil, AuthenticityError("Invalid signature")
	}

	event, err := payment.ParseWebhook(rawBody)
	if err != nil {
		return nil, ValidationError([]FieldError{{Field: "reference", Message: err.Error()}})
	}
	log := rc.logger.With("reference", event.Reference)

	// a settled order acknowledges any repeat delivery, whatever status it carries
	done, err := rc.store.IsAlreadyProcessed(ctx, event.Reference)
	if err != nil {
		return nil, PersistenceError("Failed to load order", err)
	}
	if done {
		log.InfoContext(ctx, "duplicate webhook ignored", "status", event.Status)
		return &ReconcileResult{Outcome: OutcomeDuplicate}, nil
	}

	status, ok := orders.ParseWebhookStatus(event.Status)
	if !ok {
		return nil, ValidationError([]FieldError{{Field: "status", Message: "Unrecognized payment status."}})
	}
	log = log.With("status", status)

	order, err := rc.store.Update(ctx, event.Reference, orders.StatusUpdate{
		Status:        status,
		TransactionID: event.TransactionID,
	})
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		log.WarnContext(ctx, "webhook for unknown order")
		return nil, NotFoundError("Order not found")
	case errors.Is(err, orders.ErrAlreadyProcessed):
		// another delivery won the conditional update
		log.InfoContext(ctx, "duplicate webhook ignored", "race", true)
		return &ReconcileResult{Outcome: OutcomeDuplicate}, nil
	case err != nil:
		return nil, PersistenceError("Failed to update order", err)
	}

	log.InfoContext(ctx, "order reconciled", "transaction_id", order.TransactionID)
	rc.notify(ctx, order)

	return &ReconcileResult{Outcome: OutcomeApplied, Order: order}, nil
}

func (rc *Reconciler) notify(ctx context.Context, o *orders.Order) {
	if rc.notifier == nil || o.Email == "" || o.Email == AnonymousEmail {
		return
	}

	ctx = context.WithoutCancel(ctx)
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		if err := rc.notifier.NotifyOrderSettled(ctx, o); err != nil {
			rc.logger.ErrorContext(ctx, "failed to send settlement email", "reference", o.Reference, "error", err)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (rc *Reconciler) Wait() {
	rc.wg.Wait()
}
