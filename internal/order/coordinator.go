// Package order coordinates the durable side of checkout: creating an
// order from a validated hold and applying payment webhooks idempotently.
// The durable store owns orders and commitments; live reservations stay
// with the hold registry in the fast store. The two are never mutated in
// one atomic step, so the coordinator sequences them for crash safety:
// durable before cache on success, cache before durable on failure.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
	"github.com/iliyamo/flash-sale-checkout/internal/hold"
	"github.com/iliyamo/flash-sale-checkout/internal/model"
	"github.com/iliyamo/flash-sale-checkout/internal/repository"
)

const (
	// deadlock retry policy for the webhook transaction.
	maxTxAttempts = 3
	txBackoffUnit = 100 * time.Millisecond

	// webhook statuses on the wire.
	WebhookStatusSuccess = "success"
	WebhookStatusFailure = "failure"
)

// ErrDurableStockInsufficient is returned when the guarded decrement of
// products.stock failed because the durable stock is short. The fast
// store promised units the durable ledger no longer has; only operator
// intervention (refresh-stock) reconciles that.
var ErrDurableStockInsufficient = errors.New("insufficient durable stock")

// ErrDurableStockConflict is returned when the guarded decrement failed
// even though the recheck says stock suffices, meaning a concurrent
// writer modified the row between the two statements.
var ErrDurableStockConflict = errors.New("concurrent durable stock modification")

// ErrInvalidWebhookStatus rejects statuses outside success|failure.
var ErrInvalidWebhookStatus = errors.New("invalid webhook status")

// Outcome classifies how a webhook delivery was answered.
type Outcome int

const (
	// OutcomeApplied means this delivery performed the state transition.
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate means the idempotency key was seen before and the
	// recorded result was returned without mutations.
	OutcomeDuplicate
	// OutcomeAlreadyFinalized means the order was already paid or
	// cancelled; the delivery was a safe no-op.
	OutcomeAlreadyFinalized
	// OutcomeHoldExpired means the hold aged out before the delivery;
	// the order was cancelled. Maps to a 410-class response.
	OutcomeHoldExpired
	// OutcomeConflict means the delivery contradicts the hold's payment
	// state. Maps to a 409-class response.
	OutcomeConflict
)

// WebhookRequest is the payment processor's callback payload.
type WebhookRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        uint64 `json:"order_id"`
	Status         string `json:"status"`
}

// WebhookResult is the canonical answer for a delivery, stable across
// retries of the same idempotency key.
type WebhookResult struct {
	Outcome    Outcome
	OrderState string
	// RecordedStatus is the paid|failed outcome pinned by the
	// idempotency log; set on duplicate deliveries only.
	RecordedStatus string
	Message        string
	HoldID         string
	ProductID      uint64
	Qty            uint32
}

// CreateResult pairs the fresh order with the hold it consumed-from, so
// the handler can echo product and quantity without a second lookup.
type CreateResult struct {
	Order model.Order
	Hold  model.Hold
}

// Coordinator mediates between the hold registry (fast store) and the
// durable checkout store.
type Coordinator struct {
	store repository.Store
	holds *hold.Registry
	fs    *faststore.Store
	log   *zap.Logger
}

// NewCoordinator builds a Coordinator. The logger may not be nil; pass
// zap.NewNop() when logging is unwanted.
func NewCoordinator(store repository.Store, holds *hold.Registry, fs *faststore.Store, log *zap.Logger) *Coordinator {
	return &Coordinator{store: store, holds: holds, fs: fs, log: log}
}

// CreateFromHold turns an active hold into a pending_payment order.
// The hold is NOT marked used here: an unanswered webhook must not
// strand inventory, so the hold simply ages out and the reaper releases
// its units if payment never settles.
func (c *Coordinator) CreateFromHold(ctx context.Context, holdID string) (*CreateResult, error) {
	if err := c.fs.Ping(ctx); err != nil {
		return nil, err
	}
	h, err := c.holds.ValidateForOrder(ctx, holdID)
	if err != nil {
		return nil, err
	}
	var out CreateResult
	err = c.store.WithinTx(ctx, func(tx repository.Tx) error {
		o, err := tx.InsertOrder(ctx, holdID)
		if err != nil {
			return err
		}
		out.Order = *o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	out.Hold = *h
	c.log.Info("order created",
		zap.Uint64("order_id", out.Order.ID),
		zap.String("hold_id", holdID),
		zap.Uint64("product_id", h.ProductID),
		zap.Uint32("qty", h.Qty))
	return &out, nil
}

// ApplyWebhook applies a payment callback inside a durable transaction
// with deadlock retry. Duplicate deliveries are answered from the
// idempotency log; finalized orders short-circuit so retries stay
// idempotent even under a fresh key.
func (c *Coordinator) ApplyWebhook(ctx context.Context, req WebhookRequest) (*WebhookResult, error) {
	if req.Status != WebhookStatusSuccess && req.Status != WebhookStatusFailure {
		return nil, ErrInvalidWebhookStatus
	}
	var (
		result     *WebhookResult
		commitHold *model.Hold
		err        error
	)
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		result, commitHold, err = c.applyOnce(ctx, req)
		if err == nil || !repository.IsDeadlock(err) {
			break
		}
		c.log.Warn("webhook transaction deadlocked, retrying",
			zap.Uint64("order_id", req.OrderID), zap.Int("attempt", attempt))
		if serr := sleepCtx(ctx, time.Duration(attempt)*txBackoffUnit); serr != nil {
			return nil, serr
		}
	}
	if err != nil {
		return nil, err
	}
	if commitHold != nil {
		// Durable state is committed; consuming the hold in the fast store
		// comes second so a crash leaves the cache behind, never ahead.
		if _, cerr := c.holds.CommitForPayment(ctx, commitHold); cerr != nil {
			// The reaper may have beaten us to the hold. Durable truth wins;
			// refresh-stock reconciles the counters.
			c.log.Warn("fast-store commit failed after paid order",
				zap.String("hold_id", commitHold.ID),
				zap.Uint64("order_id", req.OrderID),
				zap.Error(cerr))
		}
	}
	c.log.Info("webhook applied",
		zap.Uint64("order_id", req.OrderID),
		zap.String("status", req.Status),
		zap.String("order_state", result.OrderState),
		zap.Int("outcome", int(result.Outcome)))
	return result, nil
}

// applyOnce is a single transactional attempt. It returns the hold to
// commit in the fast store after the durable commit (success path only).
func (c *Coordinator) applyOnce(ctx context.Context, req WebhookRequest) (*WebhookResult, *model.Hold, error) {
	var (
		result     *WebhookResult
		commitHold *model.Hold
	)
	err := c.store.WithinTx(ctx, func(tx repository.Tx) error {
		o, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}

		// Finalized orders answer every retry the same way, matching key
		// or not. The upsert keeps an audit trail of late deliveries.
		if o.Finalized() {
			if err := tx.UpsertIdempotency(ctx, req.IdempotencyKey, o.ID, mapStatus(req.Status)); err != nil {
				return err
			}
			result = &WebhookResult{
				Outcome:    OutcomeAlreadyFinalized,
				OrderState: o.State,
				Message:    "already finalized",
				HoldID:     o.HoldID,
			}
			return nil
		}

		rec, err := tx.IdempotencyForUpdate(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if rec != nil {
			result = &WebhookResult{
				Outcome:        OutcomeDuplicate,
				OrderState:     o.State,
				RecordedStatus: rec.Status,
				Message:        "duplicate delivery, returning existing state",
				HoldID:         o.HoldID,
			}
			return nil
		}
		// The insert both claims the key and serves as the audit trail.
		if err := tx.InsertIdempotency(ctx, req.IdempotencyKey, o.ID, mapStatus(req.Status)); err != nil {
			return err
		}

		h, herr := c.holds.Get(ctx, o.HoldID)
		if herr != nil && !errors.Is(herr, hold.ErrNotFound) {
			return herr
		}

		if req.Status == WebhookStatusSuccess {
			result, commitHold, err = c.applySuccess(ctx, tx, o, h, herr)
			return err
		}
		result, err = c.applyFailure(ctx, tx, o, h, herr)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return result, commitHold, nil
}

func (c *Coordinator) applySuccess(ctx context.Context, tx repository.Tx, o *model.Order, h *model.Hold, herr error) (*WebhookResult, *model.Hold, error) {
	if errors.Is(herr, hold.ErrNotFound) {
		// The hold aged out between order creation and the callback. The
		// idempotency record already committed in this tx now reflects the
		// true outcome: this payment did not settle an order.
		if err := tx.UpdateOrderState(ctx, o.ID, model.OrderStateCancelled); err != nil {
			return nil, nil, err
		}
		return &WebhookResult{
			Outcome:    OutcomeHoldExpired,
			OrderState: model.OrderStateCancelled,
			Message:    "hold expired before payment settled",
			HoldID:     o.HoldID,
		}, nil, nil
	}
	switch h.Status {
	case model.HoldStatusUsed:
		// A previous success already consumed the hold; make sure the
		// order agrees and answer 200.
		if err := tx.UpdateOrderState(ctx, o.ID, model.OrderStatePaid); err != nil {
			return nil, nil, err
		}
		return &WebhookResult{
			Outcome:    OutcomeApplied,
			OrderState: model.OrderStatePaid,
			Message:    "payment confirmed",
			HoldID:     o.HoldID,
			ProductID:  h.ProductID,
			Qty:        h.Qty,
		}, nil, nil
	case model.HoldStatusPaymentFailed:
		return &WebhookResult{
			Outcome:    OutcomeConflict,
			OrderState: o.State,
			Message:    "payment state conflict",
			HoldID:     o.HoldID,
		}, nil, nil
	case model.HoldStatusActive:
	default:
		return nil, nil, &hold.InvalidError{Reason: "status " + h.Status}
	}

	ok, err := tx.DecrementStockGuarded(ctx, h.ProductID, h.Qty)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		stockLeft, serr := tx.ProductStock(ctx, h.ProductID)
		if serr != nil {
			return nil, nil, serr
		}
		if stockLeft < h.Qty {
			return nil, nil, ErrDurableStockInsufficient
		}
		return nil, nil, ErrDurableStockConflict
	}
	if err := tx.UpdateOrderState(ctx, o.ID, model.OrderStatePaid); err != nil {
		return nil, nil, err
	}
	return &WebhookResult{
		Outcome:    OutcomeApplied,
		OrderState: model.OrderStatePaid,
		Message:    "payment confirmed",
		HoldID:     o.HoldID,
		ProductID:  h.ProductID,
		Qty:        h.Qty,
	}, h, nil
}

func (c *Coordinator) applyFailure(ctx context.Context, tx repository.Tx, o *model.Order, h *model.Hold, herr error) (*WebhookResult, error) {
	if errors.Is(herr, hold.ErrNotFound) {
		if err := tx.UpdateOrderState(ctx, o.ID, model.OrderStateCancelled); err != nil {
			return nil, err
		}
		return &WebhookResult{
			Outcome:    OutcomeHoldExpired,
			OrderState: model.OrderStateCancelled,
			Message:    "hold expired before failure arrived",
			HoldID:     o.HoldID,
		}, nil
	}
	switch h.Status {
	case model.HoldStatusUsed:
		return &WebhookResult{
			Outcome:    OutcomeConflict,
			OrderState: o.State,
			Message:    "payment state conflict",
			HoldID:     o.HoldID,
		}, nil
	case model.HoldStatusActive:
		// Refund in the fast store first: if we crash before the durable
		// commit, the order stays pending and a retry observes the hold
		// gone, converging on cancelled. No durable stock was consumed.
		if _, err := c.holds.Release(ctx, o.HoldID); err != nil && !errors.Is(err, hold.ErrNotFound) {
			return nil, err
		}
		if err := tx.UpdateOrderState(ctx, o.ID, model.OrderStateCancelled); err != nil {
			return nil, err
		}
		return &WebhookResult{
			Outcome:    OutcomeApplied,
			OrderState: model.OrderStateCancelled,
			Message:    "payment failed, reservation refunded",
			HoldID:     o.HoldID,
			ProductID:  h.ProductID,
			Qty:        h.Qty,
		}, nil
	default:
		return nil, &hold.InvalidError{Reason: "status " + h.Status}
	}
}

// mapStatus translates the wire status into the idempotency enum.
func mapStatus(status string) string {
	if status == WebhookStatusSuccess {
		return model.IdempotencyStatusPaid
	}
	return model.IdempotencyStatusFailed
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
