// Package orders runs the order lifecycle. Stock is reserved when an order
// is placed and released when it is cancelled, always inside the same
// transaction as the order change.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/catalog"
	"github.com/xtrntr/campusmarket/internal/credit"
	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/notify"
	"github.com/xtrntr/campusmarket/internal/observability"
	"github.com/xtrntr/campusmarket/internal/rules"
	"github.com/xtrntr/campusmarket/internal/users"
)

const orderColumns = "id, seller_id, buyer_id, product_id, quantity, unit_price, total_price, status, created_at, updated_at, complete_time, cancel_time, cancel_reason"

var tracer = otel.Tracer("github.com/xtrntr/campusmarket/internal/orders")

// Service manages orders
type Service struct {
	DB       *db.DB
	catalog  *catalog.Catalog
	ledger   *credit.Ledger
	notifier *notify.Notifier
	logger   *zap.Logger
}

// NewService creates the order service
func NewService(database *db.DB, cat *catalog.Catalog, ledger *credit.Ledger, notifier *notify.Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, logger)
	}
	return &Service{DB: database, catalog: cat, ledger: ledger, notifier: notifier, logger: logger}
}

// CreateOrder reserves quantity units of a product for the buyer. The
// product row stays locked until the order is stored, so concurrent buyers
// of the last unit are served one at a time.
func (s *Service) CreateOrder(ctx context.Context, buyerID, productID int64, quantity int) (order *models.Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.CreateOrder", trace.WithAttributes(
		attribute.Int64("buyer.id", buyerID),
		attribute.Int64("product.id", productID),
		attribute.Int("quantity", quantity),
	))
	defer func() { observability.EndSpan(span, err) }()

	if quantity < 1 {
		return nil, errs.Validation("quantity must be at least 1")
	}

	var batch notify.Batch
	err = s.DB.InTx(ctx, func(tx pgx.Tx) error {
		p, err := s.catalog.LockProduct(ctx, tx, productID)
		if err != nil {
			return err
		}

		buyer, err := users.Get(ctx, tx, buyerID)
		if err != nil {
			return err
		}
		if err := users.RequireVerified(buyer); err != nil {
			return err
		}

		// A sold out product is reported as out of stock below
		if p.Status != models.ProductActive && p.Status != models.ProductSold {
			return fmt.Errorf("%w: product %d is %s", errs.ErrProductUnavailable, productID, p.Status)
		}
		if p.OwnerID == buyerID {
			return errs.ErrSelfPurchase
		}
		if p.Quantity < quantity {
			return fmt.Errorf("%w: product %d has %d in stock, %d requested",
				errs.ErrInsufficientStock, productID, p.Quantity, quantity)
		}

		if _, err := s.catalog.AdjustQuantity(ctx, tx, productID, -quantity); err != nil {
			return err
		}

		total := p.Price.Mul(decimal.NewFromInt(int64(quantity)))
		order, err = scanOrder(tx.QueryRow(ctx, `
			INSERT INTO orders (seller_id, buyer_id, product_id, quantity, unit_price, total_price, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+orderColumns,
			p.OwnerID, buyerID, productID, quantity, p.Price, total, models.OrderPendingSellerConfirmation))
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		return s.notifier.Record(ctx, tx, &batch, models.Notification{
			UserID:  p.OwnerID,
			Kind:    notify.KindOrderPlaced,
			Title:   "New order",
			Content: fmt.Sprintf("Someone ordered %d x %s", quantity, p.Name),
		})
	})
	if err != nil {
		return nil, err
	}

	s.catalog.Invalidate(ctx, productID)
	s.notifier.Deliver(ctx, batch)
	s.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", productID),
		zap.Int64("buyer_id", buyerID),
		zap.Int("quantity", quantity))
	return order, nil
}

// ConfirmOrder is the seller accepting a pending order
func (s *Service) ConfirmOrder(ctx context.Context, orderID, sellerID int64) (order *models.Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.ConfirmOrder", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { observability.EndSpan(span, err) }()

	var batch notify.Batch
	err = s.DB.InTx(ctx, func(tx pgx.Tx) error {
		o, err := Lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.SellerID != sellerID {
			return errs.Forbidden("only the seller can confirm order %d", orderID)
		}
		if o.Status != models.OrderPendingSellerConfirmation {
			return errs.InvalidState("order %d is %s, not awaiting confirmation", orderID, o.Status)
		}

		order, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE orders SET status = $1, updated_at = NOW()
			WHERE id = $2
			RETURNING `+orderColumns,
			models.OrderConfirmedBySeller, orderID))
		if err != nil {
			return fmt.Errorf("failed to confirm order: %w", err)
		}

		return s.notifier.Record(ctx, tx, &batch, models.Notification{
			UserID:  order.BuyerID,
			Kind:    notify.KindOrderConfirmed,
			Title:   "Order confirmed",
			Content: fmt.Sprintf("The seller confirmed order %d", orderID),
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Deliver(ctx, batch)
	s.logger.Info("order confirmed", zap.Int64("order_id", orderID))
	return order, nil
}

// CompleteOrder is the buyer, or an admin on their behalf, acknowledging
// receipt. The seller earns the completion bonus in the same transaction.
func (s *Service) CompleteOrder(ctx context.Context, orderID, actorID int64) (order *models.Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.CompleteOrder", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { observability.EndSpan(span, err) }()

	var batch notify.Batch
	err = s.DB.InTx(ctx, func(tx pgx.Tx) error {
		o, err := Lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != actorID {
			actor, err := users.Get(ctx, tx, actorID)
			if err != nil {
				return err
			}
			if !actor.IsAdmin() {
				return errs.Forbidden("only the buyer can complete order %d", orderID)
			}
		}
		if o.Status != models.OrderConfirmedBySeller {
			return errs.InvalidState("order %d is %s, not confirmed", orderID, o.Status)
		}
		if err := checkNoOpenReturn(ctx, tx, orderID); err != nil {
			return err
		}

		order, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE orders SET status = $1, complete_time = NOW(), updated_at = NOW()
			WHERE id = $2
			RETURNING `+orderColumns,
			models.OrderCompleted, orderID))
		if err != nil {
			return fmt.Errorf("failed to complete order: %w", err)
		}

		if _, err := s.ledger.OnOrderCompleted(ctx, tx, order.SellerID, orderID); err != nil {
			return err
		}

		return s.notifier.Record(ctx, tx, &batch, models.Notification{
			UserID:  order.SellerID,
			Kind:    notify.KindOrderCompleted,
			Title:   "Order completed",
			Content: fmt.Sprintf("Order %d was completed", orderID),
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Deliver(ctx, batch)
	s.logger.Info("order completed", zap.Int64("order_id", orderID), zap.Int64("actor_id", actorID))
	return order, nil
}

// checkNoOpenReturn refuses completion while a return on the order is still
// being decided or has been accepted.
func checkNoOpenReturn(ctx context.Context, tx pgx.Tx, orderID int64) error {
	rr := models.ReturnRequest{}
	err := tx.QueryRow(ctx,
		"SELECT id, audit_status, final_status FROM return_requests WHERE order_id = $1",
		orderID).Scan(&rr.ID, &rr.AuditStatus, &rr.FinalStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check returns: %w", err)
	}

	switch {
	case rr.Accepted():
		return errs.InvalidState("order %d has an accepted return", orderID)
	case rr.AuditStatus == models.ReturnRequested, rr.AuditStatus == models.InterventionRequested:
		return errs.InvalidState("order %d has an open return request", orderID)
	}
	return nil
}

// RejectOrder is the seller declining a pending order; a reason is required
func (s *Service) RejectOrder(ctx context.Context, orderID, sellerID int64, reason string) (order *models.Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.RejectOrder", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { observability.EndSpan(span, err) }()

	return s.cancel(ctx, orderID, sellerID, reason, false)
}

// CancelOrder cancels a pending order. The seller must give a reason, as for
// RejectOrder; the buyer may withdraw their own order without one.
func (s *Service) CancelOrder(ctx context.Context, orderID, actorID int64, reason string) (order *models.Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.CancelOrder", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { observability.EndSpan(span, err) }()

	return s.cancel(ctx, orderID, actorID, reason, true)
}

func (s *Service) cancel(ctx context.Context, orderID, actorID int64, reason string, buyerAllowed bool) (*models.Order, error) {
	reason = strings.TrimSpace(reason)

	var order *models.Order
	var batch notify.Batch
	err := s.DB.InTx(ctx, func(tx pgx.Tx) error {
		o, err := Lock(ctx, tx, orderID)
		if err != nil {
			return err
		}

		var notifyID int64
		switch {
		case o.SellerID == actorID:
			if reason == "" {
				return errs.Validation("a rejection requires a reason")
			}
			notifyID = o.BuyerID
		case buyerAllowed && o.BuyerID == actorID:
			notifyID = o.SellerID
		default:
			return errs.Forbidden("not allowed to cancel order %d", orderID)
		}

		if o.Status != models.OrderPendingSellerConfirmation {
			return errs.InvalidState("order %d is %s and can no longer be cancelled", orderID, o.Status)
		}

		var cancelReason *string
		if reason != "" {
			cancelReason = &reason
		}
		previous := o.Status
		order, err = scanOrder(tx.QueryRow(ctx, `
			UPDATE orders SET status = $1, cancel_time = NOW(), cancel_reason = $2, updated_at = NOW()
			WHERE id = $3
			RETURNING `+orderColumns,
			models.OrderCancelled, cancelReason, orderID))
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}

		if _, err := rules.RestoreStockOnCancel(ctx, tx, s.catalog, order, previous); err != nil {
			return err
		}

		content := fmt.Sprintf("Order %d was cancelled", orderID)
		if reason != "" {
			content += ": " + reason
		}
		return s.notifier.Record(ctx, tx, &batch, models.Notification{
			UserID:  notifyID,
			Kind:    notify.KindOrderCancelled,
			Title:   "Order cancelled",
			Content: content,
		})
	})
	if err != nil {
		return nil, err
	}

	s.catalog.Invalidate(ctx, order.ProductID)
	s.notifier.Deliver(ctx, batch)
	s.logger.Info("order cancelled", zap.Int64("order_id", orderID), zap.Int64("actor_id", actorID))
	return order, nil
}

// Lock reads an order and locks its row until tx ends
func Lock(ctx context.Context, tx pgx.Tx, orderID int64) (*models.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("order", orderID)
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.SellerID, &o.BuyerID, &o.ProductID, &o.Quantity, &o.UnitPrice, &o.TotalPrice,
		&o.Status, &o.CreatedAt, &o.UpdatedAt, &o.CompleteTime, &o.CancelTime, &o.CancelReason)
	if err != nil {
		return nil, err
	}
	return o, nil
}
