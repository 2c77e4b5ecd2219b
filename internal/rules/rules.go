// Package rules holds the invariant maintenance that keeps products and
// orders consistent. Every function runs inside the caller's transaction and
// is guarded on the previous value, so evaluating the same event twice never
// applies it twice.
package rules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/models"
)

// StockAdjuster is the catalog primitive used to move stock
type StockAdjuster interface {
	AdjustQuantity(ctx context.Context, tx pgx.Tx, productID int64, delta int) (*models.Product, error)
}

// NextStatus derives the status a product should have after its quantity
// moved from previous to current. Only the two zero crossings change
// anything:
//
//	>0 -> 0 and status != Sold  =>  Sold
//	 0 -> >0 and status == Sold  =>  Active
//
// Withdrawn, PendingReview and Rejected products are never reactivated,
// and a Deleted tombstone never changes.
func NextStatus(status models.ProductStatus, previous, current int) models.ProductStatus {
	switch {
	case status == models.ProductDeleted:
		return status
	case previous > 0 && current == 0 && status != models.ProductSold:
		return models.ProductSold
	case previous == 0 && current > 0 && status == models.ProductSold:
		return models.ProductActive
	default:
		return status
	}
}

// SyncProductStatus applies NextStatus to p, which must hold the row's
// post-update quantity. It reports whether the status changed.
func SyncProductStatus(ctx context.Context, q db.Querier, p *models.Product, previousQuantity int) (bool, error) {
	next := NextStatus(p.Status, previousQuantity, p.Quantity)
	if next == p.Status {
		return false, nil
	}

	tag, err := q.Exec(ctx,
		"UPDATE products SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3 AND quantity = $4",
		next, p.ID, p.Status, p.Quantity)
	if err != nil {
		return false, fmt.Errorf("failed to sync product status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("product %d changed while syncing status", p.ID)
	}

	p.Status = next
	return true, nil
}

// RestoreStockOnCancel gives the reserved quantity of a cancelled order back
// to its product. previous is the order status before the transition; a
// repeated evaluation with previous == Cancelled does nothing.
func RestoreStockOnCancel(ctx context.Context, tx pgx.Tx, stock StockAdjuster, order *models.Order, previous models.OrderStatus) (*models.Product, error) {
	if order.Status != models.OrderCancelled || previous == models.OrderCancelled {
		return nil, nil
	}
	p, err := stock.AdjustQuantity(ctx, tx, order.ProductID, order.Quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to restore stock for order %d: %w", order.ID, err)
	}
	return p, nil
}

// RestoreStockOnReturn puts the goods of an accepted return back in stock.
// previouslyAccepted is whether the return had already been accepted before
// this transition.
func RestoreStockOnReturn(ctx context.Context, tx pgx.Tx, stock StockAdjuster, rr *models.ReturnRequest, previouslyAccepted bool) (*models.Product, error) {
	if !rr.Accepted() || previouslyAccepted {
		return nil, nil
	}
	p, err := stock.AdjustQuantity(ctx, tx, rr.ProductID, rr.Quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to restore stock for return %d: %w", rr.ID, err)
	}
	return p, nil
}
