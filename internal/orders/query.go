package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/users"
)

// Sides of an order a listing can select
const (
	SideBuyer  = "buyer"
	SideSeller = "seller"
	SideAny    = ""
)

// MaxListPage bounds the page number so the OFFSET cannot overflow
const MaxListPage = 10000

// ListFilter selects a user's orders
type ListFilter struct {
	Side     string
	Status   models.OrderStatus
	Page     int
	PageSize int
}

// Get returns an order to one of its participants or an admin
func (s *Service) Get(ctx context.Context, orderID, actorID int64) (*models.Order, error) {
	o, err := scanOrder(s.DB.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("order", orderID)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if o.BuyerID == actorID || o.SellerID == actorID {
		return o, nil
	}

	actor, err := users.Get(ctx, s.DB.Pool, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, errs.Forbidden("not a participant of order %d", orderID)
	}
	return o, nil
}

// ListForUser returns a page of the orders a user bought or sold, newest
// first.
func (s *Service) ListForUser(ctx context.Context, userID int64, filter ListFilter) ([]models.Order, error) {
	var where string
	switch filter.Side {
	case SideBuyer:
		where = "buyer_id = $1"
	case SideSeller:
		where = "seller_id = $1"
	case SideAny:
		where = "(buyer_id = $1 OR seller_id = $1)"
	default:
		return nil, errs.Validation("side must be buyer, seller or empty")
	}
	args := []any{userID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += " AND status = $" + strconv.Itoa(len(args))
	}

	switch {
	case filter.Page <= 0:
		filter.Page = 1
	case filter.Page > MaxListPage:
		return nil, errs.Validation("page cannot exceed %d", MaxListPage)
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	query := fmt.Sprintf("SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d",
		orderColumns, where, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := s.DB.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
