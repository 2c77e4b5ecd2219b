// Package returns runs the post-sale return workflow: the buyer asks, the
// seller decides, and an admin arbitrates when the buyer escalates.
package returns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
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
	"github.com/xtrntr/campusmarket/internal/orders"
	"github.com/xtrntr/campusmarket/internal/rules"
	"github.com/xtrntr/campusmarket/internal/users"
)

const returnColumns = "id, order_id, buyer_id, seller_id, product_id, quantity, reason, apply_time, seller_agree, seller_note, buyer_intervention, audit_status, final_status, audit_time, audit_idea, admin_id"

var tracer = otel.Tracer("github.com/xtrntr/campusmarket/internal/returns")

// Service manages return requests
type Service struct {
	DB       *db.DB
	catalog  *catalog.Catalog
	ledger   *credit.Ledger
	notifier *notify.Notifier
	logger   *zap.Logger
}

// NewService creates the return service
func NewService(database *db.DB, cat *catalog.Catalog, ledger *credit.Ledger, notifier *notify.Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, logger)
	}
	return &Service{DB: database, catalog: cat, ledger: ledger, notifier: notifier, logger: logger}
}

// Resolution is an admin's ruling on an escalated return
type Resolution struct {
	FinalStatus       models.ReturnStatus
	Result            string
	SellerCreditDelta *int
	BuyerCreditDelta  *int
}

// CreateReturnRequest opens the single return request of an order
func (s *Service) CreateReturnRequest(ctx context.Context, orderID, buyerID int64, reason string) (rr *models.ReturnRequest, err error) {
	ctx, span := tracer.Start(ctx, "returns.CreateReturnRequest", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { observability.EndSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errs.Validation("a return request requires a reason")
	}

	var batch notify.Batch
	err = s.DB.InTx(ctx, func(tx pgx.Tx) error {
		o, err := orders.Lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != buyerID {
			return errs.Forbidden("only the buyer can return order %d", orderID)
		}
		if o.Status != models.OrderCompleted && o.Status != models.OrderConfirmedBySeller {
			return errs.InvalidState("order %d is %s and cannot be returned", orderID, o.Status)
		}

		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM return_requests WHERE order_id = $1)", orderID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check return requests: %w", err)
		}
		if exists {
			return errs.Conflict("order %d already has a return request", orderID)
		}

		rr, err = scanReturn(tx.QueryRow(ctx, `
			INSERT INTO return_requests (order_id, buyer_id, seller_id, product_id, quantity, reason, audit_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+returnColumns,
			orderID, buyerID, o.SellerID, o.ProductID, o.Quantity, reason, models.ReturnRequested))
		if err != nil {
			if db.IsUniqueViolation(err, "return_requests_order_unique") {
				return errs.Conflict("order %d already has a return request", orderID)
			}
			return fmt.Errorf("failed to insert return request: %w", err)
		}

		return s.notifier.Record(ctx, tx, &batch, models.Notification{
			UserID:  o.SellerID,
			Kind:    notify.KindReturnRequested,
			Title:   "Return requested",
			Content: fmt.Sprintf("The buyer of order %d asked for a return: %s", orderID, reason),
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Deliver(ctx, batch)
	s.logger.Info("return requested", zap.Int64("return_id", rr.ID), zap.Int64("order_id", orderID))
	return rr, nil
}

// SellerDecideReturn records the seller's answer. Accepting puts the goods
// back in stock; rejecting requires a note.
func (s *Service) SellerDecideReturn(ctx context.Context, returnID, sellerID int64, accept bool, note string) (rr *models.ReturnRequest, err error) {
	ctx, span := tracer.Start(ctx, "returns.SellerDecideReturn", trace.WithAttributes(
		attribute.Int64("return.id", returnID),
		attribute.Bool("accept", accept),
	))
	defer func() { observability.EndSpan(span, err) }()

	note = strings.TrimSpace(note)
	if !accept && note == "" {
		return nil, errs.Validation("rejecting a return requires a note")
	}

	var batch notify.Batch
	err = s.DB.InTx(ctx, func(tx pgx.Tx) error {
		current, err := lock(ctx, tx, returnID)
		if err != nil {
			return err
		}
		if current.SellerID != sellerID {
			return errs.Forbidden("only the seller can decide return %d", returnID)
		}
		if current.AuditStatus != models.ReturnRequested {
			return errs.InvalidState("return %d is %s, not awaiting the seller", returnID, current.AuditStatus)
		}
		order, err := orders.Lock(ctx, tx, current.OrderID)
		if err != nil {
			return err
		}

		status := models.ReturnRejected
		if accept {
			status = models.ReturnAccepted
		}
		var sellerNote *string
		if note != "" {
			sellerNote = &note
		}

		rr, err = scanReturn(tx.QueryRow(ctx, `
			UPDATE return_requests
			SET seller_agree = $1, seller_note = $2, audit_status = $3, audit_time = NOW()
			WHERE id = $4
			RETURNING `+returnColumns,
			accept, sellerNote, status, returnID))
		if err != nil {
			return fmt.Errorf("failed to record seller decision: %w", err)
		}

		if _, err := rules.RestoreStockOnReturn(ctx, tx, s.catalog, rr, current.Accepted()); err != nil {
			return err
		}
		if rr.Accepted() && !current.Accepted() {
			if err := closeReturnedOrder(ctx, tx, order); err != nil {
				return err
			}
		}

		content := fmt.Sprintf("The seller accepted your return for order %d", rr.OrderID)
		if !accept {
			content = fmt.Sprintf("The seller rejected your return for order %d: %s", rr.OrderID, note)
		}
		return s.notifier.Record(ctx, tx, &batch, models.Notification{
			UserID:  rr.BuyerID,
			Kind:    notify.KindReturnDecided,
			Title:   "Return decided",
			Content: content,
		})
	})
	if err != nil {
		return nil, err
	}

	if accept {
		s.catalog.Invalidate(ctx, rr.ProductID)
	}
	s.notifier.Deliver(ctx, batch)
	s.logger.Info("return decided by seller", zap.Int64("return_id", returnID), zap.Bool("accept", accept))
	return rr, nil
}

// RequestIntervention escalates a return to the admins. A buyer may do so
// once, while the return is pending or after the seller rejected it.
func (s *Service) RequestIntervention(ctx context.Context, returnID, buyerID int64, reason string) (rr *models.ReturnRequest, err error) {
	ctx, span := tracer.Start(ctx, "returns.RequestIntervention", trace.WithAttributes(attribute.Int64("return.id", returnID)))
	defer func() { observability.EndSpan(span, err) }()

	reason = strings.TrimSpace(reason)

	var batch notify.Batch
	err = s.DB.InTx(ctx, func(tx pgx.Tx) error {
		current, err := lock(ctx, tx, returnID)
		if err != nil {
			return err
		}
		if current.BuyerID != buyerID {
			return errs.Forbidden("only the buyer can escalate return %d", returnID)
		}
		if current.BuyerIntervention {
			return errs.InvalidState("intervention on return %d was already requested", returnID)
		}
		if current.AuditStatus != models.ReturnRequested && current.AuditStatus != models.ReturnRejected {
			return errs.InvalidState("return %d is %s and cannot be escalated", returnID, current.AuditStatus)
		}

		rr, err = scanReturn(tx.QueryRow(ctx, `
			UPDATE return_requests SET buyer_intervention = TRUE, audit_status = $1
			WHERE id = $2
			RETURNING `+returnColumns,
			models.InterventionRequested, returnID))
		if err != nil {
			return fmt.Errorf("failed to request intervention: %w", err)
		}

		content := fmt.Sprintf("The buyer escalated the return for order %d", rr.OrderID)
		if reason != "" {
			content += ": " + reason
		}
		recipients := []int64{rr.SellerID}
		admins, err := users.Admins(ctx, tx)
		if err != nil {
			return err
		}
		recipients = append(recipients, admins...)
		for _, userID := range recipients {
			err := s.notifier.Record(ctx, tx, &batch, models.Notification{
				UserID:  userID,
				Kind:    notify.KindInterventionRequested,
				Title:   "Intervention requested",
				Content: content,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Deliver(ctx, batch)
	s.logger.Info("intervention requested", zap.Int64("return_id", returnID))
	return rr, nil
}

// ResolveIntervention records an admin's final ruling. Acceptance restores
// stock exactly as a seller acceptance would; optional credit adjustments are
// applied in the same transaction.
func (s *Service) ResolveIntervention(ctx context.Context, returnID, adminID int64, res Resolution) (rr *models.ReturnRequest, err error) {
	ctx, span := tracer.Start(ctx, "returns.ResolveIntervention", trace.WithAttributes(
		attribute.Int64("return.id", returnID),
		attribute.String("final_status", string(res.FinalStatus)),
	))
	defer func() { observability.EndSpan(span, err) }()

	if res.FinalStatus != models.ReturnAccepted && res.FinalStatus != models.ReturnRejected {
		return nil, errs.Validation("final status must be %s or %s", models.ReturnAccepted, models.ReturnRejected)
	}
	result := strings.TrimSpace(res.Result)
	if result == "" {
		return nil, errs.Validation("a resolution requires a result")
	}

	var batch notify.Batch
	err = s.DB.InTx(ctx, func(tx pgx.Tx) error {
		admin, err := users.Get(ctx, tx, adminID)
		if err != nil {
			return err
		}
		if err := users.RequireRole(admin, models.RoleAdmin); err != nil {
			return err
		}

		current, err := lock(ctx, tx, returnID)
		if err != nil {
			return err
		}
		if current.AuditStatus != models.InterventionRequested {
			return errs.InvalidState("return %d is %s, no intervention pending", returnID, current.AuditStatus)
		}
		order, err := orders.Lock(ctx, tx, current.OrderID)
		if err != nil {
			return err
		}

		rr, err = scanReturn(tx.QueryRow(ctx, `
			UPDATE return_requests
			SET audit_status = $1, final_status = $2, audit_idea = $3, admin_id = $4, audit_time = NOW()
			WHERE id = $5
			RETURNING `+returnColumns,
			models.InterventionResolved, res.FinalStatus, result, adminID, returnID))
		if err != nil {
			return fmt.Errorf("failed to resolve intervention: %w", err)
		}

		if _, err := rules.RestoreStockOnReturn(ctx, tx, s.catalog, rr, current.Accepted()); err != nil {
			return err
		}
		if rr.Accepted() && !current.Accepted() {
			if err := closeReturnedOrder(ctx, tx, order); err != nil {
				return err
			}
		}

		adjustments := []struct {
			userID int64
			delta  *int
		}{
			{rr.SellerID, res.SellerCreditDelta},
			{rr.BuyerID, res.BuyerCreditDelta},
		}
		for _, adj := range adjustments {
			if adj.delta == nil || *adj.delta == 0 {
				continue
			}
			_, err := s.ledger.Apply(ctx, tx, credit.Entry{
				UserID:      adj.userID,
				Delta:       *adj.delta,
				Source:      models.CreditIntervention,
				ReferenceID: &rr.ID,
				ActorID:     &adminID,
				Reason:      result,
			})
			if err != nil {
				return err
			}
		}

		verdict := "accepted"
		if res.FinalStatus == models.ReturnRejected {
			verdict = "rejected"
		}
		for _, userID := range []int64{rr.BuyerID, rr.SellerID} {
			err := s.notifier.Record(ctx, tx, &batch, models.Notification{
				UserID:  userID,
				Kind:    notify.KindInterventionResolved,
				Title:   "Return resolved",
				Content: fmt.Sprintf("An admin %s the return for order %d: %s", verdict, rr.OrderID, result),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rr.Accepted() {
		s.catalog.Invalidate(ctx, rr.ProductID)
	}
	s.notifier.Deliver(ctx, batch)
	s.logger.Info("intervention resolved",
		zap.Int64("return_id", returnID),
		zap.Int64("admin_id", adminID),
		zap.String("final_status", string(res.FinalStatus)))
	return rr, nil
}

// ReturnedCancelReason is recorded on a confirmed order closed by an
// accepted return
const ReturnedCancelReason = "returned"

// closeReturnedOrder cancels a confirmed order whose goods came back. The
// return already restored the stock, so the order's reservation is not
// released a second time.
func closeReturnedOrder(ctx context.Context, tx pgx.Tx, o *models.Order) error {
	if o.Status != models.OrderConfirmedBySeller {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $1, cancel_time = NOW(), cancel_reason = $2, updated_at = NOW()
		WHERE id = $3`,
		models.OrderCancelled, ReturnedCancelReason, o.ID)
	if err != nil {
		return fmt.Errorf("failed to close returned order %d: %w", o.ID, err)
	}
	o.Status = models.OrderCancelled
	return nil
}

// Get returns a return request to its buyer, its seller or an admin
func (s *Service) Get(ctx context.Context, returnID, actorID int64) (*models.ReturnRequest, error) {
	rr, err := scanReturn(s.DB.Pool.QueryRow(ctx, "SELECT "+returnColumns+" FROM return_requests WHERE id = $1", returnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("return request", returnID)
		}
		return nil, fmt.Errorf("failed to get return request: %w", err)
	}
	if rr.BuyerID == actorID || rr.SellerID == actorID {
		return rr, nil
	}

	actor, err := users.Get(ctx, s.DB.Pool, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, errs.Forbidden("not a party to return %d", returnID)
	}
	return rr, nil
}

func lock(ctx context.Context, tx pgx.Tx, returnID int64) (*models.ReturnRequest, error) {
	rr, err := scanReturn(tx.QueryRow(ctx, "SELECT "+returnColumns+" FROM return_requests WHERE id = $1 FOR UPDATE", returnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("return request", returnID)
		}
		return nil, fmt.Errorf("failed to lock return request: %w", err)
	}
	return rr, nil
}

func scanReturn(row pgx.Row) (*models.ReturnRequest, error) {
	rr := &models.ReturnRequest{}
	err := row.Scan(&rr.ID, &rr.OrderID, &rr.BuyerID, &rr.SellerID, &rr.ProductID, &rr.Quantity, &rr.Reason,
		&rr.ApplyTime, &rr.SellerAgree, &rr.SellerNote, &rr.BuyerIntervention, &rr.AuditStatus,
		&rr.FinalStatus, &rr.AuditTime, &rr.AuditIdea, &rr.AdminID)
	if err != nil {
		return nil, err
	}
	return rr, nil
}
