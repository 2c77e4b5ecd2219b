package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/notify"
	"github.com/xtrntr/campusmarket/internal/observability"
)

const evaluationColumns = "id, order_id, seller_id, buyer_id, product_id, rating, content, created_at"

// MaxEvaluationContent bounds the free text of an evaluation
const MaxEvaluationContent = 1000

// Evaluations records buyer ratings of completed orders
type Evaluations struct {
	DB       *db.DB
	ledger   *Ledger
	notifier *notify.Notifier
	logger   *zap.Logger
}

// NewEvaluations creates the evaluation service
func NewEvaluations(database *db.DB, ledger *Ledger, notifier *notify.Notifier, logger *zap.Logger) *Evaluations {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, logger)
	}
	return &Evaluations{DB: database, ledger: ledger, notifier: notifier, logger: logger}
}

// CreateEvaluation stores the buyer's single rating of a completed order and
// applies it to the seller's credit.
func (s *Evaluations) CreateEvaluation(ctx context.Context, orderID, buyerID int64, rating int, content string) (eval *models.Evaluation, err error) {
	ctx, span := tracer.Start(ctx, "credit.CreateEvaluation", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.Int("rating", rating),
	))
	defer func() { observability.EndSpan(span, err) }()

	if rating < 1 || rating > 5 {
		return nil, errs.Validation("rating must be between 1 and 5")
	}
	content = strings.TrimSpace(content)
	if len(content) > MaxEvaluationContent {
		return nil, errs.Validation("evaluation too long (max %d characters)", MaxEvaluationContent)
	}

	var batch notify.Batch
	err = s.DB.InTx(ctx, func(tx pgx.Tx) error {
		var sellerID, orderBuyerID, productID int64
		var status models.OrderStatus
		err := tx.QueryRow(ctx,
			"SELECT seller_id, buyer_id, product_id, status FROM orders WHERE id = $1 FOR UPDATE",
			orderID).Scan(&sellerID, &orderBuyerID, &productID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.NotFound("order", orderID)
			}
			return fmt.Errorf("failed to lock order: %w", err)
		}
		if orderBuyerID != buyerID {
			return errs.Forbidden("only the buyer can evaluate order %d", orderID)
		}
		if status != models.OrderCompleted {
			return errs.InvalidState("order %d is %s, only completed orders can be evaluated", orderID, status)
		}

		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM evaluations WHERE order_id = $1)", orderID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check evaluation: %w", err)
		}
		if exists {
			return errs.Conflict("order %d has already been evaluated", orderID)
		}

		eval, err = scanEvaluation(tx.QueryRow(ctx, `
			INSERT INTO evaluations (order_id, seller_id, buyer_id, product_id, rating, content)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+evaluationColumns,
			orderID, sellerID, buyerID, productID, rating, content))
		if err != nil {
			if db.IsUniqueViolation(err, "evaluations_order_unique") {
				return errs.Conflict("order %d has already been evaluated", orderID)
			}
			return fmt.Errorf("failed to insert evaluation: %w", err)
		}

		if _, err := s.ledger.OnEvaluationSubmitted(ctx, tx, sellerID, rating, eval.ID); err != nil {
			return err
		}

		return s.notifier.Record(ctx, tx, &batch, models.Notification{
			UserID:  sellerID,
			Kind:    notify.KindEvaluationReceived,
			Title:   "New evaluation",
			Content: fmt.Sprintf("Order %d was rated %d/5", orderID, rating),
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Deliver(ctx, batch)
	s.logger.Info("evaluation submitted", zap.Int64("order_id", orderID), zap.Int("rating", rating))
	return eval, nil
}

// ListForSeller returns the evaluations a seller received, newest first
func (s *Evaluations) ListForSeller(ctx context.Context, sellerID int64) ([]models.Evaluation, error) {
	rows, err := s.DB.Pool.Query(ctx,
		"SELECT "+evaluationColumns+" FROM evaluations WHERE seller_id = $1 ORDER BY created_at DESC, id DESC",
		sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	evals := []models.Evaluation{}
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		evals = append(evals, *e)
	}
	return evals, rows.Err()
}

func scanEvaluation(row pgx.Row) (*models.Evaluation, error) {
	e := &models.Evaluation{}
	err := row.Scan(&e.ID, &e.OrderID, &e.SellerID, &e.BuyerID, &e.ProductID, &e.Rating, &e.Content, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}
