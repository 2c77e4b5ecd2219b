// Package catalog owns product records, their stock counters and the product
// status state machine.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/notify"
	"github.com/xtrntr/campusmarket/internal/observability"
	"github.com/xtrntr/campusmarket/internal/rules"
	"github.com/xtrntr/campusmarket/internal/users"
)

const productColumns = "id, owner_id, name, description, price, quantity, category, status, reject_reason, post_time, updated_at"

// MaxPrice is the largest price a NUMERIC(10,2) column holds
var MaxPrice = decimal.RequireFromString("99999999.99")

var tracer = otel.Tracer("github.com/xtrntr/campusmarket/internal/catalog")

// Cache is a read-through product cache. Implementations must treat every
// failure as a miss.
type Cache interface {
	Get(ctx context.Context, id int64) (*models.Product, bool)
	Set(ctx context.Context, p *models.Product)
	Invalidate(ctx context.Context, ids ...int64)
}

// Catalog manages products
type Catalog struct {
	DB       *db.DB
	notifier *notify.Notifier
	cache    Cache
	logger   *zap.Logger
}

// New creates a catalog. cache may be nil; a nil notifier records
// notifications without delivering them.
func New(database *db.DB, notifier *notify.Notifier, cache Cache, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, logger)
	}
	return &Catalog{DB: database, notifier: notifier, cache: cache, logger: logger}
}

// Attributes are the owner supplied fields of a new product
type Attributes struct {
	Name        string
	Description string
	Price       decimal.Decimal
	Quantity    int
	Category    string
}

// Patch is a partial edit; nil fields are left unchanged
type Patch struct {
	Name        *string
	Description *string
	Price       *decimal.Decimal
	Quantity    *int
	Category    *string
}

func (p Patch) empty() bool {
	return p.Name == nil && p.Description == nil && p.Price == nil && p.Quantity == nil && p.Category == nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errs.Validation("product name cannot be empty")
	}
	if len(name) > 200 {
		return errs.Validation("product name too long (max 200 characters)")
	}
	return nil
}

func validatePrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return errs.Validation("price cannot be negative")
	}
	if price.GreaterThan(MaxPrice) {
		return errs.Validation("price cannot exceed %s", MaxPrice)
	}
	if !price.Equal(price.Round(2)) {
		return errs.Validation("price has more than two decimal places")
	}
	return nil
}

func validateQuantity(quantity int) error {
	if quantity <= 0 {
		return errs.Validation("quantity must be positive")
	}
	return nil
}

func validateCategory(category string) error {
	if len(category) > 50 {
		return errs.Validation("category too long (max 50 characters)")
	}
	return nil
}

// Publish lists a new product in PendingReview
func (c *Catalog) Publish(ctx context.Context, ownerID int64, attrs Attributes) (product *models.Product, err error) {
	ctx, span := tracer.Start(ctx, "catalog.Publish", trace.WithAttributes(attribute.Int64("owner.id", ownerID)))
	defer func() { observability.EndSpan(span, err) }()

	if err := validateName(attrs.Name); err != nil {
		return nil, err
	}
	if err := validatePrice(attrs.Price); err != nil {
		return nil, err
	}
	if err := validateQuantity(attrs.Quantity); err != nil {
		return nil, err
	}
	if err := validateCategory(attrs.Category); err != nil {
		return nil, err
	}

	err = c.DB.InTx(ctx, func(tx pgx.Tx) error {
		owner, err := users.Get(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		if err := users.RequireVerified(owner); err != nil {
			return err
		}

		product, err = scanProduct(tx.QueryRow(ctx, `
			INSERT INTO products (owner_id, name, description, price, quantity, category, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+productColumns,
			ownerID, strings.TrimSpace(attrs.Name), attrs.Description, attrs.Price, attrs.Quantity,
			attrs.Category, models.ProductPendingReview))
		if err != nil {
			return fmt.Errorf("failed to insert product: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("product published", zap.Int64("product_id", product.ID), zap.Int64("owner_id", ownerID))
	return product, nil
}

// Edit applies an owner's patch. Sold and withdrawn products cannot be
// edited; editing a rejected product resubmits it for review.
func (c *Catalog) Edit(ctx context.Context, productID, ownerID int64, patch Patch) (product *models.Product, err error) {
	ctx, span := tracer.Start(ctx, "catalog.Edit", trace.WithAttributes(attribute.Int64("product.id", productID)))
	defer func() { observability.EndSpan(span, err) }()

	if patch.empty() {
		return nil, errs.Validation("nothing to update")
	}
	if patch.Name != nil {
		if err := validateName(*patch.Name); err != nil {
			return nil, err
		}
	}
	if patch.Price != nil {
		if err := validatePrice(*patch.Price); err != nil {
			return nil, err
		}
	}
	if patch.Quantity != nil {
		if err := validateQuantity(*patch.Quantity); err != nil {
			return nil, err
		}
	}
	if patch.Category != nil {
		if err := validateCategory(*patch.Category); err != nil {
			return nil, err
		}
	}

	err = c.DB.InTx(ctx, func(tx pgx.Tx) error {
		p, err := c.lockLive(ctx, tx, productID)
		if err != nil {
			return err
		}
		if p.OwnerID != ownerID {
			return errs.Forbidden("only the owner can edit product %d", productID)
		}
		switch p.Status {
		case models.ProductSold:
			return errs.InvalidState("product %d is sold and can no longer be edited", productID)
		case models.ProductWithdrawn:
			return errs.InvalidState("product %d is withdrawn", productID)
		}

		previousQuantity := p.Quantity
		if patch.Name != nil {
			p.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Description != nil {
			p.Description = *patch.Description
		}
		if patch.Price != nil {
			p.Price = *patch.Price
		}
		if patch.Quantity != nil {
			p.Quantity = *patch.Quantity
		}
		if patch.Category != nil {
			p.Category = *patch.Category
		}
		if p.Status == models.ProductRejected {
			p.Status = models.ProductPendingReview
			p.RejectReason = nil
		}

		product, err = scanProduct(tx.QueryRow(ctx, `
			UPDATE products
			SET name = $1, description = $2, price = $3, quantity = $4, category = $5,
			    status = $6, reject_reason = $7, updated_at = NOW()
			WHERE id = $8
			RETURNING `+productColumns,
			p.Name, p.Description, p.Price, p.Quantity, p.Category, p.Status, p.RejectReason, p.ID))
		if err != nil {
			return fmt.Errorf("failed to update product: %w", err)
		}
		_, err = rules.SyncProductStatus(ctx, tx, product, previousQuantity)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.Invalidate(ctx, productID)
	c.logger.Info("product edited", zap.Int64("product_id", productID), zap.String("status", string(product.Status)))
	return product, nil
}

// Moderate records an admin review decision on a pending product
func (c *Catalog) Moderate(ctx context.Context, productID, adminID int64, decision models.ProductStatus, reason string) (product *models.Product, err error) {
	ctx, span := tracer.Start(ctx, "catalog.Moderate", trace.WithAttributes(
		attribute.Int64("product.id", productID),
		attribute.String("decision", string(decision)),
	))
	defer func() { observability.EndSpan(span, err) }()

	products, err := c.moderate(ctx, []int64{productID}, adminID, decision, reason)
	if err != nil {
		return nil, err
	}
	return &products[0], nil
}

// BatchModerate applies one decision to several pending products. Either
// every product is moderated or none is.
func (c *Catalog) BatchModerate(ctx context.Context, productIDs []int64, adminID int64, decision models.ProductStatus, reason string) (products []models.Product, err error) {
	ctx, span := tracer.Start(ctx, "catalog.BatchModerate", trace.WithAttributes(
		attribute.Int("products", len(productIDs)),
		attribute.String("decision", string(decision)),
	))
	defer func() { observability.EndSpan(span, err) }()

	if len(productIDs) == 0 {
		return nil, errs.Validation("no products to moderate")
	}
	return c.moderate(ctx, productIDs, adminID, decision, reason)
}

func (c *Catalog) moderate(ctx context.Context, productIDs []int64, adminID int64, decision models.ProductStatus, reason string) ([]models.Product, error) {
	reason = strings.TrimSpace(reason)
	switch decision {
	case models.ProductActive:
	case models.ProductRejected:
		if reason == "" {
			return nil, errs.Validation("a rejection requires a reason")
		}
	default:
		return nil, errs.Validation("moderation decision must be %s or %s", models.ProductActive, models.ProductRejected)
	}

	// Lock in id order so concurrent batches cannot deadlock
	ids := slices.Clone(productIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var products []models.Product
	var batch notify.Batch
	err := c.DB.InTx(ctx, func(tx pgx.Tx) error {
		admin, err := users.Get(ctx, tx, adminID)
		if err != nil {
			return err
		}
		if err := users.RequireRole(admin, models.RoleAdmin); err != nil {
			return err
		}

		var rejectReason *string
		if decision == models.ProductRejected {
			rejectReason = &reason
		}

		products = make([]models.Product, 0, len(ids))
		for _, id := range ids {
			p, err := c.lockLive(ctx, tx, id)
			if err != nil {
				return err
			}
			if p.Status != models.ProductPendingReview {
				return errs.InvalidState("product %d is %s, not awaiting review", id, p.Status)
			}

			updated, err := scanProduct(tx.QueryRow(ctx, `
				UPDATE products SET status = $1, reject_reason = $2, updated_at = NOW()
				WHERE id = $3
				RETURNING `+productColumns,
				decision, rejectReason, id))
			if err != nil {
				return fmt.Errorf("failed to moderate product: %w", err)
			}
			products = append(products, *updated)

			if err := c.notifier.Record(ctx, tx, &batch, moderationNotice(updated)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Invalidate(ctx, ids...)
	c.notifier.Deliver(ctx, batch)
	c.logger.Info("products moderated",
		zap.Int64s("product_ids", ids),
		zap.Int64("admin_id", adminID),
		zap.String("decision", string(decision)))
	return products, nil
}

func moderationNotice(p *models.Product) models.Notification {
	if p.Status == models.ProductActive {
		return models.Notification{
			UserID:  p.OwnerID,
			Kind:    notify.KindProductApproved,
			Title:   "Product approved",
			Content: fmt.Sprintf("Your product %q is now listed", p.Name),
		}
	}
	return models.Notification{
		UserID:  p.OwnerID,
		Kind:    notify.KindProductRejected,
		Title:   "Product rejected",
		Content: fmt.Sprintf("Your product %q was rejected: %s", p.Name, *p.RejectReason),
	}
}

// Withdraw takes a product off the market at its owner's request
func (c *Catalog) Withdraw(ctx context.Context, productID, ownerID int64) (product *models.Product, err error) {
	ctx, span := tracer.Start(ctx, "catalog.Withdraw", trace.WithAttributes(attribute.Int64("product.id", productID)))
	defer func() { observability.EndSpan(span, err) }()

	err = c.DB.InTx(ctx, func(tx pgx.Tx) error {
		p, err := c.lockLive(ctx, tx, productID)
		if err != nil {
			return err
		}
		if p.OwnerID != ownerID {
			return errs.Forbidden("only the owner can withdraw product %d", productID)
		}
		switch p.Status {
		case models.ProductActive, models.ProductPendingReview, models.ProductRejected:
		default:
			return errs.InvalidState("product %d is %s and cannot be withdrawn", productID, p.Status)
		}

		product, err = scanProduct(tx.QueryRow(ctx, `
			UPDATE products SET status = $1, updated_at = NOW()
			WHERE id = $2
			RETURNING `+productColumns,
			models.ProductWithdrawn, productID))
		if err != nil {
			return fmt.Errorf("failed to withdraw product: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Invalidate(ctx, productID)
	c.logger.Info("product withdrawn", zap.Int64("product_id", productID))
	return product, nil
}

// Delete removes a product at the request of its owner or an admin. It is
// refused while an order on the product is still open. A product that was
// never ordered is removed outright; one with order history becomes a
// Deleted tombstone so that history keeps resolving. Favorites go either way.
func (c *Catalog) Delete(ctx context.Context, productID, actorID int64) (err error) {
	ctx, span := tracer.Start(ctx, "catalog.Delete", trace.WithAttributes(
		attribute.Int64("product.id", productID),
		attribute.Int64("actor.id", actorID),
	))
	defer func() { observability.EndSpan(span, err) }()

	var tombstoned bool
	var batch notify.Batch
	err = c.DB.InTx(ctx, func(tx pgx.Tx) error {
		p, err := c.lockLive(ctx, tx, productID)
		if err != nil {
			return err
		}
		if p.OwnerID != actorID {
			actor, err := users.Get(ctx, tx, actorID)
			if err != nil {
				return err
			}
			if !actor.IsAdmin() {
				return errs.Forbidden("only the owner or an admin can delete product %d", productID)
			}
		}

		// The product row lock keeps new orders out until we commit
		var open, total int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FILTER (WHERE status IN ($2, $3)), COUNT(*)
			FROM orders WHERE product_id = $1`,
			productID, models.OrderPendingSellerConfirmation, models.OrderConfirmedBySeller).Scan(&open, &total)
		if err != nil {
			return fmt.Errorf("failed to count orders: %w", err)
		}
		if open > 0 {
			return errs.InvalidState("product %d has %d open order(s)", productID, open)
		}

		if _, err := tx.Exec(ctx, "DELETE FROM favorites WHERE product_id = $1", productID); err != nil {
			return fmt.Errorf("failed to drop favorites: %w", err)
		}
		if total == 0 {
			if _, err := tx.Exec(ctx, "DELETE FROM products WHERE id = $1", productID); err != nil {
				return fmt.Errorf("failed to delete product: %w", err)
			}
		} else {
			_, err := tx.Exec(ctx, "UPDATE products SET status = $1, updated_at = NOW() WHERE id = $2",
				models.ProductDeleted, productID)
			if err != nil {
				return fmt.Errorf("failed to delete product: %w", err)
			}
			tombstoned = true
		}

		if p.OwnerID == actorID {
			return nil
		}
		return c.notifier.Record(ctx, tx, &batch, models.Notification{
			UserID:  p.OwnerID,
			Kind:    notify.KindProductDeleted,
			Title:   "Product removed",
			Content: fmt.Sprintf("Your product %q was removed by an administrator", p.Name),
		})
	})
	if err != nil {
		return err
	}

	c.Invalidate(ctx, productID)
	c.notifier.Deliver(ctx, batch)
	c.logger.Info("product deleted",
		zap.Int64("product_id", productID),
		zap.Int64("actor_id", actorID),
		zap.Bool("tombstone", tombstoned))
	return nil
}

// LockProduct reads a product and locks its row until tx ends
func (c *Catalog) LockProduct(ctx context.Context, tx pgx.Tx, productID int64) (*models.Product, error) {
	p, err := scanProduct(tx.QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("product", productID)
		}
		return nil, fmt.Errorf("failed to lock product: %w", err)
	}
	return p, nil
}

// lockLive is LockProduct for client facing operations: a deleted product
// is reported as missing.
func (c *Catalog) lockLive(ctx context.Context, tx pgx.Tx, productID int64) (*models.Product, error) {
	p, err := c.LockProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.ProductDeleted {
		return nil, errs.NotFound("product", productID)
	}
	return p, nil
}

// AdjustQuantity moves a product's stock by delta inside the caller's
// transaction and keeps the status in step with the new quantity. It is the
// only way stock changes once a product is listed.
func (c *Catalog) AdjustQuantity(ctx context.Context, tx pgx.Tx, productID int64, delta int) (*models.Product, error) {
	p, err := c.LockProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}

	previous := p.Quantity
	next := previous + delta
	if next < 0 {
		return nil, fmt.Errorf("%w: product %d has %d in stock, %d requested",
			errs.ErrInsufficientStock, productID, previous, -delta)
	}
	if delta == 0 {
		return p, nil
	}

	err = tx.QueryRow(ctx,
		"UPDATE products SET quantity = $1, updated_at = NOW() WHERE id = $2 RETURNING updated_at",
		next, productID).Scan(&p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update quantity: %w", err)
	}
	p.Quantity = next

	if _, err := rules.SyncProductStatus(ctx, tx, p, previous); err != nil {
		return nil, err
	}
	return p, nil
}

// Invalidate drops cached copies of the given products. Callers that change
// stock through AdjustQuantity call it after their transaction commits.
func (c *Catalog) Invalidate(ctx context.Context, ids ...int64) {
	if c.cache != nil {
		c.cache.Invalidate(ctx, ids...)
	}
}

func scanProduct(row pgx.Row) (*models.Product, error) {
	p := &models.Product{}
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Price, &p.Quantity,
		&p.Category, &p.Status, &p.RejectReason, &p.PostTime, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}
