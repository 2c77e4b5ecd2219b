package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/observability"
)

// Listing defaults. MaxPage keeps the OFFSET well inside int range.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxPage         = 10000
)

// Sort keys accepted by List
const (
	SortByPostTime = "post_time"
	SortByPrice    = "price"
)

// Filter narrows a product listing. Zero values mean "any".
type Filter struct {
	Search    string
	Category  string
	Status    models.ProductStatus
	MinPrice  *decimal.Decimal
	MaxPrice  *decimal.Decimal
	OwnerID   int64
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Page is one page of a listing
type Page struct {
	Items    []models.Product `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// Get returns a product, served from the cache when possible
func (c *Catalog) Get(ctx context.Context, productID int64) (*models.Product, error) {
	if c.cache != nil {
		if p, ok := c.cache.Get(ctx, productID); ok {
			return p, nil
		}
	}

	p, err := getProduct(ctx, c.DB.Pool, productID)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Set(ctx, p)
	}
	return p, nil
}

func getProduct(ctx context.Context, q db.Querier, productID int64) (*models.Product, error) {
	p, err := scanProduct(q.QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1 AND status <> $2", productID, models.ProductDeleted))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("product", productID)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// normalize fills defaults and rejects malformed filters
func (f *Filter) normalize() error {
	switch {
	case f.Page <= 0:
		f.Page = 1
	case f.Page > MaxPage:
		return errs.Validation("page cannot exceed %d", MaxPage)
	}
	switch {
	case f.PageSize <= 0:
		f.PageSize = DefaultPageSize
	case f.PageSize > MaxPageSize:
		f.PageSize = MaxPageSize
	}

	switch f.SortBy {
	case "":
		f.SortBy = SortByPostTime
	case SortByPostTime, SortByPrice:
	default:
		return errs.Validation("cannot sort by %q", f.SortBy)
	}

	switch strings.ToLower(f.SortOrder) {
	case "", "desc":
		f.SortOrder = "DESC"
	case "asc":
		f.SortOrder = "ASC"
	default:
		return errs.Validation("sort order must be asc or desc")
	}

	if f.Status == models.ProductDeleted {
		return errs.Validation("deleted products cannot be listed")
	}
	if f.MinPrice != nil && f.MaxPrice != nil && f.MinPrice.GreaterThan(*f.MaxPrice) {
		return errs.Validation("min price is above max price")
	}
	return nil
}

// where builds the WHERE clause of a listing and its positional arguments
func (f *Filter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if f.Search != "" {
		add("(name ILIKE ? OR description ILIKE ?)", "%"+escapeLike(f.Search)+"%")
	}
	if f.Category != "" {
		add("category = ?", f.Category)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	} else {
		add("status <> ?", models.ProductDeleted)
	}
	if f.MinPrice != nil {
		add("price >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		add("price <= ?", *f.MaxPrice)
	}
	if f.OwnerID != 0 {
		add("owner_id = ?", f.OwnerID)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// List returns one page of products matching filter
func (c *Catalog) List(ctx context.Context, filter Filter) (page *Page, err error) {
	ctx, span := tracer.Start(ctx, "catalog.List", trace.WithAttributes(attribute.String("status", string(filter.Status))))
	defer func() { observability.EndSpan(span, err) }()

	if err := filter.normalize(); err != nil {
		return nil, err
	}
	where, args := filter.where()

	page = &Page{Items: []models.Product{}, Page: filter.Page, PageSize: filter.PageSize}
	if err := c.DB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM products"+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM products%s ORDER BY %s %s, id %s LIMIT %d OFFSET %d",
		productColumns, where, filter.SortBy, filter.SortOrder, filter.SortOrder,
		filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := c.DB.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		page.Items = append(page.Items, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return page, nil
}

// AddFavorite marks a product as followed by a user
func (c *Catalog) AddFavorite(ctx context.Context, userID, productID int64) error {
	err := c.DB.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := getProduct(ctx, tx, productID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "INSERT INTO favorites (user_id, product_id) VALUES ($1, $2)", userID, productID)
		if db.IsUniqueViolation(err, "favorites_pkey") {
			return errs.Conflict("product %d is already a favorite", productID)
		}
		return err
	})
	if err != nil {
		return err
	}
	c.logger.Debug("favorite added", zap.Int64("user_id", userID), zap.Int64("product_id", productID))
	return nil
}

// RemoveFavorite unfollows a product
func (c *Catalog) RemoveFavorite(ctx context.Context, userID, productID int64) error {
	tag, err := c.DB.Pool.Exec(ctx, "DELETE FROM favorites WHERE user_id = $1 AND product_id = $2", userID, productID)
	if err != nil {
		return fmt.Errorf("failed to remove favorite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %d is not a favorite", errs.ErrNotFound, productID)
	}
	return nil
}

// ListFavorites returns the products a user follows, newest first
func (c *Catalog) ListFavorites(ctx context.Context, userID int64) ([]models.Product, error) {
	rows, err := c.DB.Pool.Query(ctx, `
		SELECT p.id, p.owner_id, p.name, p.description, p.price, p.quantity, p.category,
		       p.status, p.reject_reason, p.post_time, p.updated_at
		FROM favorites f
		JOIN products p ON p.id = f.product_id
		WHERE f.user_id = $1
		ORDER BY f.created_at DESC, p.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list favorites: %w", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan favorite: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}
