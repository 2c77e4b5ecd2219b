package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
)

const userColumns = "id, username, password_hash, role, is_verified, credit, created_at"

// Directory is the core's view of the user directory. The directory itself
// (profiles, avatars, sign-up) lives outside the core.
type Directory struct {
	DB *db.DB
}

// NewDirectory creates a new directory reader
func NewDirectory(database *db.DB) *Directory {
	return &Directory{DB: database}
}

// Create inserts a user. Used by seeding and tests, never by core operations.
func (d *Directory) Create(ctx context.Context, username, passwordHash string, role models.Role, verified bool) (*models.User, error) {
	if username == "" {
		return nil, errs.Validation("username cannot be empty")
	}
	if len(username) > 50 {
		return nil, errs.Validation("username too long (max 50 characters)")
	}

	user := &models.User{}
	err := scanUser(d.DB.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, role, is_verified) VALUES ($1, $2, $3, $4) RETURNING "+userColumns,
		username, passwordHash, role, verified), user)
	if err != nil {
		if db.IsUniqueViolation(err, "users_username_unique") {
			return nil, errs.Conflict("username %q is taken", username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Get loads a user by id using q, which may be the pool or a transaction
func Get(ctx context.Context, q db.Querier, userID int64) (*models.User, error) {
	return get(ctx, q, "SELECT "+userColumns+" FROM users WHERE id = $1", userID)
}

// GetForUpdate loads a user and locks the row until the transaction ends.
// Credit mutations go through this lock.
func GetForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (*models.User, error) {
	return get(ctx, tx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", userID)
}

func get(ctx context.Context, q db.Querier, query string, userID int64) (*models.User, error) {
	user := &models.User{}
	if err := scanUser(q.QueryRow(ctx, query, userID), user); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("user", userID)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Get retrieves a user by id
func (d *Directory) Get(ctx context.Context, userID int64) (*models.User, error) {
	return Get(ctx, d.DB.Pool, userID)
}

// GetByUsername retrieves a user by username
func (d *Directory) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := scanUser(d.DB.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username), user)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %q does not exist", errs.ErrNotFound, username)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Admins lists the ids of every admin, used to address escalations
func Admins(ctx context.Context, q db.Querier) ([]int64, error) {
	rows, err := q.Query(ctx, "SELECT id FROM users WHERE role = $1 ORDER BY id", models.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan admin: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequireRole is the single authorization capability check for role gated
// entry points.
func RequireRole(user *models.User, role models.Role) error {
	if user == nil || user.Role != role {
		return errs.Forbidden("operation requires the %s role", role)
	}
	return nil
}

// RequireVerified rejects users that have not completed campus verification
func RequireVerified(user *models.User) error {
	if user == nil || !user.IsVerified {
		return errs.Forbidden("account is not verified")
	}
	return nil
}

func scanUser(row pgx.Row, u *models.User) error {
	return row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.IsVerified, &u.Credit, &u.CreatedAt)
}
