package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/auth"
	"github.com/xtrntr/campusmarket/internal/catalog"
	"github.com/xtrntr/campusmarket/internal/config"
	"github.com/xtrntr/campusmarket/internal/credit"
	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/notify"
	"github.com/xtrntr/campusmarket/internal/observability"
	"github.com/xtrntr/campusmarket/internal/orders"
	"github.com/xtrntr/campusmarket/internal/users"
)

type options struct {
	databaseURL string
	password    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Database maintenance for the campus market",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL DSN (defaults to DATABASE_URL)")

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo users, listings and a completed order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), opts, true, func(ctx context.Context, database *db.DB) error {
				return seed(ctx, cmd, database, opts.password)
			})
		},
	}
	seedCmd.Flags().StringVar(&opts.password, "password", "password", "password for every demo account")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending schema migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), opts, false, func(ctx context.Context, database *db.DB) error {
					applied, err := database.Migrate(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
					return nil
				})
			},
		},
		seedCmd,
		&cobra.Command{
			Use:   "reset",
			Short: "Delete every row and restart identities",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), opts, true, func(ctx context.Context, database *db.DB) error {
					if err := database.Truncate(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "database reset")
					return nil
				})
			},
		},
	)
	return cmd
}

// withDB connects, optionally migrates and runs fn
func withDB(ctx context.Context, opts *options, migrate bool, fn func(context.Context, *db.DB) error) error {
	dsn := opts.databaseURL
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dsn = cfg.DatabaseURL
	}

	database, err := db.NewDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer database.Close(ctx)

	if migrate {
		if _, err := database.Migrate(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, database)
}

type demoProduct struct {
	name     string
	price    string
	quantity int
	category string
}

var demoProducts = []demoProduct{
	{name: "Desk lamp", price: "12.50", quantity: 2, category: "furniture"},
	{name: "Linear algebra textbook", price: "25.00", quantity: 1, category: "books"},
	{name: "Mechanical keyboard", price: "40.00", quantity: 1, category: "electronics"},
}

// seed goes through the services so every row respects the same rules as
// live traffic
func seed(ctx context.Context, cmd *cobra.Command, database *db.DB, password string) error {
	logger, err := observability.NewLogger("warn", true)
	if err != nil {
		return err
	}
	dir := users.NewDirectory(database)
	authService := auth.NewAuthService(dir, "seed", 0)

	if _, err := dir.GetByUsername(ctx, "admin"); err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "database already seeded")
		return nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	accounts := []struct {
		username string
		role     models.Role
	}{
		{"admin", models.RoleAdmin},
		{"alice", models.RoleUser},
		{"bob", models.RoleUser},
	}
	ids := make(map[string]int64, len(accounts))
	for _, a := range accounts {
		user, err := authService.Register(ctx, a.username, password, a.role, true)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", a.username, err)
		}
		ids[a.username] = user.ID
	}

	notifier := notify.NewNotifier(notify.LogSink{Logger: logger}, logger)
	cat := catalog.New(database, notifier, nil, logger)
	ledger := credit.NewLedger(database, notifier, logger)
	orderService := orders.NewService(database, cat, ledger, notifier, logger)
	evaluations := credit.NewEvaluations(database, ledger, notifier, logger)

	var productIDs []int64
	for _, p := range demoProducts {
		product, err := cat.Publish(ctx, ids["alice"], catalog.Attributes{
			Name:     p.name,
			Price:    decimal.RequireFromString(p.price),
			Quantity: p.quantity,
			Category: p.category,
		})
		if err != nil {
			return fmt.Errorf("failed to publish %s: %w", p.name, err)
		}
		productIDs = append(productIDs, product.ID)
	}
	if _, err := cat.BatchModerate(ctx, productIDs, ids["admin"], models.ProductActive, ""); err != nil {
		return err
	}

	order, err := orderService.CreateOrder(ctx, ids["bob"], productIDs[0], 1)
	if err != nil {
		return err
	}
	if _, err := orderService.ConfirmOrder(ctx, order.ID, ids["alice"]); err != nil {
		return err
	}
	if _, err := orderService.CompleteOrder(ctx, order.ID, ids["bob"]); err != nil {
		return err
	}
	if _, err := evaluations.CreateEvaluation(ctx, order.ID, ids["bob"], 4, "Works fine"); err != nil {
		return err
	}

	logger.Debug("seed complete", zap.Int64s("products", productIDs))
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users, %d products and 1 completed order\n", len(accounts), len(productIDs))
	return nil
}
