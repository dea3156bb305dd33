package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/pharmacy/internal/config"
	"github.com/clinic/pharmacy/internal/domain/inventory"
	"github.com/clinic/pharmacy/internal/platform/db"
	"github.com/clinic/pharmacy/internal/seed"
	"github.com/clinic/pharmacy/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pharmacy-server",
		Short:         "Clinic medication inventory ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(sweepCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the inventory API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run clinic schema migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := schemaFlag(cmd)
			if err != nil {
				return err
			}
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				schema := orDefaultSchema(schema, cfg)
				migrator := db.NewMigrator(pool, migrationSource(cfg))
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

				count, err := migrator.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	addSchemaFlags(upCmd)
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := schemaFlag(cmd)
			if err != nil {
				return err
			}
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				schema := orDefaultSchema(schema, cfg)
				statuses, err := db.NewMigrator(pool, migrationSource(cfg)).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
						if s.Modified {
							status = "modified"
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	addSchemaFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic schema and apply all migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Creating clinic schema: %s\n", db.SchemaFor(name))
				if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrationSource(cfg))); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Clinic created successfully.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (alphanumeric)")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List clinics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				clinics, err := db.ListTenants(ctx, pool)
				if err != nil {
					return err
				}
				for _, c := range clinics {
					fmt.Fprintln(cmd.OutOrStdout(), c)
				}
				return nil
			})
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <catalog.yaml>",
		Short: "Import a medication catalog into a clinic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			operator, _ := cmd.Flags().GetString("operator")

			cat, err := seed.ParseFile(args[0])
			if err != nil {
				return err
			}

			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if clinic == "" {
					clinic = cfg.DefaultTenant
				}
				logger := newLogger(cfg)
				svc := newInventoryService(pool)

				var res seed.Result
				err := db.WithTenant(ctx, pool, clinic, func(ctx context.Context) error {
					var err error
					res, err = seed.Load(ctx, svc, cat, operator, logger.With().Str("clinic", clinic).Logger())
					return err
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %d medication(s), skipped %d, received %d batch(es).\n",
					res.Created, res.Skipped, res.Batches)
				if res.Failures > 0 {
					return fmt.Errorf("%d catalog entr(ies) failed, see log for details", res.Failures)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("clinic", "", "Target clinic (defaults to DEFAULT_TENANT)")
	cmd.Flags().String("operator", "catalog-seed", "Recorded as performed_by on opening and receipt entries")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-project stock alerts for every clinic once",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinics, _ := cmd.Flags().GetStringSlice("clinic")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if len(clinics) == 0 {
					clinics = cfg.SweepTenants
				}
				sweeper := newSweeper(cfg, pool, clinics, newLogger(cfg))
				results, err := sweeper.SweepOnce(ctx)

				names := make([]string, 0, len(results))
				for name := range results {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					r := results[name]
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s evaluated=%d changed=%d failed=%d\n", name, r.Evaluated, r.Changed, r.Failed)
				}
				return err
			})
		},
	}
	cmd.Flags().StringSlice("clinic", nil, "Clinics to sweep (defaults to SWEEP_TENANTS, then every clinic schema)")
	return cmd
}

// -- Shared wiring --

func addSchemaFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "Target schema for migrations")
	cmd.Flags().String("clinic", "", "Target clinic; resolves to its schema")
}

// schemaFlag resolves --schema or --clinic to a schema name. It returns ""
// when neither is set; orDefaultSchema fills that in once config is loaded.
func schemaFlag(cmd *cobra.Command) (string, error) {
	schema, _ := cmd.Flags().GetString("schema")
	clinic, _ := cmd.Flags().GetString("clinic")
	switch {
	case schema != "" && clinic != "":
		return "", fmt.Errorf("--schema and --clinic are mutually exclusive")
	case schema != "":
		return schema, nil
	case clinic != "":
		return db.SchemaFor(clinic), nil
	default:
		return "", nil
	}
}

// orDefaultSchema falls back to the schema of DEFAULT_TENANT.
func orDefaultSchema(schema string, cfg *config.Config) string {
	if schema != "" {
		return schema
	}
	clinic := cfg.DefaultTenant
	if clinic == "" {
		clinic = "default"
	}
	return db.SchemaFor(clinic)
}

// withPool loads config, opens a pool and runs fn with it.
func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

// migrationSource prefers MIGRATIONS_DIR on disk over the embedded files.
func migrationSource(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newInventoryService(pool *pgxpool.Pool) *inventory.Service {
	return inventory.NewService(
		inventory.NewMedicationRepoPG(pool),
		inventory.NewBatchRepoPG(pool),
		inventory.NewAdjustmentRepoPG(pool),
		db.NewTxRunner(pool),
	)
}

// newSweeper sweeps the named clinics, or every clinic schema when none are
// named.
func newSweeper(cfg *config.Config, pool *pgxpool.Pool, clinics []string, logger zerolog.Logger) *inventory.Sweeper {
	tenants := func(ctx context.Context) ([]string, error) {
		return db.ListTenants(ctx, pool)
	}
	if len(clinics) > 0 {
		fixed := append([]string(nil), clinics...)
		tenants = func(context.Context) ([]string, error) { return fixed, nil }
	}
	scope := func(ctx context.Context, clinic string, fn func(ctx context.Context) error) error {
		return db.WithTenant(ctx, pool, clinic, fn)
	}
	return inventory.NewSweeper(newInventoryService(pool), tenants, scope, cfg.AlertSweepInterval, logger)
}
