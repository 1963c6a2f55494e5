package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/cmd/access/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/authz"
	authzhttp "github.com/odyssey-erp/odyssey-access/internal/authz/http"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	code := cli.ExitOK
	cmd := newRootCommand(cfg, logger, &code)
	if err := cmd.ExecuteContext(ctx); err != nil {
		code = cli.ExitUsage
	}
	stop()
	os.Exit(code)
}

// newRootCommand builds the command tree. Commands report their outcome
// through code so decision exit codes survive cobra.
func newRootCommand(cfg *app.Config, logger *slog.Logger, code *int) *cobra.Command {
	root := &cobra.Command{
		Use:          "access",
		Short:        "Odyssey access: permission resolution service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = serve(cmd.Context(), cfg, logger)
			return nil
		},
	}
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = serve(cmd.Context(), cfg, logger)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the auth and rbac schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = migrate(cmd.Context(), cfg, logger)
			return nil
		},
	})
	root.AddCommand(newCheckCommand(cfg, logger, code))
	root.AddCommand(newCreateUserCommand(cfg, logger, code))
	root.AddCommand(newJobsCommand(cfg, code))
	return root
}

func connectDB(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*pgxpool.Pool, bool) {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return nil, false
	}
	return pool, true
}

func redisOpts(cfg *app.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, ok := connectDB(ctx, cfg, logger)
	if !ok {
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	sessionManager := shared.NewSessionManager(redisClient, "odyssey_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	rbacRepo := rbac.NewRepository(pool)
	registry, err := authz.NewRegistry(authz.RegistryConfig{
		Engine: authz.Config{
			Stores:         authz.Stores{Roles: rbacRepo, Permissions: rbacRepo, Modules: rbacRepo},
			Logger:         logger,
			Metrics:        authz.NewMetrics(metrics.Registerer()),
			CacheTTL:       cfg.AuthzCacheTTL,
			RefreshWorkers: cfg.AuthzRefreshWorkers,
			RefreshQueue:   cfg.AuthzRefreshQueue,
			WarmTimeout:    cfg.AuthzWarmTimeout,
		},
		MaxSessions: cfg.AuthzMaxSessions,
		IdleTTL:     cfg.AuthzIdleTTL,
	})
	if err != nil {
		logger.Error("init authz registry", slog.Any("error", err))
		return 1
	}
	defer registry.Close()

	broadcaster := authz.NewBroadcaster(redisClient, cfg.AuthzChannel, logger)
	if err := broadcaster.Listen(ctx, registry); err != nil {
		logger.Error("subscribe authz invalidations", slog.Any("error", err))
		return 1
	}

	jobClient := jobs.NewClient(redisOpts(cfg))
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts(cfg))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	rbacMiddleware := rbac.Middleware{Engines: registry, Logger: logger}
	rbacService := rbac.NewService(rbacRepo, jobClient, shared.NewAuditLogger(pool), logger)
	authService := auth.NewService(auth.NewRepository(pool))
	userService := users.NewService(users.NewRepository(pool), authService, jobClient, shared.NewAuditLogger(pool), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Metrics:        metrics,
		RBACMiddleware: rbacMiddleware,
		AuthHandler:    auth.NewHandler(logger, authService, registry, sessionManager, csrfManager),
		AuthzHandler:   authzhttp.NewHandler(logger, rbacMiddleware, csrfManager),
		AdminHandler:   rbac.NewAdminHandler(logger, rbacService, rbacMiddleware),
		AuditHandler:   audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(pool)), rbacMiddleware),
		UsersHandler:   users.NewHandler(logger, userService, rbacMiddleware),
		JobHandler:     jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	if err := app.RunServer(ctx, server, logger, cfg.AppShutdownGrace); err != nil {
		logger.Error("serve", slog.Any("error", err))
		return 1
	}
	return 0
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, ok := connectDB(ctx, cfg, logger)
	if !ok {
		return 1
	}
	defer pool.Close()
	return cli.MigrateCommand(ctx, os.Stdout, os.Stderr,
		func(ctx context.Context) error { return auth.Migrate(ctx, pool) },
		func(ctx context.Context) error { return rbac.Migrate(ctx, pool) },
	)
}

func newCheckCommand(cfg *app.Config, logger *slog.Logger, code *int) *cobra.Command {
	var opts cli.CheckOptions
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolve a permission for an identity",
		Long: "Resolve one permission against the database. Exits 0 when allowed, " +
			"10 when denied and 11 when the backend could not be reached.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, ok := connectDB(cmd.Context(), cfg, logger)
			if !ok {
				*code = cli.ExitUnknown
				return nil
			}
			defer pool.Close()
			repo := rbac.NewRepository(pool)
			opts.Stdout, opts.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			*code = cli.NewAccessCLI(authz.Stores{Roles: repo, Permissions: repo, Modules: repo}, logger).CheckCommand(cmd.Context(), opts)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.IdentityID, "identity", "", "identity uuid")
	flags.StringVar(&opts.Feature, "feature", "", "permission resource")
	flags.StringVar(&opts.Action, "action", "", "permission action")
	flags.StringVar(&opts.Module, "module", "", "module that must be enabled for the tenant")
	flags.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "backend timeout")
	flags.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	return cmd
}

func newCreateUserCommand(cfg *app.Config, logger *slog.Logger, code *int) *cobra.Command {
	var opts cli.CreateUserOptions
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Register an account and optionally assign a role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, ok := connectDB(cmd.Context(), cfg, logger)
			if !ok {
				*code = 1
				return nil
			}
			defer pool.Close()

			jobClient := jobs.NewClient(redisOpts(cfg))
			defer func() { _ = jobClient.Close() }()

			users := auth.NewService(auth.NewRepository(pool))
			roles := rbac.NewService(rbac.NewRepository(pool), jobClient, shared.NewAuditLogger(pool), logger)
			opts.Stdout, opts.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			*code = cli.CreateUserCommand(cmd.Context(), users, roles, opts)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Email, "email", "", "login email")
	flags.StringVar(&opts.Password, "password", "", "initial password, at least 8 characters")
	flags.StringVar(&opts.Role, "role", "", "role to assign")
	flags.StringVar(&opts.CompanyID, "company", "", "company uuid for the role")
	return cmd
}

func newJobsCommand(cfg *app.Config, code *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger a job or inspect queues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "trigger <task>",
		Short:     "Enqueue a task now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskAuthzInvalidate, jobs.TaskAuthzConsistencyScan},
		RunE: func(cmd *cobra.Command, args []string) error {
			helper := cli.NewJobsCLI(redisOpts(cfg))
			defer func() { _ = helper.Close() }()
			info, err := helper.Trigger(cmd.Context(), args[0])
			if err != nil {
				cmd.PrintErrf("jobs trigger: %v\n", err)
				*code = cli.ExitUsage
				return nil
			}
			cmd.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Print queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			helper := cli.NewJobsCLI(redisOpts(cfg))
			defer func() { _ = helper.Close() }()
			stats, err := helper.InspectQueues(cmd.Context())
			if err != nil {
				cmd.PrintErrf("jobs inspect: %v\n", err)
				*code = cli.ExitUsage
				return nil
			}
			for _, s := range stats {
				cmd.Printf("%-10s pending=%d active=%d scheduled=%d retry=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
			}
			return nil
		},
	})
	return cmd
}
