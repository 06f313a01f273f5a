package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ipmf/internal/app"
	"ipmf/internal/config"
	"ipmf/internal/db"
	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/logging"
	"ipmf/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ipmf",
	Short: "IPMF approval workflows and budget ledger",
	Long: `ipmf runs the approval workflows of the institution's finances and missions.
- Expenses move en_attente -> verifiee -> validee -> payee; large amounts need the DG.
- Incomes are recorded by the treasury and confirmed by a second treasurer.
- Tasks carry a checklist and an optional budget; expenses charged to a task reserve it.
- Running tasks past their deadline are failed by the overdue sweep; assignees may ask for a deferral.
Every transition is written to the event log ('ipmf log tail').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("IPMF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "registered actor to act as")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides ipmf.yml)")
	rootCmd.PersistentFlags().String("log-format", "", "log format json|console (overrides ipmf.yml)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(expenseCmd())
	rootCmd.AddCommand(incomeCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(deferralCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// exitCode maps the error kinds to distinct process exit codes for scripts.
func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return 2
	case errors.Is(err, domain.ErrPermission):
		return 3
	case errors.Is(err, domain.ErrState), errors.Is(err, domain.ErrBudgetExceeded):
		return 4
	case errors.Is(err, domain.ErrNotFound):
		return 5
	}
	return 1
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default ipmf.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Keeping existing %s\n", path)
			} else if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			} else {
				fmt.Printf("Wrote %s\n", path)
			}
			return withApp(func(a *app.Context) error {
				fmt.Printf("Database ready at %s\n", db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing ipmf.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, actorHeader, noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with the overdue sweeper and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(func(a *app.Context) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: actorHeader,
					DevLogin:         devLogin,
				}
				if authCfg.JWTSecret == "" && !actorHeader {
					return fmt.Errorf("IPMF_JWT_SECRET is required unless --allow-actor-header is set")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   a.Logger.Named("http"),
				})
				if err != nil {
					return err
				}
				interval, err := a.Config.Sweep.Every()
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error { return a.Dispatcher.Run(gctx) })
				if !noSweep {
					g.Go(func() error { return runSweeper(gctx, a, interval) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "trust a bare X-Actor-Id header (local use only)")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the overdue sweeper in this process")
	_ = viper.BindEnv("jwt-secret", "IPMF_JWT_SECRET")
	return cmd
}

// runSweeper runs the periodic sweep when this process wins the workspace
// lock; another process holding it keeps sweeping instead.
func runSweeper(ctx context.Context, a *app.Context, interval time.Duration) error {
	release, err := a.SweepLock()
	if errors.Is(err, app.ErrSweepLocked) {
		a.Logger.Warn("overdue sweeper left to another process", zap.String("workspace", a.Workspace))
		return nil
	}
	if err != nil {
		return err
	}
	defer release()
	a.Logger.Info("overdue sweeper started", zap.Duration("interval", interval))
	return a.Engine.RunSweeper(ctx, interval)
}

// --- helpers ---

func withApp(fn func(*app.Context) error) error {
	var logger *zap.Logger
	if level, format := viper.GetString("log-level"), viper.GetString("log-format"); level != "" || format != "" {
		l, err := logging.New(config.LogConfig{Level: level, Format: format})
		if err != nil {
			return err
		}
		logger = l
	}
	a, err := app.Open(viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// withActor opens the workspace and resolves --actor-id against the registry.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, domain.Actor) error) error {
	return withApp(func(a *app.Context) error {
		id := strings.TrimSpace(viper.GetString("actor-id"))
		if id == "" {
			return domain.Validationf("--actor-id (or IPMF_ACTOR_ID) is required")
		}
		actor, err := a.Engine.Actors().Resolve(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, a.Engine, actor)
	})
}
