package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"driftline/internal/app"
	"driftline/internal/config"
	"driftline/internal/db"
	"driftline/internal/domain"
	"driftline/internal/logging"
	"driftline/internal/migrate"
	"driftline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Driftline CLI",
	Long: `Driftline keeps a catalog of application services, watches their live
instances for configuration drift, governs ownership changes through
multi-gate approvals and stores per-service configuration in a
transactional key/value store.

Local commands act directly on the workspace database as the identity given
by --as/--teams/--roles/--sys-admin. Every scalar config key can be
overridden from the environment, e.g. DRIFTLINE_SERVER_ADDR or
DRIFTLINE_CACHE_REDIS_URL.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRIFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory holding driftline.yml and .driftline/")
	flags.String("config", "", "config file (default <workspace>/driftline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("as", "local-user", "acting user id")
	flags.StringSlice("teams", nil, "teams of the acting user")
	flags.StringSlice("roles", nil, "roles of the acting user")
	flags.Bool("sys-admin", false, "act as a system administrator")
	flags.String("manager", "", "manager of the acting user")
	for _, name := range []string{"workspace", "config", "json", "as", "teams", "roles", "sys-admin", "manager"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(driftCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(kvCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
}

// loadConfig reads the workspace config and applies environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	for _, key := range config.Overridable() {
		if !viper.IsSet(key) {
			continue
		}
		if err := cfg.Set(key, viper.GetString(key)); err != nil {
			return nil, err
		}
	}
	if cfg.Storage.Workspace == "" || cfg.Storage.Workspace == "." {
		cfg.Storage.Workspace = workspace
	}
	return cfg, cfg.Validate()
}

func actor() domain.UserContext {
	return domain.UserContext{
		UserID:     viper.GetString("as"),
		TeamIDs:    viper.GetStringSlice("teams"),
		Roles:      viper.GetStringSlice("roles"),
		IsSysAdmin: viper.GetBool("sys-admin"),
		ManagerID:  viper.GetString("manager"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New("warn", "console")
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devTokens bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is required (set DRIFTLINE_SERVER_JWT_SECRET)")
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, logger, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Sweeper.Start(ctx); err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				App:            a,
				BasePath:       cfg.Server.BasePath,
				Auth:           server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, AllowDevTokens: devTokens},
				RequestTimeout: cfg.Server.RequestTimeout,
				Logger:         logger.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving driftline api",
				zap.String("addr", cfg.Server.Addr), zap.String("base_path", cfg.Server.BasePath),
				zap.String("registry", cfg.Registry.Kind), zap.Bool("dev_tokens", devTokens))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&devTokens, "dev-tokens", false, "expose POST /auth/dev/token; never enable in production")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s) to %s\n", n, db.Path(cfg.Storage.Workspace))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage driftline.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config, environment overrides included",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "<redacted>"
			}
			return printJSON(cfg)
		},
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "List keys that accept DRIFTLINE_* overrides",
		Run: func(cmd *cobra.Command, args []string) {
			for _, k := range config.Overridable() {
				env := "DRIFTLINE_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
				fmt.Printf("%-32s %s\n", k, env)
			}
		},
	}
	cfgCmd.AddCommand(initCmd, showCmd, validateCmd, keysCmd)
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the acting identity",
		Long:  "Signs a JWT with server.jwt_secret carrying the --as/--teams/--roles/--sys-admin/--manager identity.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not configured")
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, actor(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the expiry jobs once",
		Long:  "Expires stale instances, purges resolved drift events past retention and removes expired shares.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Sweeper.RunOnce(ctx); err != nil {
					return err
				}
				fmt.Println("sweep complete")
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	var n int
	var serviceID string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListEvents(ctx, serviceID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Time", "Type", "Service", "Entity", "Actor")
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ServiceID, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				return render(tw)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&serviceID, "service", "", "only events of this service")
	return cmd
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	tw.SetStyle(table.StyleLight)
	return tw
}

func render(tw table.Writer) error {
	tw.Render()
	return nil
}

// printJSONOrTable prints v as JSON with --json, else hands off to the table.
func printJSONOrTable(v any, tw func() table.Writer) error {
	if viper.GetBool("json") || tw == nil {
		return printJSON(v)
	}
	return render(tw())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func optionalString(cmd *cobra.Command, name, value string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}
