package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/config"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/server"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/sweep"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:   "flavorscape-api",
		Short: "Flavorscape reservation and waitlist service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newCheckAvailabilityCommand(),
		newMigrateCommand(),
		newTablesCommand(),
		newUsersCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-development", defaults.GetBool("log.development"), "Use the console log encoder")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("sweep.interval"), "Interval between availability sweeps")
	cmd.PersistentFlags().String("notify-policy", defaults.GetString("sweep.notify_policy"), "Who is notified when a table frees up (all, head)")
	cmd.PersistentFlags().String("notify-driver", defaults.GetString("notify.driver"), "Notification driver (log, smtp, amqp)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for shared locks")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.development", "log-development")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sweep.interval", "sweep-interval")
	bindFlag(cmd, "sweep.notify_policy", "notify-policy")
	bindFlag(cmd, "notify.driver", "notify-driver")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the availability sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newCheckAvailabilityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-availability",
		Short: "Run one availability sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s on %s: %d tables scanned, %d notified, %d failed\n",
				report.RunID, report.Date, report.TablesScanned, report.Notified, report.Failed)
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if repair {
				if err := reservations.RepairAvailability(cmd.Context(), app.db); err != nil {
					return err
				}
				app.logger.Info("table availability repaired")
			}
			app.logger.Info("migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Recompute table availability from booked reservations")
	return cmd
}

func newTablesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Manage restaurant tables",
	}

	var number, capacity int
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			table, err := app.reservations.CreateTable(cmd.Context(), operatorPrincipal, number, capacity)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "table %d created with id %d\n", table.Number, table.ID)
			return nil
		},
	}
	add.Flags().IntVar(&number, "number", 0, "Table number")
	add.Flags().IntVar(&capacity, "capacity", 0, "Seating capacity")
	_ = add.MarkFlagRequired("number")
	_ = add.MarkFlagRequired("capacity")

	cmd.AddCommand(add)
	return cmd
}

func newUsersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts",
	}

	var registration users.Registration
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			user, err := app.users.Register(cmd.Context(), registration)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s created with id %d (staff=%t)\n", user.Email, user.ID, user.IsStaff)
			return nil
		},
	}
	add.Flags().StringVar(&registration.Email, "email", "", "Email address")
	add.Flags().StringVar(&registration.FullName, "name", "", "Full name")
	add.Flags().StringVar(&registration.Password, "password", "", "Password")
	add.Flags().BoolVar(&registration.Staff, "staff", false, "Grant staff privileges")
	_ = add.MarkFlagRequired("email")
	_ = add.MarkFlagRequired("password")

	cmd.AddCommand(
		add,
		newSetActiveCommand("disable", "Block sign-in and revoke API access for an account", false),
		newSetActiveCommand("enable", "Restore a disabled account", true),
	)
	return cmd
}

func newSetActiveCommand(use, short string, active bool) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.users.SetActive(cmd.Context(), userID, active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d active=%t\n", userID, active)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "id", 0, "Account identifier")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runServer(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:        app.users,
		Tokens:       app.tokens,
		Reservations: app.reservations,
		Sweeper:      app.sweeper,
		Metrics:      app.metrics.Handler(),
		Logger:       app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		app.logger.Info("server starting", zap.String("address", app.cfg.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if app.cfg.SweepEnabled {
		scheduler := sweep.NewScheduler(app.sweeper, app.cfg.SweepInterval, app.logger)
		group.Go(func() error {
			if err := scheduler.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return group.Wait()
}
