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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/config"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/members"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/server"
	tasksqs "github.com/MarcoPoloResearchLab/beacon/backend/internal/tasks/sqs"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "beacon-api",
		Short: "Beacon SOS backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newReminderWorkerCommand(),
		newMintTaskTokenCommand(),
		newMembersCommand(),
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
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database path or connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("push-driver", defaults.GetString("push.driver"), "Push driver (log, fcm)")
	cmd.PersistentFlags().String("queue-driver", defaults.GetString("queue.driver"), "Reminder queue driver (local, sqs)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("task-signing-secret", "", "Task token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "push.driver", "push-driver")
	bindFlag(cmd, "queue.driver", "queue-driver")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "tasks.signing_secret", "task-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	_ = godotenv.Load(".env")

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
		Short: "Run the HTTP API, outbox relay and maintenance loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newReminderWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reminder-worker",
		Short: "Consume reminder tasks from SQS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReminderWorker(cmd.Context())
		},
	}
}

func newMintTaskTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "mint-task-token",
		Short: "Print a bearer token for queue callbacks into /internal/tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTaskIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "reminder-queue", "Subject recorded in the token")
	return cmd
}

func newMembersCommand() *cobra.Command {
	membersCmd := &cobra.Command{
		Use:   "members",
		Short: "Manage family profiles",
	}

	var familyID, userID, role string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user to a family with a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			storage, err := openStorage(appConfig)
			if err != nil {
				return err
			}
			defer storage.Close()

			memberService, err := members.NewService(members.ServiceConfig{Database: storage.db})
			if err != nil {
				return err
			}
			membership, err := memberService.AddMember(cmd.Context(), familyID, userID, members.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s joined %s as %s\n", membership.UserID, membership.FamilyID, membership.Role)
			return nil
		},
	}
	addCmd.Flags().StringVar(&familyID, "family", "", "Family identifier")
	addCmd.Flags().StringVar(&userID, "user", "", "User identifier")
	addCmd.Flags().StringVar(&role, "role", members.RoleChild.String(), "Role (child, parent)")
	_ = addCmd.MarkFlagRequired("family")
	_ = addCmd.MarkFlagRequired("user")

	membersCmd.AddCommand(addCmd)
	return membersCmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx, appConfig)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}
	taskIssuer, err := newTaskIssuer(appConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		TaskTokens:     taskIssuer,
		SOSService:     app.service,
		PushTokens:     app.tokens,
		Realtime:       app.realtime,
		AllowedOrigins: appConfig.AllowedOrigins,
		RateLimit: server.RateLimitConfig{
			Requests: appConfig.RateLimitRequests,
			Window:   appConfig.RateLimitWindow,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	go app.relay.Run(signalCtx)
	go app.store.RunMaintenance(signalCtx, appConfig.MaintenanceInterval)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("push_driver", appConfig.PushDriver),
			zap.String("queue_driver", appConfig.QueueDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runReminderWorker(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.QueueDriver != config.QueueDriverSQS {
		return fmt.Errorf("reminder-worker requires queue.driver=%s", config.QueueDriverSQS)
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx, appConfig)
	if err != nil {
		return err
	}
	defer app.Close()

	app.logger.Info("reminder worker starting", zap.String("queue_url", app.sqsClient.QueueURL()))
	err = app.sqsClient.Consume(signalCtx, tasksqs.ConsumerConfig{
		WaitTimeSeconds: appConfig.SQSWaitSeconds,
	}, app.scheduler.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newTaskIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.TaskSigningSecret),
		Issuer:        auth.DefaultTaskIssuer,
		Audience:      auth.DefaultTaskAudience,
		TokenTTL:      appConfig.TaskTokenTTL,
	})
}
