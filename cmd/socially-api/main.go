package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vacho/socially/internal/actions"
	"github.com/vacho/socially/internal/auth"
	"github.com/vacho/socially/internal/config"
	"github.com/vacho/socially/internal/database"
	"github.com/vacho/socially/internal/feed"
	"github.com/vacho/socially/internal/ids"
	"github.com/vacho/socially/internal/logging"
	"github.com/vacho/socially/internal/posts"
	"github.com/vacho/socially/internal/relations"
	"github.com/vacho/socially/internal/server"
	"github.com/vacho/socially/internal/users"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "socially-api",
		Short: "Socially backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newIssueSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")
	flags.String("environment", defaults.GetString("app.environment"), "Deployment environment")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres DSN")
	flags.Bool("redis-enabled", defaults.GetBool("redis.enabled"), "Publish feed invalidations through Redis")
	flags.String("redis-url", defaults.GetString("redis.url"), "Redis connection URL")
	flags.String("session-signing-secret", "", "Session signing secret (overrides env)")
	flags.String("session-issuer", defaults.GetString("session.issuer"), "Expected session issuer")
	flags.String("session-cookie", defaults.GetString("session.cookie_name"), "Session cookie name")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "app.environment", "environment")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.enabled", "redis-enabled")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.cookie_name", "session-cookie")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	dbClient := database.NewClient(database.Options{
		Config:      appConfig.Database,
		Environment: appConfig.Environment,
		LogLevel:    appConfig.LogLevel,
	}, logger)
	defer dbClient.Close() //nolint:errcheck
	db, err := dbClient.DB()
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()
	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	postsService, err := posts.NewService(posts.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	relationsService, err := relations.NewService(relations.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := feed.NewDispatcher()
	var invalidator feed.Invalidator = dispatcher
	if appConfig.Redis.Enabled {
		redisInvalidator, err := feed.NewRedisInvalidator(appConfig.Redis.URL, logger)
		if err != nil {
			return err
		}
		defer redisInvalidator.Close() //nolint:errcheck
		// Local streams receive invalidations through the Redis channel, including our own.
		redisInvalidator.Subscribe(signalCtx, dispatcher)
		invalidator = redisInvalidator
	}

	serverActions, err := actions.New(actions.Config{
		Users:       usersService,
		Posts:       postsService,
		Relations:   relationsService,
		Invalidator: invalidator,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Session.SigningSecret),
		Issuer:        appConfig.Session.Issuer,
		CookieName:    appConfig.Session.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Actions:          serverActions,
		SessionValidator: sessionValidator,
		Dispatcher:       dispatcher,
		HealthChecker:    dbClient,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("environment", appConfig.Environment),
			zap.String("database_driver", appConfig.Database.Driver),
			zap.Bool("redis_enabled", appConfig.Redis.Enabled))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newIssueSessionCommand() *cobra.Command {
	var profile auth.SessionClaims
	var email string

	cmd := &cobra.Command{
		Use:   "issue-session",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.Session.SigningSecret),
				Issuer:        appConfig.Session.Issuer,
				TTL:           appConfig.Session.TTL,
			})
			if err != nil {
				return err
			}
			if email != "" {
				profile.EmailAddresses = []string{email}
			}
			token, expiresAt, err := issuer.Issue(profile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(out, "# cookie %s, expires %s\n", appConfig.Session.CookieName, expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&profile.UserID, "user-id", "", "Identity-provider user id")
	flags.StringVar(&email, "email", "", "Primary email address")
	flags.StringVar(&profile.GivenName, "given-name", "", "Given name")
	flags.StringVar(&profile.FamilyName, "family-name", "", "Family name")
	flags.StringVar(&profile.Username, "username", "", "Handle")
	flags.StringVar(&profile.ImageURL, "image-url", "", "Avatar URL")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
