package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opsdesk/console-client-go/internal/api"
	"github.com/opsdesk/console-client-go/internal/channel"
	"github.com/opsdesk/console-client-go/internal/config"
	"github.com/opsdesk/console-client-go/internal/database"
	"github.com/opsdesk/console-client-go/internal/model"
	"github.com/opsdesk/console-client-go/internal/ordersync"
	"github.com/opsdesk/console-client-go/internal/pipeline"
	"github.com/opsdesk/console-client-go/internal/redis"
	"github.com/opsdesk/console-client-go/internal/sessionstore"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	store, cleanup, err := buildStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session store")
	}
	defer cleanup()

	role := model.Role(cfg.Role)
	pipe := pipeline.New(cfg.APIBaseURL, store, nil)
	client := api.New(pipe, store)

	ctx := context.Background()

	session, err := store.Get(ctx, role)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read session store")
	}
	if session == nil {
		if cfg.Email == "" || cfg.Password == "" {
			log.Fatal().Msg("no stored session; set CONSOLE_EMAIL and CONSOLE_PASSWORD to log in")
		}
		if _, err := client.Login(ctx, role, cfg.Email, cfg.Password); err != nil {
			log.Fatal().Err(err).Msg("login failed")
		}
	} else {
		log.Info().Str("role", string(role)).Msg("resuming stored session")
	}

	manager := channel.New(cfg.StreamURL(), channel.Options{})
	defer manager.Close()

	feed := ordersync.NewFeed(client, store, manager, role, ordersync.FeedOptions{
		Grace:           cfg.PollGrace(),
		Interval:        cfg.PollInterval(),
		PollingDisabled: !cfg.PollingEnabled,
	})

	removeExpired := pipe.OnSessionExpired(func(role model.Role, cause error) {
		log.Error().Err(cause).Str("role", string(role)).Msg("session expired, log in again")
	})
	defer removeExpired()

	removeWatch := feed.Watch(func(orders []model.OrderRecord) {
		logOrders(orders)
	})
	defer removeWatch()

	if err := feed.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start order feed")
	}
	defer feed.Stop()

	logOrders(feed.Orders())
	log.Info().
		Str("api", cfg.APIBaseURL).
		Str("stream", cfg.StreamURL()).
		Bool("polling", cfg.PollingEnabled).
		Msg("watching orders")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")
}

// buildStore picks the session store backend from config.
func buildStore(cfg *config.Config) (sessionstore.Store, func(), error) {
	switch cfg.SessionBackend {
	case "redis":
		client, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("redis session store connected")
		return sessionstore.NewRedis(client), func() { client.Close() }, nil

	case "postgres":
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}

		store := sessionstore.NewPostgres(db.DB)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info().Msg("postgres session store connected")
		return store, func() { db.Close() }, nil

	default:
		return sessionstore.NewMemory(), func() {}, nil
	}
}

func logOrders(orders []model.OrderRecord) {
	log.Info().Int("count", len(orders)).Msg("order collection changed")
	for _, o := range orders {
		event := log.Info().
			Str("id", o.ID).
			Str("status", string(o.Status)).
			Int64("totalCents", o.TotalCents).
			Time("updatedAt", o.UpdatedAt)
		if o.Customer != nil {
			event = event.Str("customer", o.Customer.Name)
		}
		event.Msg("order")
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
