package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plantchat/internal/config"
	"plantchat/internal/domain"
	"plantchat/internal/feed"
	"plantchat/internal/httpserver"
	"plantchat/internal/metrics"
	"plantchat/internal/notify"
	"plantchat/internal/security"
	"plantchat/internal/service"
	"plantchat/internal/session"
	"plantchat/internal/storage"
	"plantchat/internal/store/postgres"
	"plantchat/internal/store/sqlite"
	"plantchat/internal/ws"
)

// stores are the repositories of the configured driver.
type stores struct {
	db            *sql.DB
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	profiles      domain.ProfileRepository
	listings      domain.ListingRepository
	pushSubs      domain.PushSubscriptionRepository
}

// openStores opens and migrates the database. SQLite repositories publish
// their own writes to the bus; Postgres changes arrive through the
// LISTEN/NOTIFY listener instead, so that writes from any instance are seen.
func openStores(ctx context.Context, cfg *config.Config, bus *feed.Bus, logger *slog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return &stores{
			db:            db,
			conversations: sqlite.NewConversationRepo(db, bus),
			messages:      sqlite.NewMessageRepo(db, bus),
			profiles:      sqlite.NewProfileRepo(db),
			listings:      sqlite.NewListingRepo(db),
			pushSubs:      sqlite.NewPushSubscriptionRepo(db),
		}, nil

	default:
		dsn := cfg.Postgres.DSN()
		db, err := postgres.Open(dsn)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st := &stores{
			db:            db,
			conversations: postgres.NewConversationRepo(db),
			messages:      postgres.NewMessageRepo(db),
			profiles:      postgres.NewProfileRepo(db),
			listings:      postgres.NewListingRepo(db),
			pushSubs:      postgres.NewPushSubscriptionRepo(db),
		}
		if cfg.PGListen {
			l := postgres.NewListener(dsn, st.conversations, st.messages, bus, logger)
			go func() {
				if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("change listener stopped", "error", err)
				}
			}()
		} else {
			logger.Info("PG_LISTEN disabled; changes arrive only through NATS")
		}
		return st, nil
	}
}

func serve(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	bus := feed.NewBus(logger, m)
	defer bus.Close()

	st, err := openStores(ctx, cfg, bus, logger)
	if err != nil {
		return err
	}
	defer st.db.Close()

	if cfg.NATSURL != "" {
		nc, err := feed.ConnectNATS(ctx, cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			return err
		}
		bridge := feed.NewNATSBridge(nc, bus, logger)
		if err := bridge.Start(); err != nil {
			nc.Close()
			return err
		}
		defer func() {
			if err := bridge.Stop(); err != nil {
				logger.Warn("nats drain failed", "error", err)
			}
		}()
		logger.Info("change feed bridged over nats", "url", cfg.NATSURL)
	}

	var presence notify.Presence
	if cfg.RedisAddr != "" {
		rp, err := notify.NewRedisPresence(ctx, cfg.RedisAddr, cfg.PresenceTTL, logger)
		if err != nil {
			return err
		}
		defer rp.Close()
		presence = rp
	} else {
		presence = notify.NewMemoryPresence(cfg.PresenceTTL)
	}

	// Security components
	tokens := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey), cfg.EncryptionLegacyKeys)
	if err != nil {
		return fmt.Errorf("initialize encryptor: %w", err)
	}

	var sender service.PushSender
	if cfg.PushEnabled() {
		sender = notify.NewWebPushSender(
			notify.VAPIDKeys{Public: cfg.VAPIDPublicKey, Private: cfg.VAPIDPrivateKey},
			cfg.VAPIDSubject,
			time.Duration(cfg.PushTTLSeconds)*time.Second,
			&http.Client{Timeout: 10 * time.Second},
		)
	} else {
		logger.Info("VAPID keys not configured; web push disabled")
	}
	pushes := service.NewPushService(st.pushSubs, sender, encryptor, m, logger)

	if pushes.Enabled() {
		worker := notify.NewPushWorker(notify.PushWorkerConfig{
			Pushes:   pushes,
			Presence: presence,
			Profiles: st.profiles,
			Logger:   logger,
		})
		bus.AddForwarder(worker)
		worker.Start(ctx)
		defer worker.Stop()
	}

	uploader, err := storage.NewLocalUploader(cfg.UploadDir, cfg.PublicBaseURL)
	if err != nil {
		return err
	}

	conversations := service.NewConversationService(st.conversations, st.profiles, st.listings, logger)
	messages := service.NewMessageService(conversations, st.conversations, st.messages, uploader, m, logger)
	messages.MaxMessagesPerConversation = cfg.MaxMessagesPerConversation
	reads := service.NewReadTracker(st.conversations, st.messages, m)

	hub := ws.NewHub()
	wsHandler := ws.MakeHandler(hub, tokens, session.Deps{
		Conversations:   conversations,
		Messages:        messages,
		Reads:           reads,
		Pushes:          pushes,
		Profiles:        st.profiles,
		Feed:            bus,
		Presence:        presence,
		Metrics:         m,
		Logger:          logger,
		RefreshDebounce: cfg.RefreshDebounce,
		StaleAfter:      cfg.SummaryStaleAfter,
	}, ws.Options{
		AllowedOrigins:    cfg.CORSOrigins,
		SendRatePerSecond: float64(cfg.SendRatePerSecond),
		HeartbeatEvery:    cfg.PresenceTTL / 3,
		Logger:            logger,
	})

	// Build HTTP router
	router := httpserver.NewRouter(httpserver.Deps{
		Tokens:            tokens,
		Conversations:     conversations,
		Messages:          messages,
		Reads:             reads,
		Pushes:            pushes,
		Metrics:           m,
		WS:                wsHandler,
		Logger:            logger,
		CORSOrigins:       cfg.CORSOrigins,
		UploadDir:         uploader.Dir(),
		VAPIDPublicKey:    cfg.VAPIDPublicKey,
		SendRatePerSecond: float64(cfg.SendRatePerSecond),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting plantchat server", "addr", cfg.HTTPAddr(), "store", cfg.StoreDriver, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server", "ws_clients", hub.Total())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := bus.Drain(shutdownCtx); err != nil {
		logger.Warn("change feed did not drain", "error", err)
	}
	return nil
}
