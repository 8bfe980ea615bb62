package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"huddle/api/internal/app"
	"huddle/api/internal/authpw"
	"huddle/api/internal/calls"
	"huddle/api/internal/config"
	"huddle/api/internal/email"
	"huddle/api/internal/logging"
	"huddle/api/internal/presence"
	"huddle/api/internal/push"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/session"
	"huddle/api/internal/settings"
	"huddle/api/internal/store"
	"huddle/api/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("config load failed")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		logging.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.Database.MigrationsDir); err != nil {
		logging.Fatal().Err(err).Msg("migrations failed")
	}

	redisClient, err := store.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		logging.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisClient.Close()

	dataStore := store.NewPostgresStore(db)

	var primary search.PrimaryIndex
	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meili := search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliKey)
		defer meili.Close()
		primary = meili
	}
	searchService := search.NewService(primary, search.NewPgFTS(db))

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	})
	if !mailer.IsConfigured() {
		logging.Warn().Msg("SMTP not configured; verification tokens are returned in the signup response")
	}

	notifier := push.NewNotifier(dataStore, nil, push.Config{
		PublicKey:        cfg.Push.VAPIDPublicKey,
		PrivateKey:       cfg.Push.VAPIDPrivateKey,
		Subject:          cfg.Push.Subject,
		TTL:              cfg.Push.TTL,
		Concurrency:      cfg.Push.Concurrency,
		BreakerFailures:  cfg.Push.BreakerFailures,
		BreakerOpenDelay: cfg.Push.BreakerOpenDelay,
	})
	if !notifier.Enabled() {
		logging.Info().Msg("web push disabled: no VAPID keys")
	}

	broadcaster := realtime.NewBroadcaster(redisClient, cfg.Realtime.ChannelPrefix)
	hub := realtime.NewHub(1024)
	relay := realtime.NewRelay(redisClient, cfg.Realtime.ChannelPrefix, hub)

	service := app.New(cfg, app.Deps{
		Store:     dataStore,
		Sessions:  session.NewRedisStore(redisClient),
		Accounts:  authpw.NewService(dataStore, mailer, strings.TrimRight(cfg.HTTP.PublicURL, "/")+"/verify-email"),
		Presence:  presence.NewStore(redisClient, cfg.Presence.TTL),
		Calls:     calls.NewStore(redisClient, cfg.Calls.RingTimeout, cfg.Calls.MaxDuration),
		Typing:    realtime.NewTyping(redisClient, broadcaster, cfg.Realtime.TypingTTL),
		Publisher: broadcaster,
		Search:    searchService,
		Push:      notifier,
		Mailer:    mailer,
		Settings:  settings.NewStore(redisClient, broadcaster),
	})

	gateway := realtime.NewGateway(hub, app.NewRealtimeCallbacks(service), realtime.GatewayConfig{
		SendBuffer:  cfg.Realtime.SendBuffer,
		PongWait:    cfg.Realtime.PongWait,
		CheckOrigin: originChecker(cfg.HTTP.CORSOrigin),
	})

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:    cfg.HTTP.CORSOrigin,
		RatePerMinute: cfg.HTTP.RatePerMinute,
		Realtime:      gateway,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go searchService.ReindexAllFromPG(ctx)

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddRealtimeService(hub)
	tree.AddRealtimeService(relay)
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.HTTP.Addr, 10*time.Second))

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("supervisor stopped")
		os.Exit(1)
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logging.Warn().Int("services", len(report)).Msg("some services did not stop in time")
	}
	logging.Info().Msg("huddle api stopped")
}

// originChecker mirrors the CORS setting for websocket upgrades.
func originChecker(setting string) func(r *http.Request) bool {
	allowed := map[string]struct{}{}
	for _, origin := range strings.Split(setting, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	if _, wildcard := allowed["*"]; wildcard || len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
