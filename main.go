package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasklist-api/api"
	"tasklist-api/assistant"
	"tasklist-api/collection"
	"tasklist-api/storage"
)

const (
	gatewayAzure  = "azure"
	gatewaySQLite = "sqlite"
)

type config struct {
	Debug bool

	Gateway     string
	ConnStr     string
	TasksTable  string
	ChangeQueue string
	SQLitePath  string

	RedisConn      string
	CacheTTL       time.Duration
	DeduperTTL     time.Duration
	ChangesChannel string

	Auth0Domain   string
	Auth0Audience string
	SharedSecret  []byte
	JWKSCacheTTL  time.Duration

	Generation assistant.ClientConfig

	ListenAddr string
}

// loadConfig reads the service configuration through getenv.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		ConnStr:        getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:     getenv("TASKS_TABLE"),
		ChangeQueue:    getenv("CHANGE_QUEUE"),
		SQLitePath:     getenv("SQLITE_PATH"),
		RedisConn:      getenv("REDIS_CONNECTION_STRING"),
		ChangesChannel: getenv("CHANGES_CHANNEL"),
		Auth0Domain:    getenv("AUTH0_DOMAIN"),
		Auth0Audience:  getenv("AUTH0_AUDIENCE"),
		Generation: assistant.ClientConfig{
			BaseURL: getenv("GENERATION_API_URL"),
			APIKey:  getenv("GENERATION_API_KEY"),
			Model:   getenv("GENERATION_MODEL"),
		},
		ListenAddr: ":8080",
	}
	if dbg, err := strconv.ParseBool(getenv("DEBUG")); err == nil && dbg {
		cfg.Debug = true
	}

	cfg.Gateway = strings.ToLower(strings.TrimSpace(getenv("GATEWAY")))
	if cfg.Gateway == "" {
		cfg.Gateway = gatewaySQLite
		if cfg.ConnStr != "" {
			cfg.Gateway = gatewayAzure
		}
	}
	switch cfg.Gateway {
	case gatewayAzure:
		if cfg.ConnStr == "" || cfg.TasksTable == "" {
			return config{}, errors.New("missing storage config: STORAGE_CONNECTION_STRING and TASKS_TABLE are required")
		}
	case gatewaySQLite:
		if cfg.SQLitePath == "" {
			cfg.SQLitePath = "tasklist.db"
		}
	default:
		return config{}, fmt.Errorf("invalid GATEWAY %q: must be azure or sqlite", cfg.Gateway)
	}
	if cfg.ChangeQueue != "" && cfg.ConnStr == "" {
		return config{}, errors.New("CHANGE_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if cfg.ChangesChannel == "" {
		cfg.ChangesChannel = "tasklist:changes"
	}

	var err error
	if cfg.CacheTTL, err = durationEnv(getenv, "TASKS_CACHE_TTL", 5*time.Minute); err != nil {
		return config{}, err
	}
	if cfg.DeduperTTL, err = durationEnv(getenv, "DEDUPER_TTL", 24*time.Hour); err != nil {
		return config{}, err
	}
	if cfg.JWKSCacheTTL, err = durationEnv(getenv, "JWKS_CACHE_TTL", api.DefaultJWKSCacheTTL); err != nil {
		return config{}, err
	}
	if cfg.Generation.Timeout, err = durationEnv(getenv, "GENERATION_TIMEOUT", 60*time.Second); err != nil {
		return config{}, err
	}

	switch {
	case getenv("LOCAL_AUTH_MODE") == "1":
		secret := getenv("LOCAL_AUTH_SHARED_SECRET")
		if secret == "" {
			return config{}, errors.New("LOCAL_AUTH_MODE requires LOCAL_AUTH_SHARED_SECRET")
		}
		cfg.SharedSecret = []byte(secret)
	case getenv("AUTH0_TEST_MODE") == "1":
		secret := getenv("TEST_JWT_SECRET")
		if secret == "" {
			return config{}, errors.New("AUTH0_TEST_MODE requires TEST_JWT_SECRET")
		}
		cfg.SharedSecret = []byte(secret)
	default:
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			return config{}, errors.New("missing Auth0 config")
		}
	}

	if port := getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	} else if port := getenv("FUNCTIONS_CUSTOMHANDLER_PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	return cfg, nil
}

func durationEnv(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

// parseRedisOptions accepts a redis URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func parseRedisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	addr := strings.TrimSpace(parts[0])
	if addr == "" {
		return nil, errors.New("missing redis address")
	}
	opts := &redis.Options{Addr: addr}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

func openGateway(ctx context.Context, cfg config) (collection.Gateway, func() error, error) {
	switch cfg.Gateway {
	case gatewayAzure:
		gw, err := storage.NewTableGateway(cfg.ConnStr, cfg.TasksTable)
		if err != nil {
			return nil, nil, err
		}
		return gw, func() error { return nil }, nil
	default:
		gw, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return gw, gw.Close, nil
	}
}

func newAuth(cfg config, logger *log.Logger) (*api.Auth, error) {
	if len(cfg.SharedSecret) > 0 {
		return api.NewAuth(api.AuthConfig{
			Audience:     cfg.Auth0Audience,
			SharedSecret: cfg.SharedSecret,
		}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    cfg.Auth0Audience,
		Issuer:      "https://" + cfg.Auth0Domain + "/",
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}), nil
}

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, closeGateway, err := openGateway(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer func() {
		if err := closeGateway(); err != nil {
			logger.WithError(err).Warn("close storage")
		}
	}()

	var (
		rc      *redis.Client
		cache   *storage.Cache
		deduper api.Deduper
	)
	if cfg.RedisConn != "" {
		opts, err := parseRedisOptions(cfg.RedisConn)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
		cache = storage.NewCache(gw, rc, cfg.CacheTTL)
		gw = cache
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	store := collection.NewStore(gw, logger)

	if rc != nil {
		notifier := storage.NewRedisNotifier(rc, cfg.ChangesChannel, logger)
		store.Subscribe(notifier.Handle)
		go notifier.Listen(ctx, func(owner string) {
			cache.Evict(ctx, owner)
			store.Invalidate(owner)
		})
	}
	if cfg.ChangeQueue != "" {
		qc, err := storage.NewQueueClient(cfg.ConnStr, cfg.ChangeQueue)
		if err != nil {
			log.Fatalf("change queue: %v", err)
		}
		feed := storage.NewChangeFeed(qc, logger, storage.FeedOptions{})
		defer feed.Close()
		store.Subscribe(feed.Handle)
	}

	var intake api.Intake
	if cfg.Generation.APIKey != "" {
		intake = assistant.New(assistant.NewClient(cfg.Generation), logger)
	} else {
		logger.Warn("GENERATION_API_KEY not set, assistant routes disabled")
	}

	auth, err := newAuth(cfg, logger)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Pre(api.Decompress())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.Compress())
	api.Register(e, store, intake, auth, deduper, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
}
