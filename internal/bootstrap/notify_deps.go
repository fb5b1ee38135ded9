package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"notify_server/adapter/out/lock"
	"notify_server/adapter/out/messaging"
	"notify_server/adapter/out/notifier"
	"notify_server/adapter/out/persistence"
	"notify_server/adapter/out/provider"
	"notify_server/config"
	"notify_server/core/port/out"
	"notify_server/core/service/account"
	"notify_server/core/service/auth"
	"notify_server/core/service/filter"
	"notify_server/core/service/mail"
	"notify_server/core/service/watch"
	"notify_server/infra/database"
	"notify_server/pkg/crypto"
	"notify_server/pkg/httputil"
	"notify_server/pkg/jwks"
	"notify_server/pkg/logger"
	"notify_server/pkg/metrics"
	"notify_server/pkg/snowflake"
)

const (
	jwksTTL        = 10 * time.Minute
	mailboxLockTTL = time.Minute
	metricsWindow  = 1000
)

// Dependencies is the object graph shared by the API and the worker. It is
// built once per process.
type Dependencies struct {
	Config  *config.Config
	DB      *database.DB
	Redis   *redis.Client
	Metrics *metrics.Registry

	// Repositories
	Accounts    *persistence.AccountAdapter
	Bindings    *persistence.BindingAdapter
	Filters     *persistence.FilterAdapter
	Credentials *persistence.CredentialAdapter
	Ledger      *persistence.LedgerAdapter
	Watches     *persistence.WatchAdapter

	// Providers
	Gmail *provider.GmailAdapter
	OAuth *provider.OAuthAdapter
	Keys  *jwks.Cache

	// Coordination
	Locker  out.MailboxLocker
	Deduper out.DeliveryDeduper

	// Messaging, nil without Redis
	Producer *messaging.RedisProducer

	// Services
	Refresher      *auth.Refresher
	OAuthService   *auth.OAuthService
	FilterService  *filter.Service
	Detector       *mail.Detector
	Pipeline       *mail.Pipeline
	WatchService   *watch.Service
	AccountService *account.Service
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg, Metrics: metrics.NewRegistry(metricsWindow)}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	db, err := database.Open(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	deps.DB = db
	deps.Metrics.WatchDB(db.DB.DB)
	cleanups = append(cleanups, func() { db.Close() })
	logger.Info("Database connected (%s)", db.Dialect)

	if cfg.RedisURL != "" {
		client, err := database.NewRedis(ctx, cfg.RedisURL, nil)
		if err != nil {
			return fail(err)
		}
		deps.Redis = client
		cleanups = append(cleanups, func() { client.Close() })
		logger.Info("Redis connected")
	} else {
		logger.Warn("REDIS_URL not set, using in-process locks and dispatch")
	}

	enc, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		return fail(fmt.Errorf("encryption key: %w", err))
	}
	idx, err := crypto.NewBlindIndex([]byte(cfg.BlindIndexKey))
	if err != nil {
		return fail(fmt.Errorf("blind index key: %w", err))
	}
	codec := persistence.NewCodec(enc, idx)

	deps.Accounts = persistence.NewAccountAdapter()
	deps.Bindings = persistence.NewBindingAdapter(codec)
	deps.Filters = persistence.NewFilterAdapter(codec)
	deps.Credentials = persistence.NewCredentialAdapter(codec)
	deps.Ledger = persistence.NewLedgerAdapter(codec, cfg.LedgerCapacity)
	deps.Watches = persistence.NewWatchAdapter(codec)

	providerClient := httputil.NewClient(httputil.ProviderClientConfig(cfg.ProviderTimeout))
	deps.Gmail = provider.NewGmailAdapter(provider.GmailConfig{HTTPClient: providerClient})
	deps.OAuth = provider.NewOAuthAdapter(provider.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   providerClient,
	})
	deps.Keys = jwks.NewCache(cfg.PushJWKSURL, jwksTTL,
		httputil.NewClient(httputil.WebhookClientConfig(cfg.ProviderTimeout)))

	if deps.Redis != nil {
		deps.Locker = lock.NewRedisLocker(deps.Redis, mailboxLockTTL)
		deps.Deduper = lock.NewRedisDeduper(deps.Redis, lock.DefaultDedupTTL)
		deps.Producer = messaging.NewRedisProducer(deps.Redis)
	} else {
		deps.Locker = lock.NewKeyedMutex()
		deps.Deduper = lock.NewMemoryDeduper(lock.DefaultDedupTTL)
	}

	sink, err := newSink(cfg, deps.Producer)
	if err != nil {
		return fail(err)
	}

	deps.Refresher = auth.NewRefresher(db, deps.Credentials, deps.OAuth, cfg.ProviderTimeout)
	deps.Refresher.SetMetrics(deps.Metrics)

	deps.FilterService = filter.NewService(db, deps.Filters, deps.Bindings)

	deps.Detector = mail.NewDetector(mail.DetectorDeps{
		Tx:        db,
		Creds:     deps.Credentials,
		Ledger:    deps.Ledger,
		Provider:  deps.Gmail,
		Refresher: deps.Refresher,
		Locker:    deps.Locker,
	}, cfg.ProviderTimeout)
	deps.Detector.SetMetrics(deps.Metrics)

	deps.Pipeline = mail.NewPipeline(deps.Detector, deps.FilterService, deps.Bindings, db, sink)
	deps.Pipeline.SetMetrics(deps.Metrics)

	deps.WatchService = watch.NewService(db, deps.Credentials, deps.Watches, deps.Gmail, deps.Refresher, watch.Config{
		Topic:       cfg.PushTopic,
		BatchSize:   cfg.WatchBatchSize,
		Concurrency: cfg.WatchConcurrency,
		Timeout:     cfg.ProviderTimeout,
	})
	deps.WatchService.SetMetrics(deps.Metrics)

	deps.OAuthService = auth.NewOAuthService(auth.OAuthDeps{
		Tx:       db,
		Creds:    deps.Credentials,
		Accounts: deps.Accounts,
		Bindings: deps.Bindings,
		OAuth:    deps.OAuth,
		Mail:     deps.Gmail,
	}, cfg.OAuthStateSecret, cfg.ProviderTimeout)
	deps.OAuthService.SetWatchRegistrar(deps.WatchService)
	deps.OAuthService.SetNonceStore(newNonceStore(deps.Redis))

	deps.AccountService = account.NewService(account.Deps{
		Tx:       db,
		Accounts: deps.Accounts,
		Bindings: deps.Bindings,
		Filters:  deps.Filters,
		Creds:    deps.Credentials,
		Ledger:   deps.Ledger,
		Watches:  deps.Watches,
	})

	return deps, cleanup, nil
}

// newSink picks the chat delivery target from NOTIFY_SINK.
func newSink(cfg *config.Config, producer *messaging.RedisProducer) (out.NotificationSink, error) {
	ids, err := snowflake.NewGenerator(snowflake.NodeFromName(cfg.WorkerID))
	if err != nil {
		return nil, err
	}

	switch cfg.NotifySink {
	case "stream":
		if producer == nil {
			return nil, fmt.Errorf("stream sink requires REDIS_URL")
		}
		logger.Info("Notifications go to stream %s", out.StreamOutbound)
		sink := notifier.NewStreamSink(producer)
		sink.SetIDs(ids)
		return sink, nil
	case "webhook":
		client := httputil.NewClient(httputil.WebhookClientConfig(cfg.ProviderTimeout))
		logger.Info("Notifications go to webhook")
		sink := notifier.NewWebhookSink(cfg.NotifyWebhookURL, client)
		sink.SetIDs(ids)
		return sink, nil
	default:
		logger.Info("Notifications go to the log")
		return notifier.LogSink{}, nil
	}
}

// newNonceStore keeps spent OAuth state ids for as long as a state is valid.
func newNonceStore(client *redis.Client) out.DeliveryDeduper {
	if client != nil {
		return lock.NewRedisDeduper(client, auth.StateTTL)
	}
	return lock.NewMemoryDeduper(auth.StateTTL)
}

// Pingers lists the dependencies /ready checks.
func (d *Dependencies) Pingers() map[string]func(context.Context) error {
	p := map[string]func(context.Context) error{
		"database": d.DB.PingContext,
	}
	if d.Redis != nil {
		p["redis"] = func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }
	}
	return p
}
