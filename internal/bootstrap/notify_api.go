package bootstrap

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	nhttp "notify_server/adapter/in/http"
	"notify_server/core/port/out"
	"notify_server/core/service/push"
	"notify_server/infra/middleware"
	"notify_server/pkg/logger"
	"notify_server/pkg/ratelimit"
)

const (
	oauthRateLimit  = 20
	oauthRatePeriod = time.Minute
)

// NewAPI builds the HTTP app. dispatcher receives accepted pushes; it is the
// Redis producer in split deployments and the in-process pool otherwise.
// The returned func releases the rate limiter.
func NewAPI(deps *Dependencies, mode string, dispatcher out.PushDispatcher) (*fiber.App, func()) {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.Environment == "production",

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		// Push bodies are small; anything larger is not from the provider.
		BodyLimit: cfg.PushBodyLimit,

		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())

	pingers := make(map[string]nhttp.Pinger)
	for name, fn := range deps.Pingers() {
		pingers[name] = nhttp.PingFunc(fn)
	}
	nhttp.NewHealthHandler(mode, deps.Metrics, pingers).Register(app)

	intake := push.NewIntake(push.Config{
		Token:    cfg.PushVerificationToken,
		Audience: cfg.PushAudience(),
	}, deps.Keys, dispatcher)
	intake.SetDeduper(deps.Deduper)
	intake.SetMetrics(deps.Metrics)
	nhttp.NewPushHandler(intake).Register(app)

	limiter := middleware.NewRateLimiter(oauthRateLimit, oauthRatePeriod)
	if deps.Redis != nil {
		limiter.SetShared(ratelimit.NewSlidingWindow(deps.Redis, "oauth", oauthRateLimit, oauthRatePeriod))
	}
	nhttp.NewOAuthHandler(deps.OAuthService).Register(app, limiter.Handler())

	api := app.Group("/api/v1", middleware.ServiceAuth(cfg.APIJWTSecret))
	nhttp.NewManagementHandler(deps.FilterService, deps.AccountService, deps.WatchService).Register(api)

	logger.Info("API initialized (mode=%s)", mode)
	return app, limiter.Stop
}
