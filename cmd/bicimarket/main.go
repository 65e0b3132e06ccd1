package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/bicimarket/bicimarket/app/controllers"
	"github.com/bicimarket/bicimarket/app/repository"
	apiv1 "github.com/bicimarket/bicimarket/internal/api/v1"
	"github.com/bicimarket/bicimarket/internal/pkg/billing"
	"github.com/bicimarket/bicimarket/internal/pkg/cache"
	"github.com/bicimarket/bicimarket/internal/pkg/constants"
	"github.com/bicimarket/bicimarket/internal/pkg/database"
	"github.com/bicimarket/bicimarket/internal/pkg/env"
	"github.com/bicimarket/bicimarket/internal/pkg/mail"
	"github.com/bicimarket/bicimarket/internal/pkg/metrics/counter"
	"github.com/bicimarket/bicimarket/internal/pkg/router"
)

func main() {
	app, sweeper := NewApplication()
	sweeper.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("Shutting down...")
		sweeper.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("Shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *billing.Sweeper) {
	env.SetupEnvFile()
	if env.IsDev() {
		log.SetLevel(log.LevelDebug)
	}
	database.SetupDatabase()
	cache.SetupCache()
	repos := repository.NewFactory(database.GetDB()).Repositories()

	basePath := findBasePath()
	specPath := basePath + "public/docs/v1/openapi.yml"
	if _, err := apiv1.LoadSpec(specPath); err != nil {
		panic(err)
	}

	// BILLING
	guard := billing.MultiGuard{billing.NewInFlightGuard()}
	if env.GetEnvBool("PAYMENT_REDIS_GUARD", true) {
		guard = append(guard, billing.NewRedisGuard(cache.GetClient(), env.GetEnvDuration("PAYMENT_GUARD_TTL", time.Minute)))
	}
	svc := billing.NewServiceFromDB(
		database.GetDB(),
		billing.NewMercadoPagoClientFromEnv(),
		billing.WithGuard(guard),
		billing.WithNotifier(billing.NewMailNotifier(billing.PlainRenderer{}, mail.Sender(mail.ConfigFromEnv()))),
	)
	if !svc.Available() {
		log.Warn("[Billing] MP_ACCESS_TOKEN not set, payment notifications will answer 503")
	}
	sweeper := billing.NewSweeper(
		svc,
		env.GetEnvDuration("PAYMENT_SWEEP_INTERVAL", 5*time.Minute),
		env.GetEnvDuration("PAYMENT_SWEEP_MIN_AGE", 15*time.Minute),
		env.GetEnvInt("PAYMENT_SWEEP_BATCH", 50),
	)
	payments := controllers.NewPaymentController(svc, repos, counter.New(cache.GetClient()))

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "bicimarket-payments",
		BodyLimit: 1 << 20, // webhook and intent payloads are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get(constants.MetricsRoute, basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: constants.DocsBasePath,
		FilePath: specPath,
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app, payments)

	return app, sweeper
}

func findBasePath() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/bicimarket to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	panic("Could not find project root directory")
}
