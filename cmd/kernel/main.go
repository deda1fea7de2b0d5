// Command kernel runs the roaster control-plane kernel: the Mission
// Store, Mission Runtime worker pool, Dispatcher, Command Proposal
// Service, and Autonomy Governor, all behind a single HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roastfabric/kernel/pkg/alertsink"
	"github.com/roastfabric/kernel/pkg/broker"
	"github.com/roastfabric/kernel/pkg/clock"
	"github.com/roastfabric/kernel/pkg/command"
	"github.com/roastfabric/kernel/pkg/config"
	"github.com/roastfabric/kernel/pkg/database"
	"github.com/roastfabric/kernel/pkg/dispatcher"
	"github.com/roastfabric/kernel/pkg/driver"
	"github.com/roastfabric/kernel/pkg/governor"
	"github.com/roastfabric/kernel/pkg/httpapi"
	"github.com/roastfabric/kernel/pkg/metrics"
	"github.com/roastfabric/kernel/pkg/mission"
	"github.com/roastfabric/kernel/pkg/policy"
	"github.com/roastfabric/kernel/pkg/runtime"
	"github.com/roastfabric/kernel/pkg/tracestore"
	"github.com/roastfabric/kernel/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	config.LoadDotEnv(filepath.Join(*configDir, ".env"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	gin.SetMode(getEnv("GIN_MODE", "debug"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driverName := "sqlite3"
	if cfg.Database.Type == config.DBTypePostgres {
		driverName = "pgx"
	}
	conn, err := database.Open(database.Dialect(cfg.Database.Type), driverName, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer conn.Close()

	if err := conn.Migrate(cfg.Database.MigrationsURL); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	slog.Info("database ready", "dialect", cfg.Database.Type, "dsn", cfg.Database.DSN)

	clk := clock.System{}
	ids := clock.UUIDGenerator{}

	missions := mission.NewStore(conn, clk, ids)

	specs, err := config.LoadCircuitBreakerRules(cfg.Governor.RulesFile)
	if err != nil {
		slog.Warn("could not load circuit breaker rules file, falling back to defaults", "path", cfg.Governor.RulesFile, "error", err)
		specs = config.DefaultCircuitBreakerRules()
	}

	alerts := alertsink.NewService(alertsink.Config{
		Token:   os.Getenv("SLACK_TOKEN"),
		Channel: os.Getenv("SLACK_ALERT_CHANNEL"),
	})

	gov := governor.New(conn, clk, ids, &cfg.Governor, alerts, specs)
	if err := gov.Start(ctx); err != nil {
		log.Fatalf("failed to start autonomy governor: %v", err)
	}
	defer gov.Stop()

	drivers := driver.NewRegistry()
	commands := command.NewService(conn, clk, ids, drivers, gov.Governance())

	traces := tracestore.NewStore(conn)

	checker, err := policy.NewChecker(ctx, clk)
	if err != nil {
		log.Fatalf("failed to build policy checker: %v", err)
	}
	// Tool execution and LLM reasoning are external collaborators this
	// kernel does not implement; the registry ships empty and the
	// reasoner always concludes immediately, so a worker pool can still
	// exercise claim/heartbeat/complete plumbing end to end.
	runtimeEngine := runtime.New(noopReasoner{}, checker, runtime.NewToolRegistry(), clk, ids)

	pool := worker.NewPool(getEnv("POD_ID", "kernel-0"), missions, runtimeEngine, &cfg.Worker, cfg.Dispatcher.Goals, clk)
	pool.Start(ctx)
	defer pool.Stop()

	disp := dispatcher.New(dispatcher.Config{
		Topics:      cfg.Dispatcher.Topics,
		Goals:       cfg.Dispatcher.Goals,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
	}, missions, clk)

	var brokerClient *broker.Client
	if cfg.Dispatcher.MQTTURL != "" {
		brokerClient, err = broker.Connect(broker.Config{BrokerURL: cfg.Dispatcher.MQTTURL, ClientID: "kernel-dispatcher"})
		if err != nil {
			slog.Warn("could not connect to MQTT broker, dispatcher will not receive events", "error", err)
		} else {
			defer brokerClient.Close()
			for _, topic := range cfg.Dispatcher.Topics {
				if err := brokerClient.Subscribe(topic, disp.HandleMessage); err != nil {
					slog.Warn("failed to subscribe to topic", "topic", topic, "error", err)
				}
			}
			go brokerClient.Run()
		}
	}

	m := metrics.New()

	srv := httpapi.NewServer(conn, missions, commands, traces, gov, pool, m)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("error shutting down HTTP server", "error", err)
		}
	}()

	slog.Info("kernel starting", "addr", cfg.HTTP.Addr)
	if err := srv.Start(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
	slog.Info("kernel stopped")
}

// noopReasoner finalizes every mission on its first step; it stands in
// for the LLM-backed reasoning a real deployment would inject.
type noopReasoner struct{}

func (noopReasoner) RunStep(_ context.Context, _ runtime.Step, stepCtx runtime.StepContext) (runtime.StepResult, error) {
	return runtime.StepResult{NewState: stepCtx.State, Done: true, Notes: "no reasoner configured"}, nil
}
