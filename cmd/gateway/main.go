// Command gateway runs the payment gateway process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/icering/coordination/internal/config"
	"github.com/icering/coordination/internal/discovery"
	"github.com/icering/coordination/internal/discovery/consul"
	"github.com/icering/coordination/internal/eventbus"
	"github.com/icering/coordination/internal/gatewaysvc"
	"github.com/icering/coordination/internal/ledger"
	"github.com/icering/coordination/internal/logging"
	"github.com/icering/coordination/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	log := logging.New("gateway", "")

	shutdownTracer, err := telemetry.InitTracer("gateway", log)
	if err != nil {
		log.Error("failed to initialise tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracer()

	metrics := telemetry.NewCoordinationMetrics("gateway")

	listenAddr := config.GatewayAddr()
	adminAddr := config.AdminAddr(listenAddr)

	mux := http.NewServeMux()
	telemetry.RegisterHandlers(mux)
	go func() {
		if err := http.ListenAndServe(adminAddr, mux); err != nil {
			log.Warn("admin http server stopped", slog.Any("error", err))
		}
	}()

	// A nil *consul.Registry assigned directly to the discovery.Registry
	// interface would be a non-nil interface wrapping a nil pointer, so the
	// concrete result is checked before it is handed to Register.
	var registry discovery.Registry
	consulRegistry, err := consul.NewRegistry(config.GetEnv("CONSUL_ADDR", ""))
	if err != nil {
		log.Warn("consul unavailable, continuing without service discovery", slog.Any("error", err))
	} else if consulRegistry != nil {
		registry = consulRegistry
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registration, err := discovery.Register(ctx, registry, "gateway-1", "gateway", listenAddr, log)
	if err != nil {
		log.Warn("service registration failed", slog.Any("error", err))
	}
	if registration != nil {
		defer registration.Deregister(context.Background())
	}

	publisher, err := eventbus.Connect(config.GetEnv("AMQP_URL", ""), log)
	if err != nil {
		log.Warn("rabbitmq unavailable, confirmed-order events disabled", slog.Any("error", err))
	}
	defer publisher.Close()

	ledg := ledger.Open(config.GetEnv("LEDGER_PATH", config.LedgerPath))

	decider := gatewaysvc.NewBernoulliDecider(config.PaymentCaptureSuccessProbability)
	decider = gatewaysvc.NewStripeRiskDecider(config.GetEnv("STRIPE_API_KEY", ""), decider, log)

	gw := gatewaysvc.New(listenAddr, config.ScreenCount, decider, ledg, publisher, metrics, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		cancel()
	}()

	log.Info("gateway listening", slog.String("addr", listenAddr), slog.String("admin_addr", adminAddr))
	if err := gw.Run(ctx); err != nil {
		log.Error("gateway exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
