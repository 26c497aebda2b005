// Command dispatcherd wires a Dispatcher to a broker transport and an admin
// HTTP surface. The demo handlers registered below mirror this project's
// upstream example program: a class-style handler for TEST_CLASS and a
// function-style handler for TEST_FUNCTION, both gated on type_event.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	shell "github.com/ipfs/go-ipfs-api"

	"github.com/corewire/dispatch/pkg/admin"
	"github.com/corewire/dispatch/pkg/broker"
	"github.com/corewire/dispatch/pkg/broker/ipfspubsub"
	"github.com/corewire/dispatch/pkg/broker/wsbroker"
	"github.com/corewire/dispatch/pkg/dispatch"
	"github.com/corewire/dispatch/pkg/logging"
	"github.com/corewire/dispatch/pkg/model"
)

func main() {
	var (
		transport   = flag.String("transport", "ws", "broker transport: ws or ipfs")
		wsAddr      = flag.String("ws-addr", ":8090", "address for the ws transport's listener")
		ipfsAPI     = flag.String("ipfs-api", "http://127.0.0.1:5001", "IPFS API endpoint for the ipfs transport")
		ipfsTopic   = flag.String("ipfs-topic", "dispatcherd", "PubSub topic for the ipfs transport")
		adminAddr   = flag.String("admin-addr", ":8091", "address for the admin HTTP surface")
		poolSize    = flag.Int("pool-size", 3, "maximum concurrently running tasks (0 = unbounded)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		demoTraffic = flag.Bool("demo", false, "publish a handful of demo messages on startup")
	)
	flag.Parse()

	level, err := logging.ParseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid -log-level: %v", err)
	}
	logging.InitGlobalLogger(&logging.Config{Level: level, Format: logging.TextFormat, Output: os.Stdout})
	logger := logging.GetGlobalLogger().WithComponent("dispatcherd")

	dp, err := dispatch.New(dispatch.Config{PoolSize: *poolSize, Logger: logger})
	if err != nil {
		log.Fatalf("dispatcher init: %v", err)
	}
	registerDemoHandlers(dp.Root, logger)
	if err := dp.Outer.Use(loggingMiddleware(logger)); err != nil {
		log.Fatalf("middleware registration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brk, err := newBroker(*transport, *wsAddr, *ipfsAPI, *ipfsTopic, logger)
	if err != nil {
		log.Fatalf("broker init: %v", err)
	}
	defer brk.Close()

	gate := dispatch.NewAdmissionGate(dp, logger.WithComponent("admission"))
	go gate.Run(ctx, brk.Frames(ctx))

	adminSrv := admin.New(admin.Config{Addr: *adminAddr, Dispatcher: dp, Logger: logger.WithComponent("admin")})
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil {
			logger.WithField("error", err.Error()).Warn("admin server exited")
		}
	}()

	if *demoTraffic {
		go publishDemoTraffic(ctx, brk, logger)
	}

	logger.WithField("transport", *transport).WithField("pool_size", *poolSize).Info("dispatcherd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	adminSrv.Close()
}

func newBroker(transport, wsAddr, ipfsAPI, ipfsTopic string, logger *logging.Logger) (broker.Broker, error) {
	switch transport {
	case "ws":
		cfg := wsbroker.DefaultConfig(wsAddr)
		cfg.Logger = logger.WithComponent("wsbroker")
		return wsbroker.New(cfg)
	case "ipfs":
		sh := shell.NewShell(ipfsAPI)
		cfg := ipfspubsub.DefaultConfig(sh, ipfsTopic)
		cfg.Logger = logger.WithComponent("ipfspubsub")
		return ipfspubsub.New(cfg)
	default:
		return nil, fmt.Errorf("unknown -transport %q, want ws or ipfs", transport)
	}
}

// loggingMiddleware is the outer middleware that wraps every task: once the
// full pipeline returns it logs the outcome and elapsed time, with no
// filters so it matches unconditionally.
func loggingMiddleware(logger *logging.Logger) dispatch.Middleware {
	return func(ctx context.Context, next dispatch.Terminal, metadata model.Metadata, data map[string]any) error {
		start := time.Now()
		err := next(ctx, metadata, data)
		fields := logger.WithField("uuid", metadata.TaskUUID()).WithField("elapsed_ms", time.Since(start).Milliseconds())
		if err != nil {
			fields.WithField("error", err.Error()).Warn("task finished with error")
		} else {
			fields.Debug("task finished")
		}
		return err
	}
}

// demoHandler is the class-style handler: a fresh instance is constructed
// per dispatched task, matching the upstream example's MyHandler.
type demoHandler struct{}

func newDemoHandler(metadata model.Metadata, data map[string]any) (dispatch.Handler, error) {
	return &demoHandler{}, nil
}

// Handle simulates a few seconds of business logic, matching the upstream
// example's asyncio.sleep(4) inside a seven-second close window.
func (h *demoHandler) Handle(ctx context.Context, b dispatch.Bundle) error {
	select {
	case <-time.After(4 * time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// registerDemoHandlers wires the two example targets from the upstream
// program: a class handler for TEST_CLASS and a function handler for
// TEST_FUNCTION, both matched on type_event.
func registerDemoHandlers(root *dispatch.Router, logger *logging.Logger) {
	classLog := logger.WithComponent("demo.class")
	_ = root.IncludeClassHandler(newDemoHandler, dispatch.Timeouts{
		ExecutionTimeout: 2 * time.Second,
		OnExecutionTimeout: func(b dispatch.Bundle) {
			classLog.WithField("uuid", b.Metadata.TaskUUID()).Debug("still running, please wait more")
		},
		CloseTimeout: 7 * time.Second,
		OnClose: func(b dispatch.Bundle) {
			classLog.WithField("uuid", b.Metadata.TaskUUID()).Warn("close timeout reached, cancelling")
		},
	}, dispatch.FieldTruthy("TEST_CLASS"))

	funcLog := logger.WithComponent("demo.function")
	_ = root.IncludeHandler(func(ctx context.Context, b dispatch.Bundle) error {
		name, _ := b.Data["name"].(string)
		funcLog.WithField("uuid", b.Metadata.TaskUUID()).WithField("name", name).Info("function handler complete")
		return nil
	}, dispatch.Timeouts{}, dispatch.FieldTruthy("TEST_FUNCTION"))
}

// publishDemoTraffic mirrors the upstream example's main(): publish a task,
// query its status, close it, query again, then publish a couple more
// independent tasks to show pool back-pressure.
func publishDemoTraffic(ctx context.Context, brk broker.Broker, logger *logging.Logger) {
	first := uuid.New().String()
	publish(ctx, brk, logger, map[string]any{"uuid": first, "type_event": "TEST_CLASS", "data": map[string]any{"name": "alice"}})
	publish(ctx, brk, logger, map[string]any{"uuid": first, "command": "GET_STATUS"})
	publish(ctx, brk, logger, map[string]any{"uuid": first, "command": "CLOSING"})
	publish(ctx, brk, logger, map[string]any{"uuid": first, "command": "GET_STATUS"})

	publish(ctx, brk, logger, map[string]any{"uuid": uuid.New().String(), "type_event": "TEST_CLASS", "data": map[string]any{"name": "bob"}})
	publish(ctx, brk, logger, map[string]any{"uuid": uuid.New().String(), "type_event": "TEST_FUNCTION", "data": map[string]any{"name": "carol"}})
	publish(ctx, brk, logger, map[string]any{"uuid": uuid.New().String(), "type_event": "TEST_CLASS", "data": map[string]any{"name": "dave"}})
}

func publish(ctx context.Context, brk broker.Broker, logger *logging.Logger, payload map[string]any) {
	if err := brk.Publish(ctx, payload); err != nil {
		logger.WithField("error", err.Error()).Warn("demo publish failed")
	}
}
