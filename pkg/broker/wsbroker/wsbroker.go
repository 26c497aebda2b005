// Package wsbroker drives the dispatcher from a plain WebSocket connection,
// for local test harnesses or a sibling process, using
// github.com/gorilla/websocket the same way this repository's web UI
// commands (cmd/announce-webui-simple) upgrade and read/write connections.
// It layers the same local redelivery-ring approximation of a durable
// subject's visibility timeout as pkg/broker/ipfspubsub.
package wsbroker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corewire/dispatch/pkg/broker"
	"github.com/corewire/dispatch/pkg/dispatch"
	"github.com/corewire/dispatch/pkg/logging"
)

// Config configures the server-side adapter.
type Config struct {
	Addr              string
	Path              string
	VisibilityTimeout time.Duration
	BufferSize        int
	Logger            *logging.Logger
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:              addr,
		Path:              "/ws",
		VisibilityTimeout: 30 * time.Second,
		BufferSize:        64,
	}
}

// Adapter implements broker.Broker by listening for a single inbound
// WebSocket connection and treating every text frame it receives as one
// decoded JSON payload. Used by cmd/dispatcherd's -transport=ws mode; the
// peer that dials in acts as the "producer" side.
type Adapter struct {
	cfg      Config
	log      *logging.Logger
	upgrader websocket.Upgrader
	ring     *broker.RedeliveryRing

	connCh chan *websocket.Conn
}

// New starts an HTTP server on cfg.Addr that upgrades cfg.Path to a
// WebSocket connection.
func New(cfg Config) (*Adapter, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("wsbroker: addr is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetGlobalLogger().WithComponent("wsbroker")
	}

	a := &Adapter{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ring:   broker.NewRedeliveryRing(cfg.VisibilityTimeout, cfg.BufferSize),
		connCh: make(chan *websocket.Conn, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, a.handleUpgrade)
	server := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithField("error", err.Error()).Error("ws server exited")
		}
	}()

	return a, nil
}

func (a *Adapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithField("error", err.Error()).Warn("websocket upgrade failed")
		return
	}
	a.connCh <- conn
}

// Frames accepts the next inbound connection and reads JSON frames from it
// until ctx is cancelled or the connection closes, handing each to the
// redelivery ring.
func (a *Adapter) Frames(ctx context.Context) <-chan dispatch.Frame {
	go a.run(ctx)
	return a.ring.Frames()
}

func (a *Adapter) run(ctx context.Context) {
	defer a.ring.Close()

	var conn *websocket.Conn
	select {
	case conn = <-a.connCh:
	case <-ctx.Done():
		return
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var payload map[string]any
		if err := conn.ReadJSON(&payload); err != nil {
			a.log.WithField("error", err.Error()).Warn("websocket read failed, closing")
			return
		}

		id, _ := payload["uuid"].(string)
		a.ring.Deliver(id, payload, nil)
	}
}

// Publish writes payload as a JSON text frame to an accepted connection that
// is still queued, i.e. one Frames' reader has not taken. It returns an
// error when no connection is queued, which includes the case where the
// reader has taken the only accepted connection.
func (a *Adapter) Publish(ctx context.Context, payload map[string]any) error {
	select {
	case conn := <-a.connCh:
		a.connCh <- conn
		return conn.WriteJSON(payload)
	default:
		return fmt.Errorf("wsbroker: no connection accepted yet")
	}
}

// Close is a no-op placeholder; the underlying http.Server is not
// separately tracked since Adapter is scoped to one dispatcher lifetime.
func (a *Adapter) Close() error {
	return nil
}
