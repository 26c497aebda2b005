// Package ipfspubsub adapts github.com/ipfs/go-ipfs-api's PubSub API into
// the broker.Broker contract, reusing this repository's existing pub/sub
// integration pattern (pkg/announce/pubsub) for subscribe/publish and JSON
// envelope encoding.
package ipfspubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/corewire/dispatch/pkg/broker"
	"github.com/corewire/dispatch/pkg/dispatch"
	"github.com/corewire/dispatch/pkg/logging"
)

// Config configures the adapter. VisibilityTimeout controls how long an
// un-acked or nacked frame stays "in flight" before the local redelivery
// ring redelivers it, approximating a durable subject's visibility window
// since IPFS PubSub itself has none.
type Config struct {
	Shell             *shell.Shell
	Topic             string
	VisibilityTimeout time.Duration
	BufferSize        int
	Logger            *logging.Logger
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig(sh *shell.Shell, topic string) Config {
	return Config{
		Shell:             sh,
		Topic:             topic,
		VisibilityTimeout: 30 * time.Second,
		BufferSize:        64,
	}
}

// Adapter implements broker.Broker over an IPFS PubSub topic.
type Adapter struct {
	cfg  Config
	log  *logging.Logger
	ring *broker.RedeliveryRing
	sub  *shell.PubSubSubscription
}

// New subscribes to cfg.Topic and returns an Adapter ready for Frames.
func New(cfg Config) (*Adapter, error) {
	if cfg.Shell == nil {
		return nil, fmt.Errorf("ipfspubsub: shell is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("ipfspubsub: topic is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetGlobalLogger().WithComponent("ipfspubsub")
	}

	sub, err := cfg.Shell.PubSubSubscribe(cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("ipfspubsub: subscribe %q: %w", cfg.Topic, err)
	}

	return &Adapter{
		cfg:  cfg,
		log:  log,
		ring: broker.NewRedeliveryRing(cfg.VisibilityTimeout, cfg.BufferSize),
		sub:  sub,
	}, nil
}

// Frames starts a subscribe loop and returns the channel of decoded frames;
// each call starts another loop over the same subscription and ring. It mirrors pkg/announce/pubsub's
// processMessages loop: read the next PubSub message, decode its JSON
// envelope, hand it to the redelivery ring, and keep going until ctx is
// cancelled.
func (a *Adapter) Frames(ctx context.Context) <-chan dispatch.Frame {
	go a.run(ctx)
	return a.ring.Frames()
}

func (a *Adapter) run(ctx context.Context) {
	defer a.ring.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := a.sub.Next()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				a.log.WithField("error", err.Error()).Warn("pubsub read failed, retrying")
				time.Sleep(time.Second)
				continue
			}
		}

		var payload map[string]any
		if jsonErr := json.Unmarshal(msg.Data, &payload); jsonErr != nil {
			a.log.WithField("error", jsonErr.Error()).Warn("undecodable pubsub message, dropping")
			continue
		}

		id, _ := payload["uuid"].(string)
		a.ring.Deliver(id, payload, nil)
	}
}

// Publish encodes payload as JSON and publishes it to cfg.Topic.
func (a *Adapter) Publish(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipfspubsub: encode payload: %w", err)
	}
	return a.cfg.Shell.PubSubPublish(a.cfg.Topic, string(data))
}

// Close releases the PubSub subscription.
func (a *Adapter) Close() error {
	return a.sub.Cancel()
}
