package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vidforge/vidforge-backend/internal/platform/logger"
	"github.com/vidforge/vidforge-backend/internal/platform/randhex"
)

// relayFrame is the wire form on the redis channel. Origin tags prevent a
// node from re-emitting its own events.
type relayFrame struct {
	Origin  string          `json:"origin"`
	Name    Name            `json:"name"`
	OwnerID uuid.UUID       `json:"owner_id"`
	Payload json.RawMessage `json:"payload"`
}

// Relay mirrors local events onto a redis pub/sub channel and re-emits
// remote ones on the local bus as Remote events. It is optional: a single
// node runs fine without one.
type Relay struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	origin  string
	bus     *Bus
}

func NewRelay(baseLog *logger.Logger, addr, channel string, bus *Bus) (*Relay, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	if channel == "" {
		channel = "events"
	}
	if bus == nil {
		return nil, fmt.Errorf("bus required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r := &Relay{
		log:     baseLog.With("component", "EventRelay"),
		rdb:     rdb,
		channel: channel,
		origin:  randhex.MustNew(8),
		bus:     bus,
	}
	bus.SubscribeAll(r.publish)
	return r, nil
}

func (r *Relay) publish(ctx context.Context, e Event) {
	if _, remote := e.(Remote); remote {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		r.log.Warn("Event not relayable", "event", string(e.EventName()), "error", err)
		return
	}
	frame, err := json.Marshal(relayFrame{
		Origin:  r.origin,
		Name:    e.EventName(),
		OwnerID: e.EventOwner(),
		Payload: body,
	})
	if err != nil {
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, frame).Err(); err != nil {
		r.log.Warn("Relay publish failed", "event", string(e.EventName()), "error", err)
	}
}

// Start subscribes to the channel and re-emits remote frames until ctx ends.
func (r *Relay) Start(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var frame relayFrame
				if err := json.Unmarshal([]byte(m.Payload), &frame); err != nil {
					r.log.Warn("Bad relay frame", "error", err)
					continue
				}
				if frame.Origin == r.origin {
					continue
				}
				r.bus.Emit(ctx, Remote{
					Name:    frame.Name,
					OwnerID: frame.OwnerID,
					Payload: frame.Payload,
				})
			}
		}
	}()
	return nil
}

func (r *Relay) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
