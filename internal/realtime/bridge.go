package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gavelhq/gavel/internal/metrics"
)

const (
	channelPrefix  = "auction_events:"
	outboundBuffer = 512
	publishTimeout = 5 * time.Second
)

// RedisBridge routes events through Redis pub/sub so every service instance
// can fan them out to its own connected clients. Publishers write to a
// per-auction channel; each instance pattern-subscribes and feeds the
// payloads into its local hub. Outbound events drain through one goroutine,
// and Redis delivers per-channel messages in publish order, so the per-topic
// FIFO guarantee survives the hop.
type RedisBridge struct {
	client   *redis.Client
	hub      *Hub
	outbound chan outboundEvent

	// send performs one PUBLISH; only the drain goroutine calls it.
	send func(ctx context.Context, channel string, payload []byte) error
}

type outboundEvent struct {
	channel string
	payload []byte
}

func NewRedisBridge(addr, password string, db int, hub *Hub) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := &RedisBridge{
		client:   client,
		hub:      hub,
		outbound: make(chan outboundEvent, outboundBuffer),
	}
	b.send = func(ctx context.Context, channel string, payload []byte) error {
		return client.Publish(ctx, channel, payload).Err()
	}
	return b, nil
}

// Publish implements auction.Publisher. The event is queued for the single
// drain goroutine, which preserves the order publishes were made in; when the
// queue is saturated the event is dropped, consistent with at-most-once
// delivery.
func (b *RedisBridge) Publish(auctionID int64, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Debug("Failed to marshal event for redis",
			slog.String("type", "hub"),
			slog.Int64("auction_id", auctionID),
			slog.String("error", err.Error()))
		return
	}

	select {
	case b.outbound <- outboundEvent{
		channel: channelPrefix + strconv.FormatInt(auctionID, 10),
		payload: payload,
	}:
	default:
		metrics.DroppedEvents.Inc()
		slog.Debug("Redis publish queue saturated, event dropped",
			slog.String("type", "hub"),
			slog.Int64("auction_id", auctionID))
	}
}

// Run subscribes to every auction channel and forwards payloads into the
// local hub until ctx is cancelled. It also starts the outbound drain.
func (b *RedisBridge) Run(ctx context.Context) error {
	go b.drainOutbound(ctx)

	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			auctionID, err := auctionIDFromChannel(msg.Channel)
			if err != nil {
				slog.Debug("Ignoring message on unexpected channel",
					slog.String("type", "hub"),
					slog.String("channel", msg.Channel))
				continue
			}
			b.hub.PublishRaw(auctionID, []byte(msg.Payload))
		}
	}
}

// drainOutbound is the only writer to Redis: queued events go out one at a
// time, in queue order.
func (b *RedisBridge) drainOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-b.outbound:
			sendCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			err := b.send(sendCtx, out.channel, out.payload)
			cancel()
			if err != nil {
				slog.Debug("Failed to publish event to redis",
					slog.String("type", "hub"),
					slog.String("channel", out.channel),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (b *RedisBridge) Close() error {
	return b.client.Close()
}

func auctionIDFromChannel(channel string) (int64, error) {
	raw, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return 0, fmt.Errorf("channel %q lacks expected prefix", channel)
	}
	return strconv.ParseInt(raw, 10, 64)
}
