package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	lru "github.com/hashicorp/golang-lru"

	"github.com/gavelhq/gavel/internal/auction"
	"github.com/gavelhq/gavel/internal/metrics"
)

const (
	commandBuffer    = 512
	subscriberBuffer = 64
	recentCacheSize  = 1024
)

type cmdKind int

const (
	cmdRegister cmdKind = iota
	cmdJoin
	cmdLeave
	cmdPublish
	cmdDisconnect
)

type command struct {
	kind    cmdKind
	sub     *Subscriber
	topic   int64
	payload []byte
}

// Subscriber is one connected observer. Its topic set is owned by the hub
// loop; the send channel is drained by the transport (or a test).
type Subscriber struct {
	ID     string
	send   chan []byte
	topics map[int64]struct{}
	closed bool
}

func NewSubscriber(id string) *Subscriber {
	return &Subscriber{
		ID:     id,
		send:   make(chan []byte, subscriberBuffer),
		topics: make(map[int64]struct{}),
	}
}

// Events returns the channel the subscriber's messages arrive on. The
// channel is closed when the subscriber is disconnected.
func (s *Subscriber) Events() <-chan []byte {
	return s.send
}

// Hub is the per-auction fan-out layer. A single goroutine processes every
// command, which is what gives each topic FIFO delivery: events for one
// auction reach each subscriber in publish order. Delivery is at-most-once;
// a subscriber that cannot keep up loses events rather than blocking the
// publisher.
type Hub struct {
	commands chan command
	done     chan struct{}
	topics   map[int64]map[*Subscriber]struct{}

	// subs tracks every registered subscriber, joined to a topic or not, so
	// shutdown can close all of them.
	subs map[*Subscriber]struct{}

	// recent holds the latest event per topic so a joining client sees the
	// current state of the room immediately.
	recent *lru.Cache
}

func NewHub() *Hub {
	recent, _ := lru.New(recentCacheSize)
	return &Hub{
		commands: make(chan command, commandBuffer),
		done:     make(chan struct{}),
		topics:   make(map[int64]map[*Subscriber]struct{}),
		subs:     make(map[*Subscriber]struct{}),
		recent:   recent,
	}
}

// Run processes hub commands until ctx is cancelled, then disconnects every
// registered subscriber. Closing done first releases any caller still
// waiting to enqueue a command.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for sub := range h.subs {
				h.disconnect(sub)
			}
			h.topics = make(map[int64]map[*Subscriber]struct{})
			return
		case cmd := <-h.commands:
			h.handle(cmd)
		}
	}
}

// enqueue hands a command to the hub loop. After shutdown it returns
// immediately instead of blocking on a full buffer nobody drains.
func (h *Hub) enqueue(cmd command) {
	select {
	case h.commands <- cmd:
	case <-h.done:
	}
}

// Register makes the hub responsible for closing sub on shutdown. Transports
// register a subscriber before it joins any topic.
func (h *Hub) Register(sub *Subscriber) {
	h.enqueue(command{kind: cmdRegister, sub: sub})
}

// Join subscribes sub to an auction's topic. The Joined ack goes to sub
// only, followed by the most recent event on the topic, if any.
func (h *Hub) Join(sub *Subscriber, auctionID int64) {
	h.enqueue(command{kind: cmdJoin, sub: sub, topic: auctionID})
}

// Leave unsubscribes sub from an auction's topic.
func (h *Hub) Leave(sub *Subscriber, auctionID int64) {
	h.enqueue(command{kind: cmdLeave, sub: sub, topic: auctionID})
}

// Disconnect removes sub from every topic and closes its event channel.
func (h *Hub) Disconnect(sub *Subscriber) {
	h.enqueue(command{kind: cmdDisconnect, sub: sub})
}

// Publish implements auction.Publisher. It never blocks: when the hub is
// saturated the event is dropped, consistent with at-most-once delivery.
func (h *Hub) Publish(auctionID int64, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Debug("Failed to marshal event",
			slog.String("type", "hub"),
			slog.Int64("auction_id", auctionID),
			slog.String("error", err.Error()))
		return
	}
	h.PublishRaw(auctionID, payload)
}

// PublishRaw fans out an already-encoded event.
func (h *Hub) PublishRaw(auctionID int64, payload []byte) {
	select {
	case h.commands <- command{kind: cmdPublish, topic: auctionID, payload: payload}:
	default:
		metrics.DroppedEvents.Inc()
		slog.Debug("Hub saturated, event dropped",
			slog.String("type", "hub"),
			slog.Int64("auction_id", auctionID))
	}
}

func (h *Hub) handle(cmd command) {
	switch cmd.kind {
	case cmdRegister:
		if cmd.sub.closed {
			return
		}
		h.subs[cmd.sub] = struct{}{}

	case cmdJoin:
		if cmd.sub.closed {
			return
		}
		h.subs[cmd.sub] = struct{}{}
		subs, ok := h.topics[cmd.topic]
		if !ok {
			subs = make(map[*Subscriber]struct{})
			h.topics[cmd.topic] = subs
		}
		subs[cmd.sub] = struct{}{}
		cmd.sub.topics[cmd.topic] = struct{}{}

		h.sendTo(cmd.sub, mustMarshalAck(auction.EventJoined, cmd.topic))
		if last, ok := h.recent.Get(cmd.topic); ok {
			h.sendTo(cmd.sub, last.([]byte))
		}

	case cmdLeave:
		if cmd.sub.closed {
			return
		}
		h.removeFromTopic(cmd.sub, cmd.topic)
		h.sendTo(cmd.sub, mustMarshalAck(auction.EventLeft, cmd.topic))

	case cmdPublish:
		h.recent.Add(cmd.topic, cmd.payload)
		for sub := range h.topics[cmd.topic] {
			h.sendTo(sub, cmd.payload)
		}

	case cmdDisconnect:
		h.disconnect(cmd.sub)
	}
}

func (h *Hub) disconnect(sub *Subscriber) {
	if sub.closed {
		return
	}
	for topic := range sub.topics {
		h.removeFromTopic(sub, topic)
	}
	delete(h.subs, sub)
	sub.closed = true
	close(sub.send)
}

func (h *Hub) removeFromTopic(sub *Subscriber, topic int64) {
	delete(sub.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) sendTo(sub *Subscriber, payload []byte) {
	select {
	case sub.send <- payload:
	default:
		metrics.DroppedEvents.Inc()
	}
}

type ackEvent struct {
	Type      string `json:"type"`
	AuctionID int64  `json:"auctionId"`
}

func mustMarshalAck(eventType string, auctionID int64) []byte {
	payload, _ := json.Marshal(ackEvent{Type: eventType, AuctionID: auctionID})
	return payload
}
