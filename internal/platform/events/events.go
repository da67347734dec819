// Package events fans queue changes out to live displays.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// QueueEvent describes one committed change to a queue entry.
type QueueEvent struct {
	Type     string    `json:"type"`
	Tenant   string    `json:"tenant"`
	DoctorID uuid.UUID `json:"doctorId"`
	Date     string    `json:"date"`
	QueueID  uuid.UUID `json:"queueId"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

// Channel is the pub/sub channel of one doctor's queue on one day.
func (e QueueEvent) Channel() string {
	return fmt.Sprintf("queue:%s:%s:%s", e.Tenant, e.DoctorID, e.Date)
}

type Publisher interface {
	Publish(ctx context.Context, e QueueEvent) error
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, QueueEvent) error { return nil }

type RedisPublisher struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisPublisher connects to url and verifies the connection.
func NewRedisPublisher(ctx context.Context, url string, logger zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPublisher{
		client: client,
		logger: logger.With().Str("component", "events").Logger(),
	}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, e QueueEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal queue event: %w", err)
	}
	if err := p.client.Publish(ctx, e.Channel(), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Channel(), err)
	}
	p.logger.Debug().Str("channel", e.Channel()).Str("type", e.Type).Msg("queue event published")
	return nil
}

// ChannelPattern matches the channel of every queue.
const ChannelPattern = "queue:*"

// Relay subscribes to every queue channel and forwards each event to sink,
// so displays connected to this process see changes committed by any
// process. It returns once the subscription is confirmed; forwarding stops
// when ctx is done.
func (p *RedisPublisher) Relay(ctx context.Context, sink Publisher) error {
	sub := p.client.PSubscribe(ctx, ChannelPattern)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", ChannelPattern, err)
	}

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				p.deliver(ctx, sink, msg.Payload)
			}
		}
	}()
	p.logger.Info().Str("pattern", ChannelPattern).Msg("relaying queue events from redis")
	return nil
}

func (p *RedisPublisher) deliver(ctx context.Context, sink Publisher, payload string) {
	var e QueueEvent
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		p.logger.Warn().Err(err).Msg("undecodable queue event dropped")
		return
	}
	if err := sink.Publish(ctx, e); err != nil {
		p.logger.Warn().Err(err).Str("channel", e.Channel()).Msg("relay queue event")
	}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
