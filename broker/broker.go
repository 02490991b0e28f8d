// Package broker is the boundary to the real-time message broker: it hands
// events to a Publisher and relays subscription handshakes to the channel
// authorizer.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/channel"
	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/metrics"
)

var ErrInvalidEvent = errors.New("invalid event name")

// Message is what the broker delivers to channel subscribers.
type Message struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Publisher delivers messages to the broker. Implementations must keep
// messages for one channel in the order Publish was called.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Authorizer is the channel authorization service.
type Authorizer interface {
	Authorize(ctx context.Context, token, channelName, requestID string) (*channel.Grant, error)
}

type Adapter struct {
	publisher  Publisher
	authorizer Authorizer
	metrics    *metrics.Metrics
}

func NewAdapter(publisher Publisher, authorizer Authorizer, m *metrics.Metrics) *Adapter {
	return &Adapter{publisher: publisher, authorizer: authorizer, metrics: m}
}

// Publish encodes payload as JSON and forwards it for channelName.
func (a *Adapter) Publish(ctx context.Context, channelName, eventName string, payload any) error {
	if _, err := channel.Parse(channelName); err != nil {
		return err
	}
	if eventName == "" || len(eventName) > 200 {
		return ErrInvalidEvent
	}
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", eventName, err)
		}
		data = raw
	}
	err := a.publisher.Publish(ctx, Message{Channel: channelName, Event: eventName, Data: data})
	if err != nil {
		a.metrics.Publish("error")
		logger.From(ctx).Warn("publish failed",
			logger.Channel(channelName), zap.String("event", eventName), zap.Error(err))
		return fmt.Errorf("publish %s: %w", eventName, err)
	}
	a.metrics.Publish("ok")
	return nil
}

// OnSubscriptionRequest answers a broker handshake for socketID joining
// channelName. The authorizer's grant or error is returned unchanged.
func (a *Adapter) OnSubscriptionRequest(ctx context.Context, token, channelName, socketID string) (*channel.Grant, error) {
	return a.authorizer.Authorize(ctx, token, channelName, socketID)
}

// Close releases the publisher.
func (a *Adapter) Close() error {
	return a.publisher.Close()
}
