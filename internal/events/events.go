// Package events publishes domain events after a workflow commits. Publishing
// is best effort: the database is the source of truth and a lost event never
// rolls back a settlement.
package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/settlement/internal/logger"
	"github.com/kiwari-pos/settlement/internal/ws"
)

// Event types
const (
	TypeOrderSettled         = "order.settled"
	TypeOrderCancelled       = "order.cancelled"
	TypePurchaseRecorded     = "purchase.recorded"
	TypeSaleRecorded         = "sale.recorded"
	TypeDebtPaid             = "debt.paid"
	TypeLowStock             = "inventory.low_stock"
	TypeInventoryConsumed    = "inventory.consumed"
	TypeSettlementIncomplete = "settlement.incomplete"
)

// Event is the envelope every publisher receives.
type Event struct {
	ID         string    `json:"event_id"`
	Type       string    `json:"event_type"`
	Key        string    `json:"key"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// New builds an event keyed by key, the id of the aggregate it describes.
func New(eventType, key, actor string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Key:        key,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Publisher delivers events to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster is satisfied by *ws.Hub.
type Broadcaster interface {
	Publish(topic string, event ws.Event) bool
}

// Hub forwards events to websocket subscribers of the matching topic.
type Hub struct {
	hub Broadcaster
}

func NewHub(hub Broadcaster) *Hub {
	return &Hub{hub: hub}
}

func (h *Hub) Publish(ctx context.Context, e Event) error {
	msg, err := ws.NewEvent(e.Type, e)
	if err != nil {
		return err
	}
	topic := HubTopic(e.Type)
	if !h.hub.Publish(topic, msg) {
		logger.Warn(ctx).Str("event_type", e.Type).Str("topic", topic).Msg("websocket event dropped: hub queue full")
	}
	return nil
}

// HubTopic maps an event type to the websocket topic its subscribers join.
func HubTopic(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "order."):
		return ws.TopicOrders
	case strings.HasPrefix(eventType, "inventory."):
		return ws.TopicInventory
	default:
		return ws.TopicSettlements
	}
}
