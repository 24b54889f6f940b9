package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
)

// TopicSettlement carries one message per recorded settlement outcome.
const TopicSettlement = "edupass.settlement"

// SettlementEvent represents a recorded settlement outcome
type SettlementEvent struct {
	PendingID  string    `json:"pending_id"`
	Status     string    `json:"status"`
	LedgerHash string    `json:"ledger_hash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	Accounts   []string  `json:"accounts"`
	RecordedAt time.Time `json:"recorded_at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topic:     TopicSettlement,
	}
}

// PublishSettlement publishes a settlement event
func (p *WatermillPublisher) PublishSettlement(ctx context.Context, outcome core.Outcome) error {
	event := SettlementEvent{
		PendingID:  outcome.PendingID,
		Status:     string(outcome.Status),
		LedgerHash: outcome.LedgerHash,
		Reason:     outcome.Reason,
		Attempts:   outcome.Attempts,
		Accounts:   outcome.Payload.Accounts(),
		RecordedAt: outcome.RecordedAt,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("pending_id", outcome.PendingID)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
