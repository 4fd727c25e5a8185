package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TopicSettlementCompleted = "settlement.completed"
	topicVerificationPrefix  = "verification."
)

// VerificationTopic is the topic for a request reaching status.
func VerificationTopic(status string) string {
	return topicVerificationPrefix + status
}

type SettlementCompleted struct {
	RequestID uuid.UUID       `json:"request_id"`
	UserID    string          `json:"user_id"`
	Domain    string          `json:"domain"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	RewardIDs []uuid.UUID     `json:"reward_ids"`
	SettledAt time.Time       `json:"settled_at"`
}

type VerificationChanged struct {
	RequestID uuid.UUID `json:"request_id"`
	UserID    string    `json:"user_id"`
	Method    string    `json:"method"`
	Scope     string    `json:"scope"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is where domain events go after their transaction commits.
type Publisher interface {
	Publish(ctx context.Context, topic string, data interface{}) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Recorded
}

type Recorded struct {
	Topic string
	Data  interface{}
}

func (r *Recorder) Publish(_ context.Context, topic string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Recorded{Topic: topic, Data: data})
	return nil
}

func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Topic
	}
	return out
}
