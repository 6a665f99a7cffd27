package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a ledger change kind.
type Type string

const (
	PaymentAdded    Type = "payment.added"
	PaymentRecorded Type = "payment.recorded"
	PaymentUpdated  Type = "payment.updated"
	PaymentDeleted  Type = "payment.deleted"
	StudentUpdated  Type = "student.updated"
)

var knownTypes = map[Type]struct{}{
	PaymentAdded:    {},
	PaymentRecorded: {},
	PaymentUpdated:  {},
	PaymentDeleted:  {},
	StudentUpdated:  {},
}

func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is one ledger change notification. Payload carries the entity as it
// was after the change, or before it for deletions.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OrgID      string    `json:"org_id"`
	StudentID  string    `json:"student_id"`
	PaymentID  string    `json:"payment_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

//go:generate mockgen -source=events.go -destination=./mocks/mock_publisher.go -package=mocks

// Publisher emits ledger events. Delivery is at-most-once and never blocks the caller.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// New stamps an event with a fresh id.
func New(eventType Type, orgID, studentID string, occurredAt time.Time, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OrgID:      orgID,
		StudentID:  studentID,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}
}

// WithPayment sets the payment the event refers to.
func (e Event) WithPayment(paymentID string) Event {
	e.PaymentID = paymentID
	return e
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
