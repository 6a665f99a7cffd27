package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const DefaultSubscriberBuffer = 32

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidOrg     = errors.New("invalid_org")
	ErrUnknownType    = errors.New("unknown_event_type")
)

// Hub fans events out to registered subscribers. A subscriber that falls
// behind loses events instead of slowing down the ledger.
type Hub struct {
	log              *zap.Logger
	mu               sync.RWMutex
	subs             map[uint64]*Subscription
	nextID           uint64
	subscriberBuffer int
	dropped          atomic.Uint64
}

type Subscription struct {
	hub   *Hub
	id    uint64
	orgID string
	types map[Type]struct{}
	ch    chan Event
	once  sync.Once
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:              log.Named("events.hub"),
		subs:             make(map[uint64]*Subscription),
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(ctx context.Context, event Event) {
	if h == nil || !event.Type.Valid() {
		return
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.matches(event) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			h.log.Debug("subscriber behind, event dropped",
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID),
			)
		}
	}
}

// Subscribe registers interest in the given types for one organization.
// No types means every type.
func (h *Hub) Subscribe(orgID string, types ...Type) (*Subscription, error) {
	if h == nil {
		return nil, ErrHubUnavailable
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, ErrInvalidOrg
	}

	filter := make(map[Type]struct{}, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, ErrUnknownType
		}
		filter[t] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		hub:   h,
		id:    h.nextID,
		orgID: orgID,
		types: filter,
		ch:    make(chan Event, h.subscriberBuffer),
	}
	h.subs[sub.id] = sub
	return sub, nil
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (s *Subscription) matches(event Event) bool {
	if s.orgID != event.OrgID {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[event.Type]
	return ok
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

// Close stops delivery. The channel is left open so late senders never panic.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.id)
	})
}

var _ Publisher = (*Hub)(nil)
