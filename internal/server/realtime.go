package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/sos"
)

const (
	RealtimeEventCreated   = "sos-created"
	RealtimeEventResolved  = "sos-resolved"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "beacon-backend"
	realtimeBufferSize     = 16
)

// RealtimeMessage is one lifecycle change delivered to a family's open streams.
type RealtimeMessage struct {
	FamilyID  string
	EventType string
	EventID   string
	CreatedBy string
	Status    sos.Status
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// FamilyStream fans lifecycle changes out to subscribers of the same family.
// Slow subscribers drop messages instead of blocking publishers.
type FamilyStream struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewFamilyStream constructs an empty stream hub.
func NewFamilyStream() *FamilyStream {
	return &FamilyStream{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a subscriber for the family until ctx ends or cleanup runs.
func (d *FamilyStream) Subscribe(ctx context.Context, familyID string) (<-chan RealtimeMessage, func()) {
	if familyID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(familyID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(familyID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber of its family.
func (d *FamilyStream) Publish(message RealtimeMessage) {
	if message.FamilyID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.FamilyID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// EventCreated publishes a newly created event.
func (d *FamilyStream) EventCreated(event sos.Event) {
	d.Publish(d.messageFor(RealtimeEventCreated, event))
}

// EventResolved publishes a resolution.
func (d *FamilyStream) EventResolved(event sos.Event) {
	d.Publish(d.messageFor(RealtimeEventResolved, event))
}

func (d *FamilyStream) messageFor(eventType string, event sos.Event) RealtimeMessage {
	return RealtimeMessage{
		FamilyID:  event.FamilyID,
		EventType: eventType,
		EventID:   event.EventID,
		CreatedBy: event.CreatedBy,
		Status:    event.Status,
		Latitude:  event.Location.Latitude,
		Longitude: event.Location.Longitude,
		Timestamp: d.clock().UTC(),
	}
}

func (d *FamilyStream) subscriberCount(familyID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[familyID])
}

func (d *FamilyStream) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *FamilyStream) registerSubscriber(familyID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[familyID]; !ok {
		d.subscribers[familyID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[familyID][subscriber.id] = subscriber
}

func (d *FamilyStream) unregisterSubscriber(familyID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[familyID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, familyID)
		}
	}
	d.mu.Unlock()
}
