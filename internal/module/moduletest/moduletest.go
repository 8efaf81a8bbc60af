// Package moduletest provides test doubles shared by the module packages.
package moduletest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/smartcoop/coop-simulator/internal/module"
)

// Publish is one recorded publish.
type Publish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Decode unmarshals the payload into a generic JSON object.
func (p Publish) Decode(t testing.TB) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(p.Payload, &m); err != nil {
		t.Fatalf("payload on %s is not a JSON object: %v", p.Topic, err)
	}
	return m
}

// Publisher implements module.Publisher and records every publish.
type Publisher struct {
	mu        sync.Mutex
	published []Publish
	connected bool
	err       error
}

// NewPublisher returns a connected recording publisher.
func NewPublisher() *Publisher {
	return &Publisher{connected: true}
}

// Publish records the message. It fails while disconnected or when an
// error was injected with SetError.
func (p *Publisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return fmt.Errorf("moduletest: not connected")
	}
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, Publish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

// IsConnected reports the simulated connection state.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetConnected changes the simulated connection state.
func (p *Publisher) SetConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
}

// SetError makes subsequent publishes fail with err.
func (p *Publisher) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Published returns a copy of everything published so far.
func (p *Publisher) Published() []Publish {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Publish, len(p.published))
	copy(out, p.published)
	return out
}

// ByTopic returns the publishes sent to topic, oldest first.
func (p *Publisher) ByTopic(topic string) []Publish {
	var out []Publish
	for _, m := range p.Published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the newest publish on topic, failing the test if none exists.
func (p *Publisher) Last(t testing.TB, topic string) map[string]any {
	t.Helper()
	msgs := p.ByTopic(topic)
	if len(msgs) == 0 {
		t.Fatalf("nothing published on %s", topic)
	}
	return msgs[len(msgs)-1].Decode(t)
}

// Clear forgets every recorded publish.
func (p *Publisher) Clear() {
	p.mu.Lock()
	p.published = nil
	p.mu.Unlock()
}

// Store is an in-memory module.Store.
type Store struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{docs: make(map[string][]byte)}
}

// Load decodes the document stored under key into v.
func (s *Store) Load(_ context.Context, key string, v any) (bool, error) {
	s.mu.Lock()
	data, ok := s.docs[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// Save encodes v under key.
func (s *Store) Save(_ context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[key] = data
	s.mu.Unlock()
	return nil
}

// Has reports whether key holds a document.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[key]
	return ok
}

// Events records broadcasts.
type Events struct {
	mu     sync.Mutex
	events []Event
}

// Event is one recorded broadcast.
type Event struct {
	Channel string
	Payload any
}

// Broadcast records the event.
func (e *Events) Broadcast(channel string, payload any) {
	e.mu.Lock()
	e.events = append(e.events, Event{Channel: channel, Payload: payload})
	e.mu.Unlock()
}

// Channel returns the events sent on channel.
func (e *Events) Channel(channel string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Channel == channel {
			out = append(out, ev)
		}
	}
	return out
}

// Telemetry records metric writes.
type Telemetry struct {
	mu     sync.Mutex
	Points map[string]float64
}

// WriteModuleMetric stores the latest value per moduleID/field.
func (m *Telemetry) WriteModuleMetric(_, moduleID, field string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Points == nil {
		m.Points = make(map[string]float64)
	}
	m.Points[moduleID+"/"+field] = value
}

// Value returns the latest value for moduleID/field.
func (m *Telemetry) Value(moduleID, field string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Points[moduleID+"/"+field]
	return v, ok
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Env returns an Env for device "42" in namespace "smartcoop" backed by
// the given publisher, an in-memory store and event recorder.
func Env(pub *Publisher) *module.Env {
	return &module.Env{
		Namespace: "smartcoop",
		DeviceID:  "42",
		Publisher: pub,
		Logger:    nopLogger{},
		Store:     NewStore(),
		Events:    &Events{},
		Telemetry: &Telemetry{},
	}
}
