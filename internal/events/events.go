// Package events fans domain events out to dashboard websocket
// subscribers. The BBS service publishes through the Sink; the HTTP
// façade attaches one Client per authenticated websocket connection.
package events

import (
	"fmt"
)

// Event names carried in the websocket frames.
const (
	EventBulletinPosted   = "bulletin_posted"
	EventMessageDelivered = "message_delivered"
	EventJobFinished      = "job_finished"
)

// Message is one websocket frame, JSON-encoded on the wire.
type Message struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Topic names. Bulletins are public; mailbox and job events are scoped
// to the owning callsign so subscribers only see their own traffic.
func topicBulletins() string           { return "bulletins" }
func topicMessages(call string) string { return "messages:" + call }
func topicJobs(call string) string     { return "jobs:" + call }

// UserTopics is the subscription set for one authenticated callsign.
func UserTopics(call string) []string {
	return []string{topicBulletins(), topicMessages(call), topicJobs(call)}
}

// Sink adapts the hub to the domain service's event interface.
type Sink struct {
	hub *Hub
}

// NewSink wraps hub as a domain event sink.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

func (s *Sink) BulletinPosted(id int64, author, subject string) {
	s.hub.Publish(topicBulletins(), Message{
		Event: EventBulletinPosted,
		Data:  map[string]any{"id": id, "author": author, "subject": subject},
	})
}

func (s *Sink) MessageDelivered(msgUUID, sender string, recipients []string) {
	msg := Message{
		Event: EventMessageDelivered,
		Data:  map[string]any{"id": msgUUID, "from": sender},
	}
	for _, r := range recipients {
		s.hub.Publish(topicMessages(r), msg)
	}
	s.hub.Publish(topicMessages(sender), msg)
}

func (s *Sink) JobFinished(id int64, owner, status string) {
	s.hub.Publish(topicJobs(owner), Message{
		Event: EventJobFinished,
		Data:  map[string]any{"id": id, "status": status},
	})
}

// String makes messages readable in debug logs.
func (m Message) String() string {
	return fmt.Sprintf("%s %v", m.Event, m.Data)
}
