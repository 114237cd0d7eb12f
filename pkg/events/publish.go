package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// PublisherManager distributes events to a set of watermill Publishers.
// You "subscribe" a publisher under a topic; Publish then fans the message
// out to every publisher on the topic it was subscribed with.
//
// The manager stamps each outgoing message with a sequence number in the
// order Publish handles them, so downstream consumers can re-establish
// arrival order.
type PublisherManager struct {
	Publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		Publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Publishers[topic] = append(s.Publishers[topic], pub)
}

// Publish serializes the event and distributes it to all publishers across
// all topics.
func (s *PublisherManager) Publish(payload interface{}) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", s.sequenceNumber))
	s.sequenceNumber++

	for topic, pubs := range s.Publishers {
		for _, pub := range pubs {
			if err := pub.Publish(topic, msg); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish")
			}
		}
	}

	return nil
}

// WatermillSink publishes events to a watermill Publisher, so they can be
// distributed through the message bus to multiple subscribers. Publishing
// goes through a PublisherManager, so every message carries a sequence
// number and further publishers can be attached to the same sink.
type WatermillSink struct {
	manager *PublisherManager
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	manager := NewPublisherManager()
	manager.SubscribePublisher(topic, publisher)
	return &WatermillSink{manager: manager}
}

// SubscribePublisher attaches an additional publisher to the sink's fan-out.
func (w *WatermillSink) SubscribePublisher(topic string, pub message.Publisher) {
	w.manager.SubscribePublisher(topic, pub)
}

// PublishEvent serializes the event to JSON and distributes it to every
// subscribed publisher, stamped with the next sequence number.
func (w *WatermillSink) PublishEvent(event Event) error {
	if err := w.manager.Publish(event); err != nil {
		log.Error().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish event to watermill")
		return err
	}
	return nil
}

var _ Sink = (*WatermillSink)(nil)
