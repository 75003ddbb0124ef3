package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/protocol"
)

// Bus is the subset of bus.Client a Publisher needs.
type Bus interface {
	Publish(subject string, data []byte) error
}

// Publisher broadcasts transcripts on the bus as protocol.Transcript.
type Publisher struct {
	bus       Bus
	subject   string
	sessionID string
	sequence  atomic.Int64
	clock     func() time.Time
}

func NewPublisher(bus Bus, sessionID string) *Publisher {
	return &Publisher{
		bus:       bus,
		subject:   protocol.SubjectTranscriptFinal,
		sessionID: sessionID,
		clock:     time.Now,
	}
}

func (p *Publisher) Consume(_ context.Context, text string) error {
	msg := protocol.Transcript{
		SessionID: p.sessionID,
		Sequence:  p.sequence.Add(1),
		Text:      text,
		Timestamp: p.clock().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	return p.bus.Publish(p.subject, data)
}
