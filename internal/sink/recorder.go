package sink

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/loqalabs/loqa-listen/internal/eventstore"
)

// Store is the subset of eventstore.Store a Recorder needs.
type Store interface {
	AppendSession(ctx context.Context, session eventstore.Session) error
	AppendTranscript(ctx context.Context, tr eventstore.Transcript) error
}

// Recorder appends transcripts to the event store under one session.
type Recorder struct {
	store     Store
	sessionID string
	sequence  atomic.Int64
}

// NewRecorder registers the session row and returns a recorder for it.
func NewRecorder(ctx context.Context, store Store, session eventstore.Session) (*Recorder, error) {
	if err := store.AppendSession(ctx, session); err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}
	return &Recorder{store: store, sessionID: session.ID}, nil
}

func (r *Recorder) Consume(ctx context.Context, text string) error {
	err := r.store.AppendTranscript(ctx, eventstore.Transcript{
		SessionID: r.sessionID,
		Sequence:  r.sequence.Add(1),
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("record transcript: %w", err)
	}
	return nil
}
