package protocol

import "time"

// Transcript is a finalized utterance broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Sequence   int64     `json:"sequence"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"
)
