package stt

import (
	"fmt"
)

type mockEngine struct {
	blocksPerUtterance int
}

// NewMockEngine returns an engine whose recognizers report a boundary every
// blocksPerUtterance blocks. Utterances made only of digital silence yield
// empty text.
func NewMockEngine(blocksPerUtterance int) Engine {
	if blocksPerUtterance <= 0 {
		blocksPerUtterance = 1
	}
	return &mockEngine{blocksPerUtterance: blocksPerUtterance}
}

func (e *mockEngine) Load(string) (Model, error) {
	return &mockModel{blocksPerUtterance: e.blocksPerUtterance}, nil
}

type mockModel struct {
	blocksPerUtterance int
}

func (m *mockModel) NewRecognizer(sampleRate int) (Recognizer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return &mockRecognizer{blocksPerUtterance: m.blocksPerUtterance}, nil
}

func (m *mockModel) Close() error { return nil }

type mockRecognizer struct {
	blocksPerUtterance int
	blocks             int
	bytes              int
	voiced             bool
	utterances         int
	result             Result
}

func (r *mockRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	if err := checkAligned(pcm); err != nil {
		return false, err
	}
	r.blocks++
	r.bytes += len(pcm)
	for _, b := range pcm {
		if b != 0 {
			r.voiced = true
			break
		}
	}
	if r.blocks < r.blocksPerUtterance {
		return false, nil
	}

	r.result = Result{}
	if r.voiced {
		r.utterances++
		r.result = Result{Text: fmt.Sprintf("[utterance %d bytes=%d]", r.utterances, r.bytes)}
	}
	r.blocks, r.bytes, r.voiced = 0, 0, false
	return true, nil
}

func (r *mockRecognizer) Result() Result {
	return r.result
}
