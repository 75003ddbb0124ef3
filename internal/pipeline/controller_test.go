package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		SampleRate:      16000,
		BlockFrames:     4,
		PollTimeoutMS:   50,
		AudioQueueSize:  64,
		ResultQueueSize: 64,
		OverflowPolicy:  "drop_oldest",
	}
}

// fakeDevice hands blocks to the registered handler on the caller's goroutine.
type fakeDevice struct {
	mu      sync.Mutex
	handler audio.BlockHandler
	opens   int
	starts  int
	stops   int
	closes  int
	openErr error
	done    chan struct{}
}

func (d *fakeDevice) Open(int, int, int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return d.openErr
}

func (d *fakeDevice) Start(handler audio.BlockHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	d.handler = handler
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// Done never fires unless the test supplied a done channel.
func (d *fakeDevice) Done() <-chan struct{} {
	return d.done
}

func (d *fakeDevice) emit(block []byte, status audio.Status) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	handler(block, status)
}

type step struct {
	boundary bool
	text     string
	err      error
	panic    bool
}

// scriptedRecognizer behaves per 1-based block index; unlisted blocks are
// mid-utterance.
type scriptedRecognizer struct {
	mu       sync.Mutex
	steps    map[int]step
	accepted [][]byte
	last     stt.Result
}

func (r *scriptedRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	r.mu.Lock()
	r.accepted = append(r.accepted, pcm)
	st := r.steps[len(r.accepted)]
	r.mu.Unlock()

	if st.panic {
		panic("decoder exploded")
	}
	if st.err != nil {
		return false, st.err
	}
	if st.boundary {
		r.mu.Lock()
		r.last = stt.Result{Text: st.text}
		r.mu.Unlock()
		return true, nil
	}
	return false, nil
}

func (r *scriptedRecognizer) Result() stt.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *scriptedRecognizer) acceptedBlocks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.accepted...)
}

type fakeEngine struct {
	recognizer stt.Recognizer
	err        error
	model      *fakeModel
}

func (e *fakeEngine) Load(string) (stt.Model, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.model = &fakeModel{recognizer: e.recognizer, closed: make(chan struct{})}
	return e.model, nil
}

type fakeModel struct {
	recognizer stt.Recognizer
	closeOnce  sync.Once
	closed     chan struct{}
}

func (m *fakeModel) NewRecognizer(int) (stt.Recognizer, error) { return m.recognizer, nil }

func (m *fakeModel) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// recordingConsumer collects delivered transcripts.
type recordingConsumer struct {
	mu        sync.Mutex
	delivered []string
	calls     int
	fail      func(call int, text string) error
	notify    chan struct{}
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{notify: make(chan struct{}, 128)}
}

func (c *recordingConsumer) consume(_ context.Context, text string) error {
	c.mu.Lock()
	c.calls++
	call := c.calls
	fail := c.fail
	c.mu.Unlock()
	defer func() { c.notify <- struct{}{} }()

	if fail != nil {
		if err := fail(call, text); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.delivered = append(c.delivered, text)
	c.mu.Unlock()
	return nil
}

func (c *recordingConsumer) waitCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		calls := c.calls
		c.mu.Unlock()
		if calls >= n {
			return
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d consumer calls, got %d", n, calls)
		}
	}
}

func (c *recordingConsumer) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.delivered...)
}

func startController(t *testing.T, rec stt.Recognizer, consumer Consumer) (*Controller, *fakeDevice) {
	t.Helper()
	dev := &fakeDevice{}
	ctrl := New(testConfig(), "model", &fakeEngine{recognizer: rec}, dev, consumer, newLogger())
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = ctrl.Stop()
		_ = ctrl.Wait()
	})
	return ctrl, dev
}

func block(i int) []byte {
	return []byte{byte(i), 0, byte(i), 0}
}

func TestOrderingIsPreservedEndToEnd(t *testing.T) {
	const n = 20
	steps := make(map[int]step, n)
	for i := 1; i <= n; i++ {
		steps[i] = step{boundary: true, text: fmt.Sprintf("utterance %d", i)}
	}
	rec := &scriptedRecognizer{steps: steps}
	consumer := newRecordingConsumer()
	_, dev := startController(t, rec, consumer.consume)

	for i := 1; i <= n; i++ {
		dev.emit(block(i), 0)
	}
	consumer.waitCalls(t, n)

	accepted := rec.acceptedBlocks()
	for i, b := range accepted {
		if b[0] != byte(i+1) {
			t.Fatalf("block %d recognized out of order: got %v", i+1, b)
		}
	}
	texts := consumer.texts()
	for i, text := range texts {
		if want := fmt.Sprintf("utterance %d", i+1); text != want {
			t.Fatalf("dispatch %d: expected %q, got %q", i, want, text)
		}
	}
}

func TestEmptyUtterancesAreFiltered(t *testing.T) {
	rec := &scriptedRecognizer{steps: map[int]step{
		2: {boundary: true, text: "hello world"},
		3: {boundary: true, text: ""},
		4: {boundary: true, text: "  \t\n"},
		5: {boundary: true, text: "sentinel"},
	}}
	consumer := newRecordingConsumer()
	_, dev := startController(t, rec, consumer.consume)

	for i := 1; i <= 5; i++ {
		dev.emit(block(i), 0)
	}
	consumer.waitCalls(t, 2)

	texts := consumer.texts()
	if len(texts) != 2 || texts[0] != "hello world" || texts[1] != "sentinel" {
		t.Fatalf("expected [hello world sentinel], got %q", texts)
	}
}

func TestRecognizerFailureDoesNotStopStage(t *testing.T) {
	cases := map[string]step{
		"error": {err: errors.New("malformed block")},
		"panic": {panic: true},
	}
	for name, failing := range cases {
		t.Run(name, func(t *testing.T) {
			steps := map[int]step{3: failing}
			for _, i := range []int{1, 2, 4, 5} {
				steps[i] = step{boundary: true, text: fmt.Sprintf("block %d", i)}
			}
			rec := &scriptedRecognizer{steps: steps}
			consumer := newRecordingConsumer()
			_, dev := startController(t, rec, consumer.consume)

			for i := 1; i <= 5; i++ {
				dev.emit(block(i), 0)
			}
			consumer.waitCalls(t, 4)

			want := []string{"block 1", "block 2", "block 4", "block 5"}
			texts := consumer.texts()
			if len(texts) != len(want) {
				t.Fatalf("expected %q, got %q", want, texts)
			}
			for i := range want {
				if texts[i] != want[i] {
					t.Fatalf("expected %q, got %q", want, texts)
				}
			}
			if got := len(rec.acceptedBlocks()); got != 5 {
				t.Fatalf("expected all 5 blocks fed to recognizer, got %d", got)
			}
		})
	}
}

func TestConsumerFailureDoesNotStopDispatch(t *testing.T) {
	cases := map[string]func(call int, text string) error{
		"error": func(call int, _ string) error {
			if call == 1 {
				return errors.New("sink unavailable")
			}
			return nil
		},
		"panic": func(call int, _ string) error {
			if call == 1 {
				panic("sink exploded")
			}
			return nil
		},
	}
	for name, fail := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &scriptedRecognizer{steps: map[int]step{
				1: {boundary: true, text: "first"},
				2: {boundary: true, text: "second"},
			}}
			consumer := newRecordingConsumer()
			consumer.fail = fail
			_, dev := startController(t, rec, consumer.consume)

			dev.emit(block(1), 0)
			dev.emit(block(2), 0)
			consumer.waitCalls(t, 2)

			texts := consumer.texts()
			if len(texts) != 1 || texts[0] != "second" {
				t.Fatalf("expected only second delivered, got %q", texts)
			}
		})
	}
}

func TestShutdownWithinPollTimeout(t *testing.T) {
	rec := &scriptedRecognizer{}
	dev := &fakeDevice{}
	ctrl := New(testConfig(), "model", &fakeEngine{recognizer: rec}, dev, newRecordingConsumer().consume, newLogger())
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- ctrl.Wait() }()

	poll := time.Duration(testConfig().PollTimeoutMS) * time.Millisecond
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(10 * poll):
		t.Fatal("workers did not exit after stop")
	}
	if elapsed := time.Since(start); elapsed > 5*poll {
		t.Fatalf("shutdown took %v, expected about one poll timeout (%v)", elapsed, poll)
	}
	if ctrl.Running() {
		t.Fatal("expected running flag cleared")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	ctrl := New(testConfig(), "model", &fakeEngine{recognizer: &scriptedRecognizer{}}, dev, newRecordingConsumer().consume, newLogger())
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := ctrl.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if dev.stops != 1 || dev.closes != 1 {
		t.Fatalf("expected device stopped and closed once, got stops=%d closes=%d", dev.stops, dev.closes)
	}
}

func TestInvalidModelNeverOpensDevice(t *testing.T) {
	dev := &fakeDevice{}
	engine := &fakeEngine{err: fmt.Errorf("%w: no such directory", stt.ErrModelLoad)}
	ctrl := New(testConfig(), "/missing/model", engine, dev, newRecordingConsumer().consume, newLogger())

	err := ctrl.Start(context.Background())
	if !errors.Is(err, stt.ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	if dev.opens != 0 {
		t.Fatalf("device opened %d times despite model failure", dev.opens)
	}
	if ctrl.Running() {
		t.Fatal("expected pipeline not running")
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("no capture device")}
	ctrl := New(testConfig(), "model", &fakeEngine{recognizer: &scriptedRecognizer{}}, dev, newRecordingConsumer().consume, newLogger())
	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if ctrl.Running() {
		t.Fatal("expected pipeline not running")
	}
	if dev.starts != 0 {
		t.Fatal("device started after failed open")
	}
}

func TestStartTwice(t *testing.T) {
	ctrl, _ := startController(t, &scriptedRecognizer{}, newRecordingConsumer().consume)
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestCaptureCopiesBlockAndKeepsWarnedBlocks(t *testing.T) {
	rec := &scriptedRecognizer{steps: map[int]step{
		2: {boundary: true, text: "done"},
	}}
	consumer := newRecordingConsumer()
	_, dev := startController(t, rec, consumer.consume)

	buf := []byte{1, 2, 3, 4}
	dev.emit(buf, audio.StatusInputOverflow)
	buf[0] = 99
	dev.emit(buf, 0)
	consumer.waitCalls(t, 1)

	accepted := rec.acceptedBlocks()
	if len(accepted) != 2 {
		t.Fatalf("expected warned block to be enqueued, got %d blocks", len(accepted))
	}
	if accepted[0][0] != 1 {
		t.Fatalf("expected capture to own a copy of the block, got %v", accepted[0])
	}
}

func TestCaptureDiscardsAfterStop(t *testing.T) {
	rec := &scriptedRecognizer{}
	dev := &fakeDevice{}
	ctrl := New(testConfig(), "model", &fakeEngine{recognizer: rec}, dev, newRecordingConsumer().consume, newLogger())
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := ctrl.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	dev.emit(block(1), 0)
	if stats := ctrl.Stats(); stats.AudioQueued != 0 {
		t.Fatalf("expected block discarded after stop, queue holds %d", stats.AudioQueued)
	}
	if got := len(rec.acceptedBlocks()); got != 0 {
		t.Fatalf("expected no recognition after stop, got %d", got)
	}
}

func TestCaptureEndIsReported(t *testing.T) {
	rec := &scriptedRecognizer{steps: map[int]step{
		2: {boundary: true, text: "last words"},
	}}
	consumer := newRecordingConsumer()
	dev := &fakeDevice{done: make(chan struct{})}
	ctrl := New(testConfig(), "model", &fakeEngine{recognizer: rec}, dev, consumer.consume, newLogger())
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = ctrl.Stop()
		_ = ctrl.Wait()
	})

	dev.emit(block(1), 0)
	dev.emit(block(2), 0)
	close(dev.done)

	select {
	case <-ctrl.CaptureDone():
	case <-time.After(5 * time.Second):
		t.Fatal("capture end was not reported")
	}
	if !ctrl.CaptureEnded() {
		t.Fatal("expected CaptureEnded after device finished")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !ctrl.Drained() {
		if time.Now().After(deadline) {
			t.Fatal("pipeline did not drain")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if texts := consumer.texts(); len(texts) != 1 || texts[0] != "last words" {
		t.Fatalf("expected queued audio to be transcribed before drain, got %q", texts)
	}
}

func TestStopIsNotReportedAsCaptureEnd(t *testing.T) {
	dev := &fakeDevice{done: make(chan struct{})}
	ctrl := New(testConfig(), "model", &fakeEngine{recognizer: &scriptedRecognizer{}}, dev, newRecordingConsumer().consume, newLogger())
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(dev.done)
	if err := ctrl.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ctrl.CaptureEnded() {
		t.Fatal("expected a requested stop not to count as capture end")
	}
}

func TestInvalidOverflowPolicyIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.OverflowPolicy = "drop_everything"
	dev := &fakeDevice{}
	engine := &fakeEngine{recognizer: &scriptedRecognizer{}}
	ctrl := New(cfg, "model", engine, dev, newRecordingConsumer().consume, newLogger())

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail for unknown overflow policy")
	}
	if dev.opens != 0 || engine.model != nil {
		t.Fatalf("expected nothing loaded or opened, opens=%d model=%v", dev.opens, engine.model != nil)
	}
}

func TestStopReleasesModelWithoutWait(t *testing.T) {
	dev := &fakeDevice{}
	engine := &fakeEngine{recognizer: &scriptedRecognizer{}}
	ctrl := New(testConfig(), "model", engine, dev, newRecordingConsumer().consume, newLogger())
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-engine.model.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("model not released after workers exited")
	}
	if err := ctrl.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
