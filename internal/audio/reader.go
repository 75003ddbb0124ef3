package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ReaderDevice delivers fixed-size blocks read from a raw PCM stream.
type ReaderDevice struct {
	src io.Reader
	log *slog.Logger

	mu         sync.Mutex
	blockBytes int
	opened     bool
	started    bool
	done       chan struct{}

	stopped atomic.Bool
	pending atomic.Uint32
}

func NewReaderDevice(src io.Reader, log *slog.Logger) *ReaderDevice {
	return &ReaderDevice{
		src:  src,
		log:  log.With(slog.String("component", "capture-reader")),
		done: make(chan struct{}),
	}
}

func (d *ReaderDevice) Open(sampleRate, blockFrames, channels int) error {
	if err := checkFormat(sampleRate, blockFrames, channels); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return errors.New("capture device already open")
	}
	d.blockBytes = blockFrames * channels * BytesPerSample
	d.opened = true
	return nil
}

func (d *ReaderDevice) Start(handler BlockHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return errors.New("capture device not open")
	}
	if d.started {
		return errors.New("capture device already started")
	}
	d.started = true
	go d.run(handler, d.blockBytes)
	return nil
}

// Raise attaches status to the next delivered block.
func (d *ReaderDevice) Raise(status Status) {
	for {
		old := d.pending.Load()
		if d.pending.CompareAndSwap(old, old|uint32(status)) {
			return
		}
	}
}

func (d *ReaderDevice) run(handler BlockHandler, blockBytes int) {
	defer close(d.done)
	buf := make([]byte, blockBytes)
	for !d.stopped.Load() {
		n, err := io.ReadFull(d.src, buf)
		if n > 0 && !d.stopped.Load() {
			status := Status(d.pending.Swap(0))
			if n < blockBytes {
				status |= StatusInputUnderflow
			}
			handler(buf[:n], status)
		}
		if err != nil {
			if d.stopped.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.log.Error("capture source ended")
			} else {
				d.log.Error("capture read failed", slogError(err))
			}
			return
		}
	}
}

// Stop halts delivery. A read already blocked on the source completes
// before the delivery goroutine exits but its block is discarded.
func (d *ReaderDevice) Stop() error {
	d.stopped.Store(true)
	return nil
}

func (d *ReaderDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return nil
}

// Done is closed once the delivery goroutine has exited.
func (d *ReaderDevice) Done() <-chan struct{} {
	return d.done
}
