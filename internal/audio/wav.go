package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVDevice replays a 16-bit mono WAV file as if it were a microphone.
// With realtime set, blocks are paced at the capture cadence.
type WAVDevice struct {
	path     string
	realtime bool
	log      *slog.Logger

	mu          sync.Mutex
	file        *os.File
	dec         *wav.Decoder
	sampleRate  int
	blockFrames int
	started     bool
	done        chan struct{}
	stopped     atomic.Bool
}

func NewWAVDevice(path string, realtime bool, log *slog.Logger) *WAVDevice {
	return &WAVDevice{
		path:     path,
		realtime: realtime,
		log:      log.With(slog.String("component", "capture-wav")),
		done:     make(chan struct{}),
	}
}

func (d *WAVDevice) Open(sampleRate, blockFrames, channels int) error {
	if err := checkFormat(sampleRate, blockFrames, channels); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		return errors.New("capture device already open")
	}

	file, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return fmt.Errorf("%s is not a valid wav file", d.path)
	}
	if int(dec.SampleRate) != sampleRate {
		file.Close()
		return fmt.Errorf("wav sample rate %d does not match %d", dec.SampleRate, sampleRate)
	}
	if int(dec.NumChans) != channels {
		file.Close()
		return fmt.Errorf("wav has %d channels, expected %d", dec.NumChans, channels)
	}
	if dec.BitDepth != 16 {
		file.Close()
		return fmt.Errorf("wav bit depth %d is not 16", dec.BitDepth)
	}

	d.file = file
	d.dec = dec
	d.sampleRate = sampleRate
	d.blockFrames = blockFrames
	return nil
}

func (d *WAVDevice) Start(handler BlockHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dec == nil {
		return errors.New("capture device not open")
	}
	if d.started {
		return errors.New("capture device already started")
	}
	d.started = true
	go d.run(handler)
	return nil
}

func (d *WAVDevice) run(handler BlockHandler) {
	defer close(d.done)

	buf := &goaudio.IntBuffer{
		Format:         d.dec.Format(),
		Data:           make([]int, d.blockFrames),
		SourceBitDepth: 16,
	}
	out := make([]byte, d.blockFrames*BytesPerSample)

	var ticker *time.Ticker
	if d.realtime {
		ticker = time.NewTicker(time.Duration(d.blockFrames) * time.Second / time.Duration(d.sampleRate))
		defer ticker.Stop()
	}

	for !d.stopped.Load() {
		n, err := d.dec.PCMBuffer(buf)
		if err != nil {
			d.log.Warn("wav decode failed", slogError(err))
			return
		}
		if n == 0 {
			d.log.Info("wav replay finished", slog.String("path", d.path))
			return
		}
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(buf.Data[i])))
		}
		var status Status
		if n < d.blockFrames {
			status |= StatusInputUnderflow
		}
		if ticker != nil {
			<-ticker.C
		}
		if d.stopped.Load() {
			return
		}
		handler(out[:n*BytesPerSample], status)
	}
}

func (d *WAVDevice) Stop() error {
	d.stopped.Store(true)
	return nil
}

func (d *WAVDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	d.stopped.Store(true)
	if d.started {
		<-d.done
	}
	err := d.file.Close()
	d.file = nil
	d.dec = nil
	return err
}

// Done is closed once replay has finished or was stopped.
func (d *WAVDevice) Done() <-chan struct{} {
	return d.done
}
