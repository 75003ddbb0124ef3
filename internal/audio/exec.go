package audio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-shellwords"
)

// ExecDevice captures audio from an external recorder writing raw PCM to
// stdout, e.g. arecord or sox. The placeholders {rate} and {channels} in the
// command are substituted on Open.
type ExecDevice struct {
	args []string
	log  *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	reader   *ReaderDevice
	format   [3]int
	opened   bool
	running  bool
	waitOnce sync.Once
	done     chan struct{}

	stopping atomic.Bool
	lastLine atomic.Value
}

func NewExecDevice(command string, log *slog.Logger) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	return &ExecDevice{
		args: args,
		log:  log.With(slog.String("component", "capture-exec")),
		done: make(chan struct{}),
	}, nil
}

func (d *ExecDevice) Open(sampleRate, blockFrames, channels int) error {
	if err := checkFormat(sampleRate, blockFrames, channels); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return errors.New("capture device already open")
	}
	replacer := strings.NewReplacer(
		"{rate}", strconv.Itoa(sampleRate),
		"{channels}", strconv.Itoa(channels),
	)
	args := make([]string, len(d.args))
	for i, arg := range d.args {
		args[i] = replacer.Replace(arg)
	}
	d.cmd = exec.Command(args[0], args[1:]...)
	d.format = [3]int{sampleRate, blockFrames, channels}
	d.opened = true
	return nil
}

func (d *ExecDevice) Start(handler BlockHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return errors.New("capture device not open")
	}
	if d.running {
		return errors.New("capture device already started")
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}
	stderr, err := d.cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return fmt.Errorf("capture stderr: %w", err)
	}
	reader := NewReaderDevice(stdout, d.log)
	if err := reader.Open(d.format[0], d.format[1], d.format[2]); err != nil {
		stdout.Close()
		stderr.Close()
		return err
	}
	if err := d.cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start capture command: %w", err)
	}

	stderrDone := make(chan struct{})
	go d.watchStderr(stderr, reader, stderrDone)
	if err := reader.Start(handler); err != nil {
		_ = d.cmd.Process.Kill()
		<-stderrDone
		_ = d.cmd.Wait()
		return err
	}
	d.reader = reader
	d.running = true
	go d.monitor(stderrDone)
	d.log.Info("capture command started", slog.String("command", d.cmd.String()))
	return nil
}

// monitor reaps the recorder once its output is drained and reports an
// exit that nobody asked for.
func (d *ExecDevice) monitor(stderrDone <-chan struct{}) {
	defer close(d.done)
	<-stderrDone
	err := d.wait()
	if d.stopping.Load() {
		return
	}
	attrs := []any{slog.String("command", d.cmd.String())}
	if err != nil {
		attrs = append(attrs, slogError(err))
	}
	if line, ok := d.lastLine.Load().(string); ok {
		attrs = append(attrs, slog.String("last_output", line))
	}
	d.log.Error("capture command exited", attrs...)
}

// watchStderr turns recorder diagnostics into block status flags.
func (d *ExecDevice) watchStderr(stderr io.Reader, reader *ReaderDevice, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d.lastLine.Store(line)
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "overrun"):
			reader.Raise(StatusInputOverflow)
		case strings.Contains(lower, "underrun"):
			reader.Raise(StatusInputUnderflow)
		default:
			reader.Raise(StatusDeviceWarning)
			d.log.Warn("capture command output", slog.String("line", line))
		}
	}
}

func (d *ExecDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false
	d.stopping.Store(true)
	_ = d.reader.Stop()
	if err := d.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop capture command: %w", err)
	}
	<-d.done
	return nil
}

func (d *ExecDevice) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return nil
}

// Done is closed once the recorder process has exited and been reaped.
func (d *ExecDevice) Done() <-chan struct{} {
	return d.done
}

func (d *ExecDevice) wait() error {
	var err error
	d.waitOnce.Do(func() {
		<-d.reader.Done()
		err = d.cmd.Wait()
	})
	return err
}
