package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrPermission marks a microphone that could not be acquired.
var ErrPermission = errors.New("microphone unavailable")

// StreamFormat describes what a microphone stream produces.
type StreamFormat struct {
	Format     Format
	SampleRate int
	Channels   int
}

// Microphone is an exclusive audio input. Closing the returned stream
// releases the device.
type Microphone interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Format() StreamFormat
}

// DefaultRecordCommand captures 16 kHz mono PCM16LE to stdout.
var DefaultRecordCommand = []string{"arecord", "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "raw"}

// DefaultStopGrace is how long a recorder may flush after an interrupt
// before it is killed.
const DefaultStopGrace = 500 * time.Millisecond

// CommandMicrophone streams the stdout of an external recorder process.
type CommandMicrophone struct {
	Command   []string
	Stream    StreamFormat
	StopGrace time.Duration
}

// NewCommandMicrophone parses a whitespace separated command line. An empty
// line selects DefaultRecordCommand.
func NewCommandMicrophone(commandLine string) *CommandMicrophone {
	cmd := strings.Fields(commandLine)
	if len(cmd) == 0 {
		cmd = append([]string(nil), DefaultRecordCommand...)
	}
	return &CommandMicrophone{
		Command:   cmd,
		Stream:    StreamFormat{Format: FormatPCM, SampleRate: DefaultSampleRate, Channels: 1},
		StopGrace: DefaultStopGrace,
	}
}

func (m *CommandMicrophone) Format() StreamFormat { return m.Stream }

// Open starts the recorder process. The process outlives ctx and is stopped
// only through Close on the returned stream.
func (m *CommandMicrophone) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.Command) == 0 {
		return nil, fmt.Errorf("%w: no record command configured", ErrPermission)
	}
	bin, err := exec.LookPath(m.Command[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermission, err)
	}
	cmd := exec.Command(bin, m.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("record stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermission, err)
	}
	grace := m.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &processStream{cmd: cmd, stdout: stdout, grace: grace, drained: make(chan struct{})}, nil
}

// processStream stops its recorder with an interrupt and keeps stdout open
// until the process has flushed its last chunk or the grace period ends.
type processStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	grace  time.Duration

	drained   chan struct{}
	drainOnce sync.Once
	once      sync.Once
}

func (p *processStream) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err != nil {
		p.drainOnce.Do(func() { close(p.drained) })
	}
	return n, err
}

func (p *processStream) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(os.Interrupt)
			timer := time.NewTimer(p.grace)
			select {
			case <-p.drained:
			case <-timer.C:
				_ = p.cmd.Process.Kill()
			}
			timer.Stop()
		}
		_ = p.stdout.Close()
		_ = p.cmd.Wait()
	})
	return nil
}

// FileMicrophone replays a prerecorded file as if it were captured live.
type FileMicrophone struct {
	Path   string
	Stream StreamFormat
}

// NewFileMicrophone infers the stream format from the file extension.
func NewFileMicrophone(path string) *FileMicrophone {
	f := FormatFromFilename(path)
	if f == "" {
		f = FormatWAV
	}
	return &FileMicrophone{
		Path:   path,
		Stream: StreamFormat{Format: f, SampleRate: DefaultSampleRate, Channels: 1},
	}
}

func (m *FileMicrophone) Format() StreamFormat { return m.Stream }

func (m *FileMicrophone) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return f, nil
}
