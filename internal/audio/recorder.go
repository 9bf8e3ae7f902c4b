package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// ErrRecorderClosed is returned when a recorder is used after Stop or Cancel.
var ErrRecorderClosed = errors.New("recorder already finalized")

const chunkSize = 4 << 10

// Recorder holds one exclusive microphone stream and buffers its chunks until
// Stop or Cancel. It is consumed exactly once.
type Recorder struct {
	stream io.ReadCloser
	format StreamFormat

	release sync.Once
	done    chan struct{}

	mu       sync.Mutex
	chunks   [][]byte
	finished bool
}

// StartRecorder acquires mic and begins buffering in the background.
func StartRecorder(ctx context.Context, mic Microphone) (*Recorder, error) {
	stream, err := mic.Open(ctx)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		stream: stream,
		format: mic.Format(),
		done:   make(chan struct{}),
	}
	go r.pump()
	return r, nil
}

func (r *Recorder) pump() {
	defer close(r.done)
	for {
		buf := make([]byte, chunkSize)
		n, err := r.stream.Read(buf)
		if n > 0 {
			r.mu.Lock()
			r.chunks = append(r.chunks, buf[:n])
			r.mu.Unlock()
		}
		if err != nil {
			// Read errors after release are the expected result of closing the stream.
			return
		}
	}
}

func (r *Recorder) releaseStream() {
	r.release.Do(func() {
		_ = r.stream.Close()
	})
}

// Stop releases the microphone and returns the captured audio as one payload.
// PCM captures are wrapped in WAV. An empty capture yields an empty payload.
func (r *Recorder) Stop() (Payload, error) {
	if !r.finish() {
		return Payload{}, ErrRecorderClosed
	}
	r.releaseStream()
	<-r.done

	r.mu.Lock()
	data := bytes.Join(r.chunks, nil)
	r.chunks = nil
	r.mu.Unlock()

	if len(data) == 0 {
		return Payload{Format: r.format.Format}, nil
	}
	if r.format.Format == FormatPCM || r.format.Format == "" {
		wav, err := EncodeWAVPCM16LE(data, r.format.SampleRate, r.format.Channels)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Data: wav, Format: FormatWAV, Filename: "recording.wav"}, nil
	}
	return Payload{Data: data, Format: r.format.Format, Filename: "recording." + string(r.format.Format)}, nil
}

// Cancel releases the microphone and discards buffered audio. It is safe to
// call after Stop.
func (r *Recorder) Cancel() {
	r.finish()
	r.releaseStream()
	<-r.done
	r.mu.Lock()
	r.chunks = nil
	r.mu.Unlock()
}

func (r *Recorder) finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.finished = true
	return true
}
