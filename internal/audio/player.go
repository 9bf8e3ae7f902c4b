package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

// Player renders a reply's audio. Implementations may block until playback
// completes; callers that must not wait run Play in their own goroutine.
type Player interface {
	Play(ctx context.Context, format Format, r io.Reader) error
}

// NopPlayer discards audio.
type NopPlayer struct{}

func (NopPlayer) Play(context.Context, Format, io.Reader) error { return nil }

// SpeakerPlayer plays mp3 and wav through the default output device.
// A new Play interrupts the clip that is currently playing.
type SpeakerPlayer struct {
	volumeDB float64

	mu         sync.Mutex
	sampleRate beep.SampleRate
	interrupt  chan struct{}
}

// NewSpeakerPlayer creates a player with a volume offset in dB (negative is quieter).
func NewSpeakerPlayer(volumeDB float64) *SpeakerPlayer {
	return &SpeakerPlayer{volumeDB: volumeDB}
}

func (p *SpeakerPlayer) Play(ctx context.Context, format Format, r io.Reader) error {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}

	var (
		streamer beep.StreamSeekCloser
		sf       beep.Format
		err      error
	)
	switch format {
	case FormatMP3:
		streamer, sf, err = mp3.Decode(rc)
	case FormatWAV:
		streamer, sf, err = wav.Decode(rc)
	default:
		return fmt.Errorf("unsupported playback format %q; use mp3 or wav", format)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", format, err)
	}
	defer streamer.Close()

	interrupted, err := p.acquire(sf.SampleRate)
	if err != nil {
		return err
	}
	vol := &effects.Volume{
		Streamer: streamer,
		Base:     2,
		Volume:   p.volumeDB,
		Silent:   false,
	}
	done := make(chan struct{})
	speaker.Play(beep.Seq(vol, beep.Callback(func() { close(done) })))
	select {
	case <-done:
		return nil
	case <-interrupted:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// acquire stops the current clip and prepares the speaker for sr.
func (p *SpeakerPlayer) acquire(sr beep.SampleRate) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interrupt != nil {
		close(p.interrupt)
		p.interrupt = nil
		speaker.Clear()
	}
	if p.sampleRate != sr {
		if err := speaker.Init(sr, sr.N(time.Second/10)); err != nil {
			return nil, fmt.Errorf("init speaker: %w", err)
		}
		p.sampleRate = sr
	}
	p.interrupt = make(chan struct{})
	return p.interrupt, nil
}

// PlayBytes is a convenience wrapper around Play for in-memory clips.
func PlayBytes(ctx context.Context, p Player, format Format, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyAudio
	}
	return p.Play(ctx, format, bytes.NewReader(data))
}
