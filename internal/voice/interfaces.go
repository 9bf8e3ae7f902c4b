package voice

import (
	"context"
	"errors"

	"github.com/emodiary/talk/internal/audio"
)

// ErrNoSpeech is returned when a recording transcribes to nothing.
var ErrNoSpeech = errors.New("could not transcribe audio")

// Transcriber turns one uploaded utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, payload audio.Payload, language string) (string, error)
	Name() string
}

// Synthesizer renders reply text as a single compressed audio clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, audio.Format, error)
	Name() string
}
