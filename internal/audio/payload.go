package audio

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Format names an audio container understood by the chat backend.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatWebM Format = "webm"
	FormatPCM  Format = "pcm_s16le"
)

// ErrEmptyAudio is returned when decoding or finalizing yields no bytes.
var ErrEmptyAudio = errors.New("audio payload is empty")

// Payload is one finalized utterance ready to upload.
type Payload struct {
	Data     []byte
	Format   Format
	Filename string
}

// Empty reports whether the payload carries no audio.
func (p Payload) Empty() bool { return len(p.Data) == 0 }

// Name returns the upload filename, deriving one from the format when unset.
func (p Payload) Name() string {
	if strings.TrimSpace(p.Filename) != "" {
		return p.Filename
	}
	f := p.Format
	if f == "" || f == FormatPCM {
		f = FormatWAV
	}
	return "recording." + string(f)
}

// ContentType maps the payload format to a MIME type.
func (p Payload) ContentType() string {
	return ContentType(p.Format)
}

// ContentType maps an audio format to its MIME type.
func ContentType(f Format) string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatWebM:
		return "audio/webm"
	case FormatPCM:
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}

// FormatFromFilename guesses the format from a file extension.
func FormatFromFilename(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".wav"):
		return FormatWAV
	case strings.HasSuffix(lower, ".mp3"):
		return FormatMP3
	case strings.HasSuffix(lower, ".webm"):
		return FormatWebM
	case strings.HasSuffix(lower, ".pcm"), strings.HasSuffix(lower, ".raw"):
		return FormatPCM
	default:
		return ""
	}
}

// SniffFormat inspects magic bytes. It returns "" when the container is unknown.
func SniffFormat(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	default:
		return ""
	}
}

// DecodeBase64Audio decodes a base64 audio field from a chat response.
func DecodeBase64Audio(encoded string) ([]byte, Format, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, "", ErrEmptyAudio
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode audio: %w", err)
	}
	if len(data) == 0 {
		return nil, "", ErrEmptyAudio
	}
	f := SniffFormat(data)
	if f == "" {
		f = FormatMP3
	}
	return data, f, nil
}
