package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/conversation"
	"github.com/emodiary/talk/internal/protocol"
)

var defaultUtterances = []string{
	"I had a long day at work and feel drained.",
	"I keep worrying about an exam next week.",
	"Talking to a friend helped a little.",
	"I want to sleep better this week.",
}

type replayOptions struct {
	turns          int
	texts          []string
	voice          bool
	voiceFile      string
	interTurnDelay time.Duration
	feed           bool
	verbose        bool
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	opts := &replayOptions{}
	var textsRaw string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay scripted turns against the companion and report latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			texts, err := parseUtterances(textsRaw)
			if err != nil {
				return err
			}
			opts.texts = texts
			if opts.turns <= 0 {
				return fmt.Errorf("turns must be > 0")
			}
			return runReplay(cmd.Context(), root, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&opts.turns, "turns", 4, "number of turns to replay")
	cmd.Flags().StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	cmd.Flags().BoolVar(&opts.voice, "voice", false, "send voice turns instead of text")
	cmd.Flags().StringVar(&opts.voiceFile, "voice-file", "", "audio file sent on every voice turn (default: a synthetic tone)")
	cmd.Flags().DurationVar(&opts.interTurnDelay, "inter-turn", 200*time.Millisecond, "delay between turns")
	cmd.Flags().BoolVar(&opts.feed, "feed", false, "also follow the live transcript websocket")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", true, "print replay progress")
	return cmd
}

func parseUtterances(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...), nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("texts produced no non-empty utterances")
	}
	return out, nil
}

func runReplay(ctx context.Context, root *rootOptions, opts *replayOptions, out io.Writer) error {
	lang, err := conversation.ParseLanguage(root.cfg.Language)
	if err != nil {
		return err
	}
	client, err := root.client()
	if err != nil {
		return err
	}
	mgr := conversation.NewManager(conversation.Config{
		API:            client,
		Player:         audio.NopPlayer{},
		Logger:         root.logger,
		RequestTimeout: root.cfg.RequestTimeout,
	})

	var clip audio.Payload
	if opts.voice {
		clip, err = loadVoiceClip(opts.voiceFile)
		if err != nil {
			return err
		}
	}

	started, err := mgr.Start(ctx, lang)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.End(endCtx)
	}()
	if opts.verbose {
		fmt.Fprintf(out, "replay: session=%s turns=%d voice=%t\n", started.SessionID, opts.turns, opts.voice)
	}

	var events chan string
	if opts.feed {
		wsURL, err := feedURL(root.cfg.APIURL, started.SessionID, root.cfg.Token)
		if err != nil {
			return fmt.Errorf("build feed URL: %w", err)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return fmt.Errorf("open feed: %w", err)
		}
		defer conn.Close()
		events = make(chan string, 64)
		go readFeed(conn, events)
	}

	latencies := make([]time.Duration, 0, opts.turns)
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		began := time.Now()
		if opts.voice {
			_, err = mgr.SendVoice(ctx, clip)
		} else {
			_, err = mgr.SendText(ctx, text)
		}
		took := time.Since(began)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		latencies = append(latencies, took)
		if opts.verbose {
			fmt.Fprintf(out, "replay: turn %d/%d took=%s\n", i+1, opts.turns, took.Round(time.Millisecond))
		}
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}

	appended := 0
	if events != nil {
		appended = drainFeed(events, 2*opts.turns, 3*time.Second)
	}
	fmt.Fprintln(out, summaryBox.Render(summarize(latencies, appended, opts.feed)))
	return nil
}

func summarize(latencies []time.Duration, appended int, withFeed bool) string {
	lines := []string{
		fmt.Sprintf("turns  %d", len(latencies)),
		fmt.Sprintf("p50    %s", percentile(latencies, 50).Round(time.Millisecond)),
		fmt.Sprintf("p95    %s", percentile(latencies, 95).Round(time.Millisecond)),
		fmt.Sprintf("max    %s", percentile(latencies, 100).Round(time.Millisecond)),
	}
	if withFeed {
		lines = append(lines, fmt.Sprintf("feed   %d messages", appended))
	}
	return strings.Join(lines, "\n")
}

// percentile uses the nearest-rank method.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func loadVoiceClip(path string) (audio.Payload, error) {
	if path == "" {
		wav, err := toneWAV(800*time.Millisecond, 330)
		if err != nil {
			return audio.Payload{}, err
		}
		return audio.Payload{Data: wav, Format: audio.FormatWAV}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return audio.Payload{}, err
	}
	format := audio.FormatFromFilename(path)
	if format == "" {
		format = audio.SniffFormat(data)
	}
	return audio.Payload{Data: data, Format: format, Filename: path}, nil
}

// toneWAV renders a mono sine tone at the default sample rate.
func toneWAV(d time.Duration, freq float64) ([]byte, error) {
	samples := int(d.Seconds() * audio.DefaultSampleRate)
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/audio.DefaultSampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return audio.EncodeWAVPCM16LE(pcm, audio.DefaultSampleRate, 1)
}

func feedURL(baseURL, sessionID, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("api-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/chat/session/" + sessionID + "/stream"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readFeed(conn *websocket.Conn, events chan<- string) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case events <- string(env.Type):
		default:
		}
	}
}

// drainFeed counts message_appended events until want arrive or wait elapses.
func drainFeed(events <-chan string, want int, wait time.Duration) int {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	n := 0
	for n < want {
		select {
		case t, ok := <-events:
			if !ok {
				return n
			}
			if t == string(protocol.TypeMessageAppended) {
				n++
			}
		case <-timer.C:
			return n
		}
	}
	return n
}
