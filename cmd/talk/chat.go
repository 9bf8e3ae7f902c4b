package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/chatapi"
	"github.com/emodiary/talk/internal/conversation"
	"github.com/emodiary/talk/internal/reliability"
)

const chatHelp = `plain text sends a message
/rec     start recording     /send   stop recording and send it
/cancel  drop the recording  /log    show the conversation so far
/end     end the session     /start  open a new session
/quit    end and exit        /help   this text`

type chatOptions struct {
	audioFile    string
	noAudio      bool
	volumeDB     float64
	startRetries int
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lang, err := conversation.ParseLanguage(root.cfg.Language)
			if err != nil {
				return err
			}
			client, err := root.client()
			if err != nil {
				return err
			}

			var mic audio.Microphone
			if opts.audioFile != "" {
				mic = audio.NewFileMicrophone(opts.audioFile)
			} else {
				mic = audio.NewCommandMicrophone(root.cfg.RecordCommand)
			}
			var player audio.Player = audio.NopPlayer{}
			if !opts.noAudio {
				player = audio.NewSpeakerPlayer(opts.volumeDB)
			}

			mgr := conversation.NewManager(conversation.Config{
				API:            client,
				Player:         player,
				Microphone:     mic,
				Logger:         root.logger,
				RequestTimeout: root.cfg.RequestTimeout,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := &repl{
				mgr:          mgr,
				language:     lang,
				startRetries: opts.startRetries,
				out:          cmd.OutOrStdout(),
				logger:       root.logger,
			}
			return r.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&opts.audioFile, "audio-file", "", "use a recorded WAV/MP3/WebM file instead of the microphone")
	cmd.Flags().BoolVar(&opts.noAudio, "no-audio", false, "do not play spoken replies")
	cmd.Flags().Float64Var(&opts.volumeDB, "volume-db", 0, "reply playback gain in dB")
	cmd.Flags().IntVar(&opts.startRetries, "start-retries", 1, "attempts to open a session on transient failures")
	return cmd
}

type repl struct {
	mgr          *conversation.Manager
	language     conversation.Language
	startRetries int
	out          io.Writer
	logger       *zap.SugaredLogger
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	if err := r.start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(r.out, infoStyle.Render("type /help for commands"))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.end()
			return nil
		case line, ok := <-lines:
			if !ok {
				r.end()
				return nil
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the REPL should exit.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.sendText(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		r.end()
		return true
	case "/help":
		fmt.Fprintln(r.out, infoStyle.Render(chatHelp))
	case "/rec":
		if err := r.mgr.StartCapture(ctx); err != nil {
			r.report(err)
			return false
		}
		fmt.Fprintln(r.out, infoStyle.Render("recording… /send when done, /cancel to drop it"))
	case "/send":
		fmt.Fprintln(r.out, infoStyle.Render("sending voice…"))
		reply, err := r.mgr.StopCapture(ctx)
		if err != nil {
			r.report(err)
			return false
		}
		r.printTurn("user", reply.Transcript)
		r.printTurn("assistant", reply.Reply)
	case "/cancel":
		if err := r.mgr.CancelCapture(); err != nil {
			r.report(err)
			return false
		}
		fmt.Fprintln(r.out, infoStyle.Render("recording discarded"))
	case "/log":
		for _, m := range r.mgr.Snapshot().Messages {
			r.printTurn(string(m.Role), m.Content)
		}
	case "/end":
		r.end()
	case "/start":
		if len(fields) > 1 {
			lang, err := conversation.ParseLanguage(fields[1])
			if err != nil {
				r.report(err)
				return false
			}
			r.language = lang
		}
		if err := r.start(ctx); err != nil {
			r.report(err)
		}
	default:
		r.report(fmt.Errorf("unknown command %s", fields[0]))
	}
	return false
}

func (r *repl) start(ctx context.Context) error {
	var res conversation.StartResult
	err := reliability.Retry(ctx, r.startRetries, 500*time.Millisecond, 5*time.Second, retryableStart, func(ctx context.Context) error {
		var err error
		res, err = r.mgr.Start(ctx, r.language)
		return err
	})
	if err != nil {
		return fmt.Errorf("could not start a conversation: %w", err)
	}
	fmt.Fprintln(r.out, titleStyle.Render("emoDiary")+" "+infoStyle.Render("session "+res.SessionID))
	r.printTurn("assistant", res.Greeting)
	return nil
}

func (r *repl) sendText(ctx context.Context, text string) {
	reply, err := r.mgr.SendText(ctx, text)
	if err != nil {
		r.report(err)
		return
	}
	r.printTurn("assistant", reply)
}

func (r *repl) end() {
	if r.mgr.Snapshot().State == conversation.StateIdle {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.mgr.End(ctx); err != nil {
		r.report(err)
	}
	fmt.Fprintln(r.out, infoStyle.Render("session ended"))
}

func (r *repl) printTurn(role, content string) {
	fmt.Fprintf(r.out, "%s %s\n", speaker(role), content)
}

func (r *repl) report(err error) {
	msg := err.Error()
	switch conversation.KindOf(err) {
	case conversation.KindPermission:
		msg = errors.Unwrap(err).Error()
	case conversation.KindTransport:
		msg = "could not reach the companion, try again"
	case conversation.KindBackend:
		var se *chatapi.StatusError
		if errors.As(err, &se) && se.Detail != "" {
			msg = se.Detail
		}
	}
	r.logger.Debugw("command failed", "error", err)
	fmt.Fprintln(r.out, errorStyle.Render(msg))
}

// retryableStart retries transport failures and retryable HTTP statuses.
func retryableStart(err error) bool {
	var se *chatapi.StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return conversation.KindOf(err) == conversation.KindTransport
}
