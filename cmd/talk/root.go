package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/chatapi"
	"github.com/emodiary/talk/internal/config"
	"github.com/emodiary/talk/internal/logging"
)

type rootOptions struct {
	apiURL   string
	token    string
	language string
	timeout  time.Duration
	logLevel string
	logFile  string

	cfg     config.ClientConfig
	logger  *zap.SugaredLogger
	cleanup func()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "talk",
		Short:         "Talk to the emoDiary companion from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.cleanup != nil {
				opts.cleanup()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", "", "companion API base URL (default $COMPANION_API_URL)")
	flags.StringVar(&opts.token, "token", "", "bearer token (default $COMPANION_API_TOKEN)")
	flags.StringVarP(&opts.language, "language", "l", "", "conversation language: en or hi")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-request timeout")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flags.StringVar(&opts.logFile, "log-file", "", "optional JSON log file")

	cmd.AddCommand(newChatCmd(opts), newHistoryCmd(opts), newReplayCmd(opts))
	return cmd
}

// load merges environment configuration with explicitly set flags.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o.cfg = cfg.Client
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		o.cfg.APIURL = o.apiURL
	}
	if flags.Changed("token") {
		o.cfg.Token = o.token
	}
	if flags.Changed("language") {
		o.cfg.Language = o.language
	}
	if flags.Changed("timeout") {
		o.cfg.RequestTimeout = o.timeout
	}

	logger, cleanup, err := logging.New(o.logLevel, o.logFile)
	if err != nil {
		return err
	}
	o.logger = logger
	o.cleanup = cleanup
	return nil
}

func (o *rootOptions) client() (*chatapi.Client, error) {
	return chatapi.NewClient(chatapi.Config{
		BaseURL:     o.cfg.APIURL,
		TokenSource: chatapi.StaticToken(o.cfg.Token),
		Timeout:     o.cfg.RequestTimeout + 5*time.Second,
	})
}
