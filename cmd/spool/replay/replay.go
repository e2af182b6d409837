// Package replaycmder provides the replay command, which folds a recorded
// stream through a registry and prints the resulting message.
package replaycmder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/spool/multiplexer"
	"github.com/papercomputeco/spool/pkg/cliui"
	"github.com/papercomputeco/spool/pkg/logger"
	"github.com/papercomputeco/spool/pkg/source"
	"github.com/papercomputeco/spool/pkg/stream"
)

const (
	formatAuto   = "auto"
	formatNDJSON = "ndjson"
	formatSSE    = "sse"
)

const replayStreamID = "replay"

type replayCommander struct {
	format   string
	markdown bool
	retries  int
	delay    time.Duration
	debug    bool

	logger *slog.Logger
}

const replayLongDesc string = `Replay a recorded stream and print the final message.

The recording is folded event by event exactly as a live stream would be.
NDJSON recordings hold one event per line; SSE recordings hold the raw
response body of a data stream. The format is chosen from the file
extension (.sse or .txt for SSE) unless --format is given.

A recording that ends in an error event fails the command. With --retries,
the recording is reopened with exponential backoff before giving up.

Examples:
  spool replay turn.ndjson
  spool replay --format sse capture.txt
  spool replay --markdown turn.ndjson`

const replayShortDesc string = "Replay a recorded stream"

func NewReplayCmd() *cobra.Command {
	cmder := &replayCommander{}

	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: replayShortDesc,
		Long:  replayLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmder.debug, _ = cmd.Flags().GetBool("debug")
			cmder.logger = logger.New(
				logger.WithDebug(cmder.debug),
				logger.WithPretty(true),
				logger.WithWriter(cmd.ErrOrStderr()),
			)
			return cmder.run(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}

	cmd.Flags().StringVarP(&cmder.format, "format", "f", formatAuto, "Recording format (auto, ndjson, sse)")
	cmd.Flags().BoolVarP(&cmder.markdown, "markdown", "m", false, "Render the message text as markdown instead of printing JSON")
	cmd.Flags().IntVar(&cmder.retries, "retries", 0, "Automatic retries when the recording fails")
	cmd.Flags().DurationVar(&cmder.delay, "retry-delay", 100*time.Millisecond, "Base delay of the retry backoff")

	return cmd
}

type result struct {
	msg stream.Message
	err error
}

func (c *replayCommander) run(ctx context.Context, w io.Writer, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	src, err := c.source(path)
	if err != nil {
		return err
	}

	opts := multiplexer.DefaultOptions()
	opts.MaxConcurrentStreams = 1
	opts.EnableAutoRetry = c.retries > 0
	opts.ReconnectAttempts = c.retries
	opts.ReconnectDelay = c.delay
	opts.EnableFallback = false
	opts.Retention = 0

	done := make(chan result, 1)
	registry := multiplexer.New(multiplexer.Config{
		Options: opts,
		Callbacks: multiplexer.Callbacks{
			OnComplete: func(_ string, msg stream.Message) {
				done <- result{msg: msg}
			},
			OnError: func(_ string, err error) {
				done <- result{err: err}
			},
			OnRetry: func(_ string, attempt int, delay time.Duration) {
				c.logger.Warn("replay failed, retrying", "attempt", attempt, "delay", delay)
			},
		},
		Logger: c.logger,
	})
	defer registry.Close()

	if err := registry.Start(replayStreamID, src, multiplexer.WithMessageID(messageID(path))); err != nil {
		return fmt.Errorf("starting replay: %w", err)
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("replaying %s: %w", path, res.err)
	}

	if snap, ok := registry.Get(replayStreamID); ok {
		c.logger.Debug("replay complete",
			"revision", snap.State.Revision,
			"tokens", snap.State.TokenCount,
			"attempt", snap.Attempt,
		)
	}

	return c.print(w, res.msg)
}

func (c *replayCommander) source(path string) (source.Source, error) {
	format := c.format
	if format == formatAuto {
		format = detectFormat(path)
	}

	switch format {
	case formatNDJSON:
		return source.NDJSON(source.File(path)), nil
	case formatSSE:
		return source.SSE(source.File(path)), nil
	default:
		return nil, fmt.Errorf("unknown recording format %q (want auto, ndjson or sse)", c.format)
	}
}

func (c *replayCommander) print(w io.Writer, msg stream.Message) error {
	if c.markdown {
		text := msg.Text
		if f, ok := w.(*os.File); ok && cliui.IsTerminal(f) {
			rendered, err := cliui.RenderMarkdown(text)
			if err != nil {
				c.logger.Debug("markdown rendering failed", "error", err)
			}
			text = rendered
		}
		_, err := fmt.Fprintln(w, text)
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(msg)
}

func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sse", ".txt":
		return formatSSE
	default:
		return formatNDJSON
	}
}

func messageID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
