// Package statuscmder provides the status command for displaying the streams
// of a running spool server.
package statuscmder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/spool/api"
	"github.com/papercomputeco/spool/pkg/cliui"
	"github.com/papercomputeco/spool/pkg/config"
	"github.com/papercomputeco/spool/pkg/utils"
)

const previewWidth = 60

type statusCommander struct {
	target   string
	timeout  time.Duration
	watch    bool
	interval time.Duration
}

const statusLongDesc string = `Show the streams of a running spool server.

Queries GET /v1/streams on the server API and prints the aggregate stats
followed by one line per stream with its status, progress, token count and
a preview of the accumulated text.

The target defaults to the configured api.listen address on localhost.
With --watch the view refreshes until q or ctrl+c is pressed.

Examples:
  spool status
  spool status --watch --interval 500ms
  spool status --target http://spool.internal:8090`

const statusShortDesc string = "Show streams of a running server"

func NewStatusCmd() *cobra.Command {
	cmder := &statusCommander{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: statusShortDesc,
		Long:  statusLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("target") {
				configDir, _ := cmd.Flags().GetString("config-dir")
				v, err := config.InitViper(configDir)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				cmder.target = listenTarget(v.GetString("api.listen"))
			}
			if cmder.watch {
				return cmder.runWatch(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&cmder.target, "target", "t", "", "Base URL of the spool API")
	cmd.Flags().DurationVar(&cmder.timeout, "timeout", 5*time.Second, "Request timeout")
	cmd.Flags().BoolVarP(&cmder.watch, "watch", "w", false, "Refresh continuously")
	cmd.Flags().DurationVar(&cmder.interval, "interval", time.Second, "Refresh interval with --watch")

	return cmd
}

func (c *statusCommander) run(ctx context.Context, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	list, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	render(w, list)
	return nil
}

func (c *statusCommander) fetch(ctx context.Context) (*api.ListResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.target, "/") + "/v1/streams"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("querying %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	var list api.ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding stream list: %w", err)
	}
	return &list, nil
}

func render(w io.Writer, list *api.ListResponse) {
	s := list.Stats
	fmt.Fprintf(w, "\n  %s  %s\n", cliui.KeyStyle.Render("Active:   "), cliui.ValueStyle.Render(strconv.Itoa(s.ActiveStreams)))
	fmt.Fprintf(w, "  %s  %s\n", cliui.KeyStyle.Render("Completed:"), cliui.ValueStyle.Render(strconv.Itoa(s.CompletedStreams)))
	fmt.Fprintf(w, "  %s  %s\n\n", cliui.KeyStyle.Render("Tokens:   "), cliui.ValueStyle.Render(strconv.Itoa(s.TotalTokens)))

	if len(list.Streams) == 0 {
		fmt.Fprintf(w, "  %s No streams.\n\n", cliui.DimStyle.Render("●"))
		return
	}

	for _, snap := range list.Streams {
		retrying := ""
		if snap.Retrying {
			retrying = cliui.DimStyle.Render(fmt.Sprintf(" retry #%d", snap.Attempt+1))
		}
		fmt.Fprintf(w, "  %s %s%s %s %s\n",
			cliui.KeyStyle.Render(snap.StreamID),
			cliui.Status(string(snap.Status)),
			retrying,
			cliui.DimStyle.Render(fmt.Sprintf("%3.0f%% %d tok", snap.Progress, snap.State.TokenCount)),
			cliui.PreviewStyle.Render(utils.Truncate(oneLine(snap.State.Text), previewWidth)),
		)
		if snap.Error != "" {
			fmt.Fprintf(w, "    %s %s\n", cliui.FailMark, snap.Error)
		}
	}

	fmt.Fprintln(w)
}

// listenTarget turns a listen address into a URL on localhost.
func listenTarget(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
