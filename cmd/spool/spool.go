// Package spoolcmder
package spoolcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/papercomputeco/spool/cmd/spool/config"
	replaycmder "github.com/papercomputeco/spool/cmd/spool/replay"
	servecmder "github.com/papercomputeco/spool/cmd/spool/serve"
	statuscmder "github.com/papercomputeco/spool/cmd/spool/status"
	versioncmder "github.com/papercomputeco/spool/cmd/version"
)

const spoolLongDesc string = `Spool multiplexes streamed model responses.

It consumes concurrent event streams, folds each into a live message state,
retries broken connections with backoff and polls a fallback source when a
stream stalls.

Commands:
  spool serve                 Run the stream registry and its HTTP API
  spool status                Show the streams of a running server
  spool replay <file>         Fold a recorded stream and print the message
  spool config                Manage persistent configuration`

const spoolShortDesc string = "Spool - stream multiplexer"

func NewSpoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "spool",
		Short:        spoolShortDesc,
		Long:         spoolLongDesc,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override path to .spool/ config directory")

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(statuscmder.NewStatusCmd())
	cmd.AddCommand(replaycmder.NewReplayCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
