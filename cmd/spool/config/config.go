// Package configcmder provides the config command for managing persistent
// spool configuration stored in the .spool/ directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent spool configuration.

Configuration is stored as config.toml in the .spool/ directory and provides
default values for command flags. CLI flags and SPOOL_* environment
variables always take precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  stream.max_concurrent_streams, stream.reconnect_attempts,
  stream.reconnect_delay, stream.connection_timeout,
  stream.enable_auto_retry, stream.enable_fallback,
  stream.fallback_polling_interval, stream.stall_timeout,
  stream.retention, stream.checkpoint_every,
  api.listen, storage.sqlite_path, storage.postgres_dsn,
  fallback.target, eventstream.brokers, eventstream.topic

Use subcommands to get, set, or list configuration values:
  spool config set <key> <value>    Set a configuration value
  spool config get <key>            Get a configuration value
  spool config list                 List all configuration values

Examples:
  spool config set stream.max_concurrent_streams 10
  spool config set stream.reconnect_delay 500ms
  spool config get api.listen
  spool config list`

const configShortDesc string = "Manage persistent spool configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
