// Package servecmder provides the serve command, which runs a stream
// registry behind the spool HTTP API.
package servecmder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papercomputeco/spool/api"
	"github.com/papercomputeco/spool/multiplexer"
	"github.com/papercomputeco/spool/multiplexer/fallback"
	"github.com/papercomputeco/spool/multiplexer/worker"
	"github.com/papercomputeco/spool/pkg/checkpoint"
	"github.com/papercomputeco/spool/pkg/checkpoint/postgres"
	"github.com/papercomputeco/spool/pkg/checkpoint/sqlite"
	"github.com/papercomputeco/spool/pkg/cliui"
	"github.com/papercomputeco/spool/pkg/config"
	"github.com/papercomputeco/spool/pkg/dotdir"
	"github.com/papercomputeco/spool/pkg/eventstream"
	"github.com/papercomputeco/spool/pkg/eventstream/kafka"
	"github.com/papercomputeco/spool/pkg/eventstream/nop"
	"github.com/papercomputeco/spool/pkg/logger"
)

type serveCommander struct {
	configDir string
	debug     bool

	listen         string
	sqlitePath     string
	postgresDSN    string
	fallbackTarget string
	brokers        string
	topic          string
	maxStreams     int

	viper  *viper.Viper
	logger *slog.Logger
}

const serveLongDesc string = `Run the spool stream registry and its HTTP API.

The server accepts stream start requests on /v1/streams, folds every stream
into a live message state, checkpoints that state to SQLite (or PostgreSQL
when a DSN is configured) and serves the freshest state of each message on
/v1/messages/:id for fallback pollers. Lifecycle events are published to
Kafka when brokers are configured. An MCP endpoint is mounted on /mcp.

Values resolve from flags, then SPOOL_* environment variables, then
.spool/config.toml, then defaults. Changes to the [stream] section of the
config file are applied to the running registry.

Examples:
  spool serve
  spool serve --listen :9000 --max-streams 10
  spool serve --postgres postgres://localhost/spool
  spool serve --kafka-brokers localhost:9092`

const serveShortDesc string = "Run the spool server"

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			config.BindRegisteredFlags(v, cmd, config.ServeFlags, []string{
				config.FlagAPIListen,
				config.FlagSQLite,
				config.FlagPostgres,
				config.FlagFallbackTarget,
				config.FlagBrokers,
				config.FlagTopic,
				config.FlagMaxStreams,
			})

			cmder.viper = v
			cmder.listen = v.GetString("api.listen")
			cmder.sqlitePath = v.GetString("storage.sqlite_path")
			cmder.postgresDSN = v.GetString("storage.postgres_dsn")
			cmder.fallbackTarget = v.GetString("fallback.target")
			cmder.topic = v.GetString("eventstream.topic")
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}

			return cmder.run(cmd.Context())
		},
	}

	config.AddStringFlag(cmd, config.ServeFlags, config.FlagAPIListen, &cmder.listen)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagSQLite, &cmder.sqlitePath)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagPostgres, &cmder.postgresDSN)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagFallbackTarget, &cmder.fallbackTarget)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagBrokers, &cmder.brokers)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagTopic, &cmder.topic)
	config.AddIntFlag(cmd, config.ServeFlags, config.FlagMaxStreams, &cmder.maxStreams)

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.logger = logger.New(logger.WithDebug(c.debug), logger.WithPretty(true))

	var store checkpoint.Driver
	err := cliui.Step(os.Stderr, "Opening checkpoint store", func() error {
		var err error
		store, err = c.newCheckpointDriver(ctx)
		return err
	})
	if err != nil {
		return err
	}
	defer store.Close()
	c.logger.Info("checkpoint store ready", "backend", c.storeBackend())

	publisher, err := c.newPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

	pool, err := worker.NewPool(&worker.Config{
		Driver:    store,
		Publisher: publisher,
		Logger:    c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Close()

	registry := multiplexer.New(multiplexer.Config{
		Options: config.StreamOptions(c.viper),
		Pool:    pool,
		Fetcher: c.newFetcher(store),
		Logger:  c.logger,
	})
	defer registry.Close()

	config.WatchStreamOptions(c.viper, c.logger, registry.SetOptions)

	server, err := api.NewServer(api.Config{ListenAddr: c.listen}, registry, store, c.logger)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	c.logger.Info("starting spool server",
		"listen", c.listen,
		"max_concurrent_streams", registry.Options().MaxConcurrentStreams,
	)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", "signal", sig.String())
	}

	registry.StopAll()
	if err := server.Shutdown(); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

func (c *serveCommander) newCheckpointDriver(ctx context.Context) (checkpoint.Driver, error) {
	if c.postgresDSN != "" {
		driver, err := postgres.NewDriver(ctx, c.postgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL checkpoint store: %w", err)
		}
		return driver, nil
	}

	path := c.sqlitePath
	if path == "" {
		var err error
		path, err = dotdir.NewManager().DefaultDBPath(c.configDir)
		if err != nil {
			return nil, fmt.Errorf("resolving checkpoint database path: %w", err)
		}
	}

	driver, err := sqlite.NewDriver(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite checkpoint store: %w", err)
	}
	c.sqlitePath = path
	return driver, nil
}

func (c *serveCommander) storeBackend() string {
	if c.postgresDSN != "" {
		return "postgres"
	}
	return "sqlite:" + c.sqlitePath
}

func (c *serveCommander) newPublisher() (eventstream.Publisher, error) {
	brokers := config.Brokers(c.viper)
	if len(brokers) == 0 {
		return nop.NewPublisher(), nil
	}

	publisher, err := kafka.NewPublisher(kafka.Config{
		Brokers: brokers,
		Topic:   c.topic,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
	}
	c.logger.Info("publishing lifecycle events to Kafka", "brokers", brokers, "topic", c.topic)
	return publisher, nil
}

// newFetcher polls a remote spool API when a fallback target is configured,
// and the local checkpoint store otherwise.
func (c *serveCommander) newFetcher(store checkpoint.Driver) fallback.Fetcher {
	if c.fallbackTarget != "" {
		c.logger.Info("fallback polling remote target", "target", c.fallbackTarget)
		return fallback.NewHTTPFetcher(c.fallbackTarget, nil)
	}
	return fallback.StoreFetcher(store)
}
