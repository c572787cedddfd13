package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rknightion/paperless-dedupe/internal/adapter"
)

// newServeCmd creates the serve subcommand: run the HTTP/WebSocket adapter
// in the foreground until interrupted, the way eve.evalgo.org/cli.runServer
// starts its Echo server in a goroutine and blocks on SIGINT/SIGTERM.
func newServeCmd() *cobra.Command {
	adapterCfg := adapter.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background collaborators",
	}
	cmd.Flags().IntVar(&adapterCfg.Port, "port", adapterCfg.Port, "HTTP listen port")
	loader := newLoader(cmd.Flags())

	cmd.RunE = func(*cobra.Command, []string) error {
		cfg, err := loadConfig(loader)
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return fmt.Errorf("build app: %w", err)
		}
		defer a.Close()

		if err := a.client.Ping(context.Background()); err != nil {
			return fmt.Errorf("paperless ping failed: %w", err)
		}

		srv := adapter.New(adapterCfg, adapter.Deps{
			Store:    a.store,
			Sync:     a.syncer,
			Analysis: a.analyzer,
			Batch:    a.batcher,
			AI:       a.collab,
			Bus:      a.bus,
			Version:  version,
			Log:      a.log,
		})

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-quit:
			a.log.Info("serve: shutting down")
			return srv.Shutdown(context.Background())
		}
	}

	return cmd
}
