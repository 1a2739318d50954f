// Command peerstored runs the peer-attribute store service engine: it
// loads configuration, opens the configured storage backend, and serves
// clients on a Unix domain socket until a shutdown signal is received.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerstore/internal/config"
	"peerstore/internal/engine"
	"peerstore/internal/metrics"
	"peerstore/internal/storage"

	_ "peerstore/internal/storage/sqlitestore"
)

func main() {
	root := runCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "peerstored",
		Short: "peer-attribute store service engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a peerstored config file")
	return cmd
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("peerstored: load config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Peerstore.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "peerstored")

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("peerstored: register metrics: %w", err)
	}

	backend, err := storage.Open(cfg.Peerstore.Database, cfg.Backend.Filename)
	if err != nil {
		return fmt.Errorf("peerstored: open backend %q: %w", cfg.Peerstore.Database, err)
	}

	eng := engine.New(backend, engine.WithSweepInterval(cfg.Peerstore.SweepInterval))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- eng.Serve(cfg.Peerstore.Socket)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("peerstored: serve: %w", err)
		}
	case s := <-sig:
		log.WithField("signal", s).Info("shutting down")
		eng.Drain()
		eng.Wait()
	}
	return nil
}
