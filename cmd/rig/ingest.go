package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitchside/rig/pkg/config"
	"github.com/pitchside/rig/pkg/ingest"
	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/metrics"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the ingest server",
	Long: `Run the ingest server: resumable chunked uploads from the camera
nodes, checksum verification, and atomic publication of complete sessions
under the sessions directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
		metrics.SetVersion(Version)
		logger := log.WithComponent("ingest")

		manager, err := ingest.NewManager(cfg.Ingest.SessionsRoot, cfg.Ingest.CompleteTimeout)
		if err != nil {
			return err
		}
		defer manager.Close()
		manager.StartScanner(time.Minute)
		metrics.ReportCondition("ingest", metrics.ConditionReady, "")

		server := ingest.NewServer(manager, cfg.Ingest.ListenAddr)
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("ingest server failed")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter config file with the defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		cmd.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
