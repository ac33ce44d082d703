package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitchside/rig/pkg/api"
	"github.com/pitchside/rig/pkg/camera"
	"github.com/pitchside/rig/pkg/client"
	"github.com/pitchside/rig/pkg/config"
	"github.com/pitchside/rig/pkg/coordinator"
	"github.com/pitchside/rig/pkg/discovery"
	"github.com/pitchside/rig/pkg/events"
	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/metrics"
	"github.com/pitchside/rig/pkg/offload"
	"github.com/pitchside/rig/pkg/recorder"
	"github.com/pitchside/rig/pkg/registry"
	"github.com/pitchside/rig/pkg/storage"
	"github.com/pitchside/rig/pkg/timesync"
	"github.com/pitchside/rig/pkg/types"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a camera recording node",
	Long: `Run this machine as a camera node: the recording state machine, the
time-sync monitor, peer discovery, the offload worker, and the node/
coordinator HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		return runNode(cfg)
	},
}

func runNode(cfg config.Config) error {
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	metrics.SetVersion(Version)
	logger := log.WithNodeID(cfg.Node.ID)
	identity := cfg.Identity()

	logger.Info().
		Str("position", cfg.Node.Position).
		Bool("is_master", identity.IsMaster).
		Str("listen", cfg.Node.ListenAddr).
		Msg("starting node")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	store, err := storage.NewManager(storage.Config{
		Root:        cfg.Storage.RecordingsRoot,
		NodeID:      cfg.Node.ID,
		Container:   cfg.Camera.Container,
		MinFree:     cfg.Storage.MinFreeBytes,
		BitrateMbps: cfg.Camera.BitrateMbps,
	})
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	driver, err := camera.New(cfg.Camera.Driver, camera.Settings{
		Width:       cfg.Camera.ResolutionWidth,
		Height:      cfg.Camera.ResolutionHeight,
		FPS:         cfg.Camera.FPS,
		Codec:       cfg.Camera.Codec,
		Container:   cfg.Camera.Container,
		BitrateMbps: cfg.Camera.BitrateMbps,
	})
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	metrics.ObserveCamera(driver.Detect(), driver.Model())

	// Slaves measure against the master's clock endpoint.
	// The identity headers let the master reverse-learn its slaves from their
	// sync queries.
	var source timesync.Source
	if !cfg.Sync.IsMaster && cfg.Sync.MasterEndpoint != "" {
		source = client.NewNode(cfg.Sync.MasterEndpoint, 2*time.Second).
			WithIdentity(cfg.Node.ID, cfg.Node.Endpoint)
	}
	syncMon := timesync.NewMonitor(timesync.Config{
		NodeID:      cfg.Node.ID,
		IsMaster:    cfg.Sync.IsMaster,
		ToleranceMs: cfg.Sync.ToleranceMs,
		RTTMaxMs:    cfg.Sync.RTTMaxMs,
		Stale:       cfg.Sync.Stale,
		Interval:    cfg.Sync.Interval,
	}, source, broker)
	syncMon.Start()
	defer syncMon.Stop()
	metrics.ObserveSync(syncMon.Status().Status)

	hostname, _ := os.Hostname()
	machine := recorder.NewMachine(recorder.Config{
		Identity:        identity,
		Settings:        camera.Settings{Width: cfg.Camera.ResolutionWidth, Height: cfg.Camera.ResolutionHeight, FPS: cfg.Camera.FPS, Codec: cfg.Camera.Codec, Container: cfg.Camera.Container, BitrateMbps: cfg.Camera.BitrateMbps},
		StopGrace:       cfg.Camera.StopGrace,
		SyncToleranceMs: cfg.Sync.ToleranceMs,
		ExpectedCameras: cfg.Cluster.ExpectedCameras,
		SoftwareVersion: Version,
		Hostname:        hostname,
	}, driver, store, syncMon, broker)
	metrics.ObserveRecorder(machine.State(), "")

	// Every cluster event lands in the log, and the health registry tracks
	// the recorder, sync, and offload signals from the same stream.
	go watchEvents(machine, broker.Subscribe())

	// Offload worker, fed by finalized recordings.
	var uploads *offload.Worker
	if cfg.Offload.ServerURL != "" {
		uploadClient := offload.NewClient(cfg.Offload.ServerURL, cfg.Offload.ChunkSize, cfg.Offload.Timeout)
		uploads = offload.NewWorker(uploadClient, store, broker, cfg.Storage.DeleteAfterConfirm)
		if cfg.Offload.AutoUpload {
			uploads.Start()
			defer uploads.Stop()
			machine.OnFinalized = uploads.Enqueue
		}
		metrics.ReportCondition("offload", metrics.ConditionReady, "")
	}

	// Peer registry: static config first, discovery fills the rest.
	statics := make([]types.Peer, 0, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		statics = append(statics, types.Peer{
			NodeID:   p.NodeID,
			Position: types.Position(p.Position),
			Endpoint: p.Endpoint,
			IsMaster: p.IsMaster,
		})
	}
	reg := registry.New(cfg.Node.ID, statics, cfg.Cluster.PeerTimeout, broker)

	probeTimeout := cfg.Cluster.StatusTimeout
	peerMon := registry.NewMonitor(reg, func(ctx context.Context, p types.Peer) error {
		_, err := client.NewNode(p.Endpoint, probeTimeout).Status(ctx)
		return err
	}, cfg.Cluster.PeerTimeout, probeTimeout)
	peerMon.Start()
	defer peerMon.Stop()

	if cfg.Cluster.DiscoveryAddr != "" {
		disc := discovery.New(discovery.Announcement{
			NodeID:   cfg.Node.ID,
			Position: identity.Position,
			Endpoint: cfg.Node.Endpoint,
			IsMaster: identity.IsMaster,
		}, cfg.Cluster.DiscoveryAddr, cfg.Cluster.DiscoveryInterval, reg)
		if err := disc.Start(); err != nil {
			logger.Warn().Err(err).Msg("discovery disabled")
		} else {
			defer disc.Stop()
		}
	}

	coord := coordinator.New(coordinator.Config{
		ExpectedCameras: cfg.Cluster.ExpectedCameras,
		MinParticipants: cfg.Cluster.MinParticipants,
		ArmTimeout:      cfg.Cluster.ArmTimeout,
		StatusTimeout:   cfg.Cluster.StatusTimeout,
		StopTimeout:     cfg.Cluster.StopTimeout,
		TestTimeout:     cfg.Camera.TestDuration + 20*time.Second,
	}, &coordinator.LocalTarget{
		NodeID:   cfg.Node.ID,
		Machine:  machine,
		Sync:     syncMon,
		TempMaxC: cfg.Camera.TemperatureMaxC,
		TestLen:  cfg.Camera.TestDuration,
	}, reg, coordinator.NewRemoteFactory(reg))

	server := api.NewServer(api.Config{
		ListenAddr:   cfg.Node.ListenAddr,
		TempMaxC:     cfg.Camera.TemperatureMaxC,
		TestDuration: cfg.Camera.TestDuration,
	}, machine, syncMon, coord, reg, uploads)
	metrics.ReportCondition("api", metrics.ConditionReady, "")

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
		logger.Error().Err(err).Msg("api server failed")
	}

	// An in-progress recording is finalized before exit.
	machine.Shutdown(cfg.Cluster.ShutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// watchEvents drains broker events into the structured log and keeps the
// health registry in step with the recorder, sync, and offload signals.
func watchEvents(machine *recorder.Machine, sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		entry := logger.Info()
		for k, v := range ev.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Str("event", string(ev.Type)).Msg(ev.Message)

		switch ev.Type {
		case events.EventRecordingFailed:
			metrics.ObserveRecorder(types.StateError, ev.Metadata["error"])
		case events.EventRecordingStarted, events.EventRecordingFinalized, events.EventRecordingAborted:
			metrics.ObserveRecorder(machine.State(), "")
		case events.EventSyncDegraded:
			metrics.ObserveSync(types.SyncFail)
		case events.EventSyncRestored:
			metrics.ObserveSync(types.SyncOK)
		case events.EventUploadFailed:
			metrics.ReportCondition("offload", metrics.ConditionDegraded,
				"upload failed for "+ev.Metadata["recording_id"])
		case events.EventUploadConfirmed:
			metrics.ReportCondition("offload", metrics.ConditionReady, "")
		}
	}
}
