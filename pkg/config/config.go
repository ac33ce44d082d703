package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pitchside/rig/pkg/types"
)

// Config is the immutable node configuration, loaded once at startup and
// passed by value to the components that need it. Changing configuration
// requires a node restart.
type Config struct {
	Node    NodeConfig    `mapstructure:"node" yaml:"node"`
	Camera  CameraConfig  `mapstructure:"camera" yaml:"camera"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`
	Offload OffloadConfig `mapstructure:"offload" yaml:"offload"`
	Ingest  IngestConfig  `mapstructure:"ingest" yaml:"ingest"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// NodeConfig identifies this node and its control endpoint.
type NodeConfig struct {
	ID         string `mapstructure:"id" yaml:"id"`
	Position   string `mapstructure:"position" yaml:"position"` // left, center, right
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// Endpoint is how peers reach this node. Defaults to ListenAddr when
	// empty.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// CameraConfig selects and parameterizes the camera session driver.
type CameraConfig struct {
	Driver          string  `mapstructure:"driver" yaml:"driver"` // only "simulated" is built in
	ResolutionWidth int     `mapstructure:"resolution_width" yaml:"resolution_width"`
	ResolutionHeight int    `mapstructure:"resolution_height" yaml:"resolution_height"`
	FPS             int     `mapstructure:"fps" yaml:"fps"`
	Codec           string  `mapstructure:"codec" yaml:"codec"`
	Container       string  `mapstructure:"container" yaml:"container"`
	BitrateMbps     float64 `mapstructure:"bitrate_mbps" yaml:"bitrate_mbps"`
	TestDuration    time.Duration `mapstructure:"test_duration" yaml:"test_duration"`
	StopGrace       time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	TemperatureMaxC float64 `mapstructure:"temperature_max_c" yaml:"temperature_max_c"`
}

// StorageConfig controls the local recording store.
type StorageConfig struct {
	RecordingsRoot     string `mapstructure:"recordings_root" yaml:"recordings_root"`
	MinFreeBytes       uint64 `mapstructure:"min_free_bytes" yaml:"min_free_bytes"`
	DeleteAfterConfirm bool   `mapstructure:"delete_after_confirm" yaml:"delete_after_confirm"`
}

// SyncConfig controls the time-sync discipline.
type SyncConfig struct {
	IsMaster       bool          `mapstructure:"is_master" yaml:"is_master"`
	MasterEndpoint string        `mapstructure:"master_endpoint" yaml:"master_endpoint"`
	ToleranceMs    float64       `mapstructure:"tolerance_ms" yaml:"tolerance_ms"`
	RTTMaxMs       float64       `mapstructure:"rtt_max_ms" yaml:"rtt_max_ms"`
	Stale          time.Duration `mapstructure:"stale" yaml:"stale"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ClusterConfig controls the coordinator and peer registry.
type ClusterConfig struct {
	// Peers are the admin-entered static endpoints, authoritative over
	// discovery.
	Peers           []StaticPeer  `mapstructure:"peers" yaml:"peers"`
	ExpectedCameras []string      `mapstructure:"expected_cameras" yaml:"expected_cameras"`
	MinParticipants int           `mapstructure:"min_participants" yaml:"min_participants"`
	ArmTimeout      time.Duration `mapstructure:"arm_timeout" yaml:"arm_timeout"`
	StatusTimeout   time.Duration `mapstructure:"status_timeout" yaml:"status_timeout"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	PeerTimeout     time.Duration `mapstructure:"peer_timeout" yaml:"peer_timeout"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	// DiscoveryAddr is the UDP broadcast address for peer announcements;
	// empty disables discovery.
	DiscoveryAddr     string        `mapstructure:"discovery_addr" yaml:"discovery_addr"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval" yaml:"discovery_interval"`
}

// StaticPeer is one admin-entered peer entry.
type StaticPeer struct {
	NodeID   string `mapstructure:"node_id" yaml:"node_id"`
	Position string `mapstructure:"position" yaml:"position"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	IsMaster bool   `mapstructure:"is_master" yaml:"is_master"`
}

// OffloadConfig controls the upload client.
type OffloadConfig struct {
	ServerURL  string        `mapstructure:"server_url" yaml:"server_url"`
	AutoUpload bool          `mapstructure:"auto_upload" yaml:"auto_upload"`
	ChunkSize  int64         `mapstructure:"chunk_size" yaml:"chunk_size"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// IngestConfig configures the ingest server process.
type IngestConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	SessionsRoot    string        `mapstructure:"sessions_root" yaml:"sessions_root"`
	CompleteTimeout time.Duration `mapstructure:"complete_timeout" yaml:"complete_timeout"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

const (
	defaultMinFree   = 10 << 30 // 10 GiB
	defaultChunkSize = 8 << 20  // 8 MiB
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "CAM_C")
	v.SetDefault("node.position", "center")
	v.SetDefault("node.listen_addr", ":8080")

	v.SetDefault("camera.driver", "simulated")
	v.SetDefault("camera.resolution_width", 3840)
	v.SetDefault("camera.resolution_height", 2160)
	v.SetDefault("camera.fps", 30)
	v.SetDefault("camera.codec", "h265")
	v.SetDefault("camera.container", "mp4")
	v.SetDefault("camera.bitrate_mbps", 30.0)
	v.SetDefault("camera.test_duration", 10*time.Second)
	v.SetDefault("camera.stop_grace", 10*time.Second)
	v.SetDefault("camera.temperature_max_c", 75.0)

	v.SetDefault("storage.recordings_root", "/mnt/nvme/recordings")
	v.SetDefault("storage.min_free_bytes", uint64(defaultMinFree))
	v.SetDefault("storage.delete_after_confirm", false)

	v.SetDefault("sync.tolerance_ms", 5.0)
	v.SetDefault("sync.rtt_max_ms", 50.0)
	v.SetDefault("sync.stale", 60*time.Second)
	v.SetDefault("sync.interval", 10*time.Second)

	v.SetDefault("cluster.expected_cameras", []string{"CAM_L", "CAM_C", "CAM_R"})
	v.SetDefault("cluster.min_participants", 2)
	v.SetDefault("cluster.arm_timeout", 3*time.Second)
	v.SetDefault("cluster.status_timeout", 1*time.Second)
	v.SetDefault("cluster.stop_timeout", 20*time.Second)
	v.SetDefault("cluster.peer_timeout", 5*time.Second)
	v.SetDefault("cluster.shutdown_grace", 30*time.Second)
	v.SetDefault("cluster.discovery_interval", 5*time.Second)

	v.SetDefault("offload.chunk_size", int64(defaultChunkSize))
	v.SetDefault("offload.auto_upload", true)
	v.SetDefault("offload.timeout", 30*time.Second)

	v.SetDefault("ingest.listen_addr", ":8081")
	v.SetDefault("ingest.sessions_root", "/srv/rig")
	v.SetDefault("ingest.complete_timeout", 2*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load reads the configuration from path (or the default search paths when
// path is empty) with RIG_-prefixed environment overrides applied.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/rig")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "rig"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
			// No file found: defaults plus env are still a valid config.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDerived(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDerived(cfg *Config) {
	if cfg.Node.Endpoint == "" {
		cfg.Node.Endpoint = cfg.Node.ListenAddr
	}
	// The center camera always carries the reference clock, whatever sync.is_master says.
	if cfg.Node.Position == string(types.PositionCenter) {
		cfg.Sync.IsMaster = true
	}
	if !cfg.Sync.IsMaster && cfg.Sync.MasterEndpoint == "" {
		for _, p := range cfg.Cluster.Peers {
			if p.IsMaster {
				cfg.Sync.MasterEndpoint = p.Endpoint
				break
			}
		}
	}
}

// Validate rejects configurations that cannot run.
func Validate(cfg Config) error {
	if cfg.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	switch types.Position(cfg.Node.Position) {
	case types.PositionLeft, types.PositionCenter, types.PositionRight:
	default:
		return fmt.Errorf("node.position %q: must be left, center, or right", cfg.Node.Position)
	}
	if cfg.Cluster.MinParticipants < 1 {
		return fmt.Errorf("cluster.min_participants must be at least 1")
	}
	if cfg.Offload.ChunkSize <= 0 {
		return fmt.Errorf("offload.chunk_size must be positive")
	}
	if !cfg.Sync.IsMaster && cfg.Sync.MasterEndpoint == "" && len(cfg.Cluster.Peers) > 0 {
		return fmt.Errorf("sync.master_endpoint is required on slave nodes")
	}
	for _, p := range cfg.Cluster.Peers {
		if p.NodeID == "" || p.Endpoint == "" {
			return fmt.Errorf("cluster.peers entries need node_id and endpoint")
		}
	}
	return nil
}

// Identity builds this node's cluster identity from the configuration.
func (c Config) Identity() types.NodeIdentity {
	return types.NodeIdentity{
		NodeID:   c.Node.ID,
		Position: types.Position(c.Node.Position),
		IsMaster: c.Sync.IsMaster,
		Endpoint: c.Node.Endpoint,
	}
}

// WriteDefault writes a starter config file with the built-in defaults to
// path, refusing to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("build defaults: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
