package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "camwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaultsFromEnvironment(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.Cameras; len(got) != 3 || got[0] != 0 || got[1] != 2 || got[2] != 4 {
		t.Fatalf("unexpected default cameras: %v", got)
	}
	if cfg.Motion.MinArea != 500 {
		t.Fatalf("expected min area 500, got %d", cfg.Motion.MinArea)
	}
	if cfg.Motion.TrailingWindow != 10*time.Second || cfg.Motion.Warmup != 10*time.Second {
		t.Fatalf("unexpected windows: trailing=%v warmup=%v", cfg.Motion.TrailingWindow, cfg.Motion.Warmup)
	}
	if cfg.Video.Width != 640 || cfg.Video.Height != 480 || cfg.Video.FrameRate != 10 {
		t.Fatalf("unexpected video config: %+v", cfg.Video)
	}
	if cfg.Production() {
		t.Fatal("default environment should be dev")
	}
	if cfg.RemoteSinkEnabled() || cfg.CatalogEnabled() {
		t.Fatal("remote sink and catalog should be disabled by default")
	}
	if cfg.Storage.Container != "monitoring-videos" {
		t.Fatalf("unexpected container: %q", cfg.Storage.Container)
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := writeConfig(t, `
environment: prod
cameras: [1, 3]
motion:
  min_area: 300
  trailing_window: 5s
storage:
  minio:
    endpoint: minio.local:9000
`)
	t.Setenv("MOTION_MIN_AREA", "800")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Production() {
		t.Fatal("expected prod environment")
	}
	if len(cfg.Cameras) != 2 || cfg.Cameras[0] != 1 || cfg.Cameras[1] != 3 {
		t.Fatalf("unexpected cameras: %v", cfg.Cameras)
	}
	if cfg.Motion.MinArea != 800 {
		t.Fatalf("env should override file, got min area %d", cfg.Motion.MinArea)
	}
	if cfg.Motion.TrailingWindow != 5*time.Second {
		t.Fatalf("expected 5s trailing window, got %v", cfg.Motion.TrailingWindow)
	}
	if !cfg.RemoteSinkEnabled() {
		t.Fatal("expected remote sink enabled")
	}

	minioCfg, pgCfg := CreateStorageConfigs(cfg)
	if minioCfg.Endpoint != "minio.local:9000" || minioCfg.MaxRetries != 0 {
		t.Fatalf("unexpected minio mapping: %+v", minioCfg)
	}
	if pgCfg.DSN != "" {
		t.Fatalf("unexpected postgres DSN: %q", pgCfg.DSN)
	}
	if cfg.NotifyEnabled() {
		t.Fatal("notify should be disabled without a broker host")
	}
}

func TestCreateMQTTConfig(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.local")
	t.Setenv("MQTT_QOS", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.NotifyEnabled() {
		t.Fatal("expected notify enabled")
	}
	m := CreateMQTTConfig(cfg)
	if m.Host != "broker.local" || m.Port != 1883 || m.QoS != 1 || m.Topic != "camwatch/events" || m.ClientID != "camwatch" {
		t.Fatalf("unexpected mqtt mapping: %+v", m)
	}
	if m.PublishTimeout != 5*time.Second {
		t.Fatalf("unexpected publish timeout %v", m.PublishTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Environment: EnvDev,
			Cameras:     []int{0},
			Motion:      Motion{MinArea: 500, TrailingWindow: time.Second},
			Video:       Video{Width: 640, Height: 480, FrameRate: 10, OutputDir: "recordings"},
			Storage:     Storage{Container: "monitoring-videos"},
			Metrics:     Metrics{Path: "/metrics"},
			Log:         Log{Level: "info", Format: "console"},
		}
	}

	testCases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"no cameras", func(c *Config) { c.Cameras = nil }, false},
		{"duplicate camera", func(c *Config) { c.Cameras = []int{2, 2} }, false},
		{"negative camera", func(c *Config) { c.Cameras = []int{-1} }, false},
		{"bad environment", func(c *Config) { c.Environment = "staging" }, false},
		{"zero trailing window", func(c *Config) { c.Motion.TrailingWindow = 0 }, false},
		{"negative warmup", func(c *Config) { c.Motion.Warmup = -time.Second }, false},
		{"zero frame rate", func(c *Config) { c.Video.FrameRate = 0 }, false},
		{"sink without container", func(c *Config) {
			c.Storage.MinIO.Endpoint = "x:9000"
			c.Storage.Container = ""
		}, false},
		{"bad sink endpoint", func(c *Config) {
			c.Storage.MinIO.Endpoint = "minio-without-port"
			c.Storage.Container = "monitoring-videos"
		}, false},
		{"metrics on any interface", func(c *Config) { c.Metrics.ListenAddr = ":9100" }, true},
		{"bad metrics addr", func(c *Config) { c.Metrics.ListenAddr = "9100" }, false},
		{"mqtt bad qos", func(c *Config) {
			c.Notify.MQTT = MQTTConfig{Host: "broker", Port: 1883, Topic: "t", QoS: 3}
		}, false},
		{"mqtt enabled", func(c *Config) {
			c.Notify.MQTT = MQTTConfig{Host: "broker", Port: 1883, Topic: "t", QoS: 1}
		}, true},
		{"output dir escapes", func(c *Config) { c.Video.OutputDir = "../elsewhere" }, false},
		{"frame rate too high", func(c *Config) { c.Video.FrameRate = 240 }, false},
		{"bad bucket name", func(c *Config) { c.Storage.Container = "Upper_Case" }, false},
		{"mqtt without topic", func(c *Config) {
			c.Notify.MQTT = MQTTConfig{Host: "broker", Port: 1883}
		}, false},
		{"mqtt without port", func(c *Config) {
			c.Notify.MQTT = MQTTConfig{Host: "broker", Topic: "t"}
		}, false},
		{"mqtt disabled ignores topic", func(c *Config) { c.Notify.MQTT = MQTTConfig{QoS: 1} }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, false},
		{"bad metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := base()
	cfg.Cameras = nil
	cfg.Motion.MinArea = 0
	err := cfg.Validate()
	if !errors.Is(err, ErrNoCameras) {
		t.Fatalf("expected ErrNoCameras, got %v", err)
	}
	if !strings.Contains(err.Error(), "motion.min_area") {
		t.Fatalf("every problem should be reported, got %v", err)
	}
}

func TestValidateNamesFieldsByYAMLPath(t *testing.T) {
	cfg := Config{
		Environment: EnvDev,
		Cameras:     []int{0, -2},
		Motion:      Motion{MinArea: 500, TrailingWindow: time.Second},
		Video:       Video{Width: 640, Height: 480, FrameRate: 10, OutputDir: "recordings"},
		Storage: Storage{
			MinIO: MinIOConfig{Endpoint: "minio.local:9000"},
		},
		Metrics: Metrics{Path: "/metrics"},
		Log:     Log{Level: "info", Format: "console"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"cameras[1]", "storage.container is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
	if errors.Is(err, ErrNoCameras) {
		t.Fatal("cameras are configured, ErrNoCameras should not be reported")
	}
}
