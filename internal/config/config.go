// Package config holds the runtime configuration shared by the analyzer CLI
// and the HTTP server.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/media"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/pose"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/runner"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/video"
)

// Config defines the runtime configuration.
type Config struct {
	LogLevel string
	LogColor bool

	// Pose worker
	PoseCommand string
	PoseArgs    []string
	PoseTimeout time.Duration
	PoseMaxSide int

	// Video decoding
	DecoderCommand string
	FPS            float64
	FetchMaxBytes  int64

	CalibrationPath string

	// Analyzed video upload. Empty UploadPrivateKey disables publishing.
	UploadURL        string
	UploadPrivateKey string
	UploadFolder     string

	DatabaseURL string

	// Server
	HTTPAddr    string
	STUNServers string
	MaxSessions int

	Format    string
	RecordDir string
}

// DefaultConfig returns the configuration used when no flag or env var is set.
func DefaultConfig() Config {
	return Config{
		LogLevel:       "info",
		LogColor:       false,
		PoseTimeout:    5 * time.Second,
		PoseMaxSide:    640,
		DecoderCommand: "ffmpeg",
		FPS:            video.DefaultFPS,
		FetchMaxBytes:  512 << 20,
		UploadURL:      media.DefaultUploadURL,
		UploadFolder:   "session-traces",
		DatabaseURL:    "analysis.db",
		HTTPAddr:       ":8090",
		STUNServers:    "stun:stun.l.google.com:19302",
		MaxSessions:    8,
		Format:         string(runner.FormatJSON),
	}
}

// RegisterFlags binds the shared flags to c. Call LoadEnv before so env
// values show up as flag defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Enable colored log output")
	fs.StringVar(&c.PoseCommand, "pose-cmd", c.PoseCommand, "Pose worker command (JSON lines on stdin/stdout)")
	fs.Func("pose-arg", "Pose worker argument (repeatable)", func(v string) error {
		c.PoseArgs = append(c.PoseArgs, v)
		return nil
	})
	fs.DurationVar(&c.PoseTimeout, "pose-timeout", c.PoseTimeout, "Per-frame pose estimation timeout")
	fs.IntVar(&c.PoseMaxSide, "pose-max-side", c.PoseMaxSide, "Downscale frames to this longer side before estimation (0 = off)")
	fs.StringVar(&c.DecoderCommand, "decoder", c.DecoderCommand, "Video decoder command")
	fs.Float64Var(&c.FPS, "fps", c.FPS, "Frame rate used for video timestamps")
	fs.Int64Var(&c.FetchMaxBytes, "fetch-max-bytes", c.FetchMaxBytes, "Maximum size of a downloaded video (0 = unlimited)")
	fs.StringVar(&c.CalibrationPath, "calibration", c.CalibrationPath, "Calibration YAML file")
	fs.StringVar(&c.UploadURL, "upload-url", c.UploadURL, "Analyzed video upload endpoint")
	fs.StringVar(&c.UploadFolder, "upload-folder", c.UploadFolder, "Upload folder")
	fs.StringVar(&c.DatabaseURL, "db", c.DatabaseURL, "Results database (SQLite path or postgres:// URL)")
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "HTTP server address")
	fs.StringVar(&c.STUNServers, "stun", c.STUNServers, "STUN server URLs (comma-separated, empty = none)")
	fs.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "Maximum concurrent live sessions")
	fs.StringVar(&c.Format, "format", c.Format, "Result encoding (json, protobuf)")
	fs.StringVar(&c.RecordDir, "record-dir", c.RecordDir, "Write landmark traces to this directory")
}

// LoadEnv overrides c from the environment. Secrets are only read from here.
func (c *Config) LoadEnv() {
	c.UploadPrivateKey = getEnv("UPLOAD_PRIVATE_KEY", c.UploadPrivateKey)
	c.UploadURL = getEnv("UPLOAD_URL", c.UploadURL)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.PoseCommand = getEnv("POSE_CMD", c.PoseCommand)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// InitLogger initializes the global logger on stderr.
func (c Config) InitLogger() (logger.Level, error) {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return level, err
	}
	logger.Init(level, os.Stderr, c.LogColor)
	logger.SetLevel(level)
	return level, nil
}

// Calibration returns the defaults, overridden by CalibrationPath if set.
func (c Config) Calibration() (calibration.Set, error) {
	if c.CalibrationPath == "" {
		return calibration.Default(), nil
	}
	return calibration.Load(c.CalibrationPath)
}

// OutputFormat parses Format.
func (c Config) OutputFormat() (runner.Format, error) {
	return runner.ParseFormat(c.Format)
}

// STUNList splits STUNServers. An empty value yields an empty, non-nil list.
func (c Config) STUNList() []string {
	out := []string{}
	for _, s := range strings.Split(c.STUNServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// VideoConfig returns the decoder settings.
func (c Config) VideoConfig() video.CommandConfig {
	return video.CommandConfig{Command: c.DecoderCommand, FPS: c.FPS}
}

// PoseConfig returns the pose worker settings.
func (c Config) PoseConfig() pose.ProcessConfig {
	return pose.ProcessConfig{
		Command: c.PoseCommand,
		Args:    c.PoseArgs,
		Timeout: c.PoseTimeout,
		MaxSide: c.PoseMaxSide,
	}
}

// Publisher returns the upload collaborator, or nil when uploads are not
// configured.
func (c Config) Publisher(prefix string) media.Publisher {
	if c.UploadPrivateKey == "" {
		return nil
	}
	return &media.HTTPPublisher{
		Endpoint:   c.UploadURL,
		PrivateKey: c.UploadPrivateKey,
		Folder:     c.UploadFolder,
		Prefix:     prefix,
	}
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.OutputFormat(); err != nil {
		return err
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %v", c.FPS)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max-sessions must be positive, got %d", c.MaxSessions)
	}
	return nil
}
