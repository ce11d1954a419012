package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/andreyvit/idbstore"
)

// config is the YAML file passed with --config. Flags override its values.
type config struct {
	Backend string `yaml:"backend"`
	BlobDir string `yaml:"blob_dir"`
	Origin  string `yaml:"origin"`
	Verbose bool   `yaml:"verbose"`

	MmapSize          int  `yaml:"mmap_size"`
	CompressValues    bool `yaml:"compress_values"`
	CompressThreshold int  `yaml:"compress_threshold"`

	LegacyBlobCorruptionAllowlist []string `yaml:"legacy_blob_corruption_allowlist"`

	Cleanup struct {
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxWindow    time.Duration `yaml:"max_window"`
		MaxRequests  int           `yaml:"max_requests"`
	} `yaml:"cleanup"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *config) validate() error {
	switch idbstore.Backend(cfg.Backend) {
	case "", idbstore.BackendBolt, idbstore.BackendLevelDB, idbstore.BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if cfg.CompressThreshold < 0 {
		return fmt.Errorf("compress_threshold must not be negative")
	}
	return nil
}

func (cfg *config) options(logger *slog.Logger) idbstore.Options {
	return idbstore.Options{
		Backend:                       idbstore.Backend(cfg.Backend),
		BlobDir:                       cfg.BlobDir,
		Origin:                        cfg.Origin,
		Logger:                        logger,
		Verbose:                       cfg.Verbose,
		MmapSize:                      cfg.MmapSize,
		CompressValues:                cfg.CompressValues,
		CompressThreshold:             cfg.CompressThreshold,
		LegacyBlobCorruptionAllowlist: cfg.LegacyBlobCorruptionAllowlist,
		JournalCleanInitialDelay:      cfg.Cleanup.InitialDelay,
		JournalCleanMaxWindow:         cfg.Cleanup.MaxWindow,
		MaxJournalCleanRequests:       cfg.Cleanup.MaxRequests,
	}
}

func newLogger(w *os.File, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(colorable.NewColorable(w), &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(w.Fd()),
	}))
}
