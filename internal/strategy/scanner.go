package strategy

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradecore/internal/core"

	"gopkg.in/yaml.v3"
)

// defaultScanInterval is how often the strategies directory is rescanned.
const defaultScanInterval = 60 * time.Second

// Scanner watches a directory of per-strategy yaml files and keeps the
// executor in sync: new files deploy, changed files hot reload when they bump
// the version with hot_reload set, removed files stop the instance.
type Scanner struct {
	dir      string
	executor *Executor
	logger   core.ILogger
	interval time.Duration

	mu    sync.Mutex
	known map[string]scanEntry // file path -> last applied state

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner creates a scanner for a strategies directory.
func NewScanner(dir string, executor *Executor, logger core.ILogger) *Scanner {
	return &Scanner{
		dir:      dir,
		executor: executor,
		logger:   logger.WithField("component", "strategy_scanner"),
		interval: defaultScanInterval,
		known:    make(map[string]scanEntry),
	}
}

// SetInterval overrides the scan cadence. Call before Start.
func (s *Scanner) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Start performs an initial scan, then rescans on the interval.
func (s *Scanner) Start(ctx context.Context) error {
	if err := s.Scan(ctx); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Strategy scanner started", "dir", s.dir, "interval", s.interval)
	return nil
}

// Stop halts the scan loop.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(s.ctx); err != nil {
				s.logger.Warn("Strategy scan failed", "error", err)
			}
		}
	}
}

// Scan diffs the directory against the known state and applies changes. One
// broken file never blocks the others.
func (s *Scanner) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read strategies dir %s: %w", s.dir, err)
	}

	seen := make(map[string]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isYAML(name) {
			continue
		}
		path := filepath.Join(s.dir, name)
		seen[path] = struct{}{}

		raw, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Strategy config unreadable", "file", name, "error", err)
			continue
		}
		hash := sha256.Sum256(raw)

		s.mu.Lock()
		prev, tracked := s.known[path]
		s.mu.Unlock()
		if tracked && prev.hash == hash {
			continue
		}

		cfg, err := parseInstanceConfig(raw)
		if err != nil {
			s.logger.Warn("Strategy config invalid", "file", name, "error", err)
			continue
		}

		if tracked {
			// A changed file only reloads a live instance when it opts
			// into hot reload and moves the version forward.
			if !cfg.HotReload || cfg.Version <= prev.version {
				s.logger.Warn("Strategy config changed without hot_reload version bump, ignoring",
					"file", name, "version", cfg.Version,
					"applied_version", prev.version, "hot_reload", cfg.HotReload)
				s.remember(path, scanEntry{hash: hash, id: cfg.ID, version: prev.version})
				continue
			}
			if err := s.executor.Reload(ctx, cfg); err != nil {
				s.logger.Error("Strategy reload failed", "file", name, "error", err)
				continue
			}
		} else {
			if err := s.executor.Deploy(ctx, cfg); err != nil {
				s.logger.Error("Strategy deploy failed", "file", name, "error", err)
				continue
			}
		}
		s.remember(path, scanEntry{hash: hash, id: cfg.ID, version: cfg.Version})
	}

	// Files that disappeared take their instances down.
	s.mu.Lock()
	var removed []scanEntry
	for path, entry := range s.known {
		if _, ok := seen[path]; !ok {
			removed = append(removed, entry)
			delete(s.known, path)
		}
	}
	s.mu.Unlock()

	for _, entry := range removed {
		if err := s.executor.Remove(entry.id); err != nil {
			s.logger.Debug("Remove for deleted config", "id", entry.id, "error", err)
		}
	}
	return nil
}

// scanEntry ties a config file to the instance it produced and the last
// version actually applied.
type scanEntry struct {
	hash    [32]byte
	id      string
	version int
}

func (s *Scanner) remember(path string, entry scanEntry) {
	s.mu.Lock()
	s.known[path] = entry
	s.mu.Unlock()
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func parseInstanceConfig(raw []byte) (*InstanceConfig, error) {
	var cfg InstanceConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("strategy config missing id")
	}
	if cfg.Type == "" {
		return nil, fmt.Errorf("strategy %s missing type", cfg.ID)
	}
	return &cfg, nil
}
