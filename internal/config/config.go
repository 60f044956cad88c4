// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the recovery configuration document: the pattern
// catalog, the recovery actions and the engine settings.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/pattern"
)

// Notifications configure the escalation sinks.
type Notifications struct {
	Enabled      bool   `yaml:"enabled"`
	WebhookURL   string `yaml:"webhookUrl"`
	SlackToken   string `yaml:"slackToken"`
	SlackChannel string `yaml:"slackChannel"`
}

// Settings are the engine tunables carried in the configuration document.
type Settings struct {
	CheckIntervalSeconds          int      `yaml:"checkInterval"`
	StuckThresholdSeconds         int      `yaml:"stuckThreshold"`
	AutoRecoveryEnabled           bool     `yaml:"autoRecoveryEnabled"`
	MinRecoveryConfidence         float64  `yaml:"minRecoveryConfidence"`
	AutoRecoverySeverities        []string `yaml:"autoRecoverySeverities"`
	MaxConcurrentRecoveries       int      `yaml:"maxConcurrentRecoveries"`
	RecoveryCooldownSeconds       int      `yaml:"recoveryCooldown"`
	EventCorrelationWindowSeconds int      `yaml:"eventCorrelationWindow"`
	PatternHistoryRetentionHours  int      `yaml:"patternHistoryRetention"`
	PatternMatchThreshold         float64  `yaml:"patternMatchThreshold"`
	RollbackOnFailure             *bool    `yaml:"rollbackOnFailure"`

	Notifications Notifications `yaml:"notifications"`
}

// DefaultSettings returns the minimal defaults used when no configuration
// can be loaded.
func DefaultSettings() Settings {
	rollback := true
	return Settings{
		CheckIntervalSeconds:          60,
		StuckThresholdSeconds:         300,
		AutoRecoveryEnabled:           false,
		MinRecoveryConfidence:         0.7,
		AutoRecoverySeverities:        []string{"high", "critical"},
		MaxConcurrentRecoveries:       3,
		RecoveryCooldownSeconds:       120,
		EventCorrelationWindowSeconds: 300,
		PatternHistoryRetentionHours:  24,
		PatternMatchThreshold:         0.5,
		RollbackOnFailure:             &rollback,
	}
}

func (s *Settings) applyDefaults() {
	def := DefaultSettings()
	if s.CheckIntervalSeconds <= 0 {
		s.CheckIntervalSeconds = def.CheckIntervalSeconds
	}
	if s.StuckThresholdSeconds <= 0 {
		s.StuckThresholdSeconds = def.StuckThresholdSeconds
	}
	if s.MinRecoveryConfidence <= 0 {
		s.MinRecoveryConfidence = def.MinRecoveryConfidence
	}
	if len(s.AutoRecoverySeverities) == 0 {
		s.AutoRecoverySeverities = def.AutoRecoverySeverities
	}
	if s.MaxConcurrentRecoveries <= 0 {
		s.MaxConcurrentRecoveries = def.MaxConcurrentRecoveries
	}
	if s.RecoveryCooldownSeconds <= 0 {
		s.RecoveryCooldownSeconds = def.RecoveryCooldownSeconds
	}
	if s.EventCorrelationWindowSeconds <= 0 {
		s.EventCorrelationWindowSeconds = def.EventCorrelationWindowSeconds
	}
	if s.PatternHistoryRetentionHours <= 0 {
		s.PatternHistoryRetentionHours = def.PatternHistoryRetentionHours
	}
	if s.PatternMatchThreshold <= 0 {
		s.PatternMatchThreshold = def.PatternMatchThreshold
	}
	if s.RollbackOnFailure == nil {
		s.RollbackOnFailure = def.RollbackOnFailure
	}
}

// CheckInterval returns the periodic task interval.
func (s Settings) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalSeconds) * time.Second
}

// StuckThreshold returns the stuck-reconciliation threshold.
func (s Settings) StuckThreshold() time.Duration {
	return time.Duration(s.StuckThresholdSeconds) * time.Second
}

// RecoveryCooldown returns the per-key retry cooldown.
func (s Settings) RecoveryCooldown() time.Duration {
	return time.Duration(s.RecoveryCooldownSeconds) * time.Second
}

// CorrelationWindow returns the event deduplication window.
func (s Settings) CorrelationWindow() time.Duration {
	return time.Duration(s.EventCorrelationWindowSeconds) * time.Second
}

// HistoryRetention returns the pattern state retention window.
func (s Settings) HistoryRetention() time.Duration {
	return time.Duration(s.PatternHistoryRetentionHours) * time.Hour
}

// File is the whole configuration document.
type File struct {
	Patterns        []pattern.Spec            `yaml:"patterns"`
	RecoveryActions map[string]pattern.Action `yaml:"recoveryActions"`
	Settings        Settings                  `yaml:"settings"`
}

// Load parses and validates the configuration at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	f.Settings.applyDefaults()
	if f.RecoveryActions == nil {
		f.RecoveryActions = map[string]pattern.Action{}
	}
	return &f, nil
}

// LoadOrDefault loads the configuration, falling back to the minimal
// defaults (no patterns, no actions) when loading fails. The engine must
// come up even with a broken config.
func LoadOrDefault(logger log.Logger, path string) *File {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f, err := Load(path)
	if err != nil {
		level.Error(logger).Log("msg", "loading configuration failed, using minimal defaults", "path", path, "err", err)
		return &File{
			RecoveryActions: map[string]pattern.Action{},
			Settings:        DefaultSettings(),
		}
	}
	level.Info(logger).Log("msg", "configuration loaded", "path", path,
		"patterns", len(f.Patterns), "actions", len(f.RecoveryActions))
	return f
}

// Watch re-loads the configuration whenever the file changes and calls
// onChange with the new document. It blocks until ctx is done. ConfigMap
// mounts update via symlink swaps, so the watch covers the directory.
func Watch(ctx context.Context, logger log.Logger, path string, onChange func(*File)) error {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			f, err := Load(path)
			if err != nil {
				level.Warn(logger).Log("msg", "config reload failed, keeping previous", "err", err)
				continue
			}
			level.Info(logger).Log("msg", "configuration reloaded", "patterns", len(f.Patterns))
			onChange(f)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(logger).Log("msg", "config watcher error", "err", err)
		}
	}
}
