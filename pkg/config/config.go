// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package config implements the process-wide construction-time
// configuration object: a read-mostly snapshot established before any
// device is attached and torn down after the last device detaches.
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Global is the process-wide state object. Treat it as an immutable
// snapshot once any device has attached: no component mutates it after
// attach begins, but the watcher may still replace the pointer a caller
// reads from Current().
//
// The fields are process-wide defaults held by a Store. No other package
// in this module reads a Store: device.ParseArgs applies its own built-in
// defaults, so a value loaded or reloaded here does not reach a Device
// Controller.
type Global struct {
	// AutosaveIntervalSecs is the default periodic flush period; 0
	// means no timer.
	AutosaveIntervalSecs int `mapstructure:"autosave_interval_secs"`

	// AutoRemapDefault is the process-wide default for the auto-remap
	// flag.
	AutoRemapDefault bool `mapstructure:"auto_remap_default"`

	// InitialHashSize is the process-wide default Remap Table bucket
	// count.
	InitialHashSize int `mapstructure:"initial_hash_size"`

	// PeriodicTimerEnabled records whether the periodic flush timer is
	// enabled process-wide, independent of AutosaveIntervalSecs.
	PeriodicTimerEnabled bool `mapstructure:"periodic_timer_enabled"`
}

func defaults() Global {
	return Global{
		AutosaveIntervalSecs: 60,
		AutoRemapDefault:     true,
		InitialHashSize:      64,
		PeriodicTimerEnabled: true,
	}
}

// Store holds the currently active Global snapshot and, optionally, a file
// watcher that replaces it on change.
type Store struct {
	mu      sync.RWMutex
	current Global
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadConfig reads path via viper and returns a Store seeded from it,
// following the producers' config.LoadConfig pattern. An empty path returns
// a Store seeded with defaults only.
func LoadConfig(path string) (*Store, error) {
	s := &Store{current: defaults()}
	if path == "" {
		return s, nil
	}
	if err := s.reload(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	cfg := defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unable to decode into struct: %w", err)
	}

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	return nil
}

// Current returns the active snapshot. Safe for concurrent use.
func (s *Store) Current() Global {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// WatchFile starts an fsnotify watcher on path that reloads the snapshot on
// every write, logging and keeping the prior snapshot on a bad reload
// rather than tearing down the process.
func (s *Store) WatchFile(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", path, err)
	}
	s.watcher = w
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					if err := s.reload(path); err != nil {
						log.Error().Err(err).Str("file", path).Msg("config reload failed, keeping prior snapshot")
					} else {
						log.Info().Str("file", path).Msg("config reloaded")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("config watcher error")
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any. Called after the last device detaches.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}
