// Copyright 2025 Tom Barlow
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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	rvlog "github.com/tombee/rendezvous/internal/log"
)

// Watch reloads the config file at path whenever it is written, created or
// renamed into place, and passes every valid result to onChange. Invalid
// files are logged and ignored. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors
// replacing the file atomically are noticed.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch path: %w", err)
	}

	if logger == nil {
		logger = rvlog.Discard()
	}
	logger = logger.With(slog.String("component", "config"), slog.String("path", absPath))
	logger.Debug("config watcher started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("config watcher stopped")
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(absPath)
			if err != nil {
				logger.Warn("ignoring invalid config change", rvlog.Error(err))
				continue
			}
			logger.Info("config reloaded")
			onChange(cfg)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", rvlog.Error(err))
		}
	}
}
