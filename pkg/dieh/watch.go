// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadSettle lets editors finish writing before the table is read.
const reloadSettle = 100 * time.Millisecond

// WatchTable reloads the table file whenever it is written or replaced. The
// parent directory is watched so atomic renames by editors are seen too.
// It blocks until ctx is done.
func WatchTable(ctx context.Context, path string, loader *Loader) error {
	watcher, err := createTableWatcher(path)
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				log.Warn().Msg("Watcher events channel closed")
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			time.Sleep(reloadSettle)
			if status, err := loader.Load(path); err != nil {
				log.Error().Err(err).Str("file", path).Str("status", status.String()).Msg("table reload failed, keeping previous table")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				log.Warn().Msg("Watcher errors channel closed")
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func createTableWatcher(path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("error creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("error adding %s to watcher: %w", dir, err)
	}

	log.Info().Str("file", path).Msg("Started watching table for changes")
	return watcher, nil
}
