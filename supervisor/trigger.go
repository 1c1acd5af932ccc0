// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package supervisor

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchTriggerFile requests a manual rotation whenever path is created
// or written. Shell-scriptable escape hatch: `touch /run/uplinkd/rotate`
// works with no HTTP client and no token. The file is consumed after
// each trigger.
func (s *Supervisor) WatchTriggerFile(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// A file left over from a previous run counts as a request.
	if _, err := os.Stat(path); err == nil {
		s.consumeTrigger(path)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Watch the directory, not the file: the file rarely exists, and
	// inotify watches on a removed file go stale.
	if err := w.Add(dir); err != nil {
		return err
	}
	s.log.Info("watching rotation trigger file", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			s.consumeTrigger(path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("trigger watcher error", zap.Error(err))
		}
	}
}

func (s *Supervisor) consumeTrigger(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("could not remove trigger file", zap.Error(err))
	}
	s.log.Info("trigger file observed, requesting rotation")
	s.RequestRotation(TriggerManual)
}
