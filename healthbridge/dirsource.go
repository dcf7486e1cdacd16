// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type fileStamp struct {
	modTime time.Time
	size    int64
}

// DirSource reads readings from *.json files that a health export drops into a
// directory. A file holds either one reading object or an array of them.
// Files are re-read only after they change.
type DirSource struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]fileStamp

	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDirSource creates a source over dir. Call Start to receive change notifications.
func NewDirSource(dir string, logger *slog.Logger) *DirSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirSource{
		dir:     dir,
		logger:  logger,
		seen:    make(map[string]fileStamp),
		changes: make(chan struct{}, 1),
	}
}

// Readings returns readings dated at or after since from new or modified files
func (s *DirSource) Readings(ctx context.Context, since time.Time) ([]Reading, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list export directory %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Reading
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(s.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			// removed between listing and stat
			continue
		}
		stamp := fileStamp{modTime: info.ModTime(), size: info.Size()}
		if prev, ok := s.seen[path]; ok && prev == stamp {
			continue
		}

		readings, err := readFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable health export", "path", path, "error", err)
			s.seen[path] = stamp
			continue
		}
		s.seen[path] = stamp
		for _, r := range readings {
			if !since.IsZero() && r.Date.Before(since) {
				continue
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func readFile(path string) ([]Reading, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var readings []Reading
		if err := json.Unmarshal(data, &readings); err != nil {
			return nil, fmt.Errorf("failed to decode readings: %w", err)
		}
		return readings, nil
	}
	var r Reading
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode reading: %w", err)
	}
	return []Reading{r}, nil
}

// Start watches the directory and signals Changes when a json file is written
func (s *DirSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return fmt.Errorf("export directory watcher already running")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch export directory %s: %w", s.dir, err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.watch(w, s.done)
	return nil
}

// Close stops the watcher. Readings keeps working after Close.
func (s *DirSource) Close() error {
	s.mu.Lock()
	w, done := s.watcher, s.done
	s.watcher, s.done = nil, nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}

	close(done)
	err := w.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Changes is signalled, coalesced, whenever an export file is created or written
func (s *DirSource) Changes() <-chan struct{} {
	return s.changes
}

func (s *DirSource) watch(w *fsnotify.Watcher, done chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case s.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("export directory watcher error", "dir", s.dir, "error", err)
		}
	}
}
