package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xhad/handbookqa/pkg/loader"
)

// WatchDebounce is how long a file must be quiet before it is re-ingested.
var WatchDebounce = 500 * time.Millisecond

type fileOp int

const (
	opUpsert fileOp = iota
	opRemove
)

// Watch keeps the store in sync with dir until ctx is cancelled. New and
// modified files are re-ingested; removed files have their chunks deleted.
func (in *Ingestor) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	in.logger.Info("watching data directory", zap.String("dir", dir))

	var (
		mu      sync.Mutex
		pending = make(map[string]fileOp)
		timers  = make(map[string]*time.Timer)
		work    = make(chan string, 64)
	)

	schedule := func(path string, op fileOp) {
		mu.Lock()
		defer mu.Unlock()
		pending[path] = op
		if t, ok := timers[path]; ok {
			t.Reset(WatchDebounce)
			return
		}
		timers[path] = time.AfterFunc(WatchDebounce, func() {
			select {
			case work <- path:
			case <-ctx.Done():
			}
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case path := <-work:
				mu.Lock()
				op, ok := pending[path]
				delete(pending, path)
				delete(timers, path)
				mu.Unlock()
				if ok {
					in.apply(ctx, path, op)
				}
			}
		}
	}()

	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			mu.Unlock()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !loader.Supported(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				schedule(event.Name, opUpsert)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				schedule(event.Name, opRemove)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (in *Ingestor) apply(ctx context.Context, path string, op fileOp) {
	filename := filepath.Base(path)
	if _, ok := in.catalog.CourseForFile(filename); !ok {
		in.logger.Warn("ignoring change to unmapped file", zap.String("path", path))
		return
	}

	if op == opRemove {
		if err := in.index.DeleteSource(ctx, filename); err != nil {
			in.logger.Error("failed to remove chunks", zap.String("file", filename), zap.Error(err))
			return
		}
		in.logger.Info("removed chunks", zap.String("file", filename))
		return
	}

	result, err := in.IngestFile(ctx, path)
	if err != nil {
		in.logger.Error("re-ingestion failed", zap.String("file", filename), zap.Error(err))
		return
	}
	if in.progress != nil {
		in.progress(1, 1, result)
	}
}
