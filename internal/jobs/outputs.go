package jobs

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// outputArgKeys are the argument names recognized as an output path.
var outputArgKeys = []string{"output_file", "output_path", "output"}

// OutputSink receives produced files. Both operations are best-effort;
// errors are logged and never reach the foreground job.
type OutputSink interface {
	// RecordFile persists the output's existence.
	RecordFile(ctx context.Context, path, tool string) error
	// EnqueueIndex schedules the file for vector indexing.
	EnqueueIndex(ctx context.Context, path string) error
}

// PostProcessor watches tool invocations for produced output files and
// schedules background bookkeeping for each one.
type PostProcessor struct {
	sink   OutputSink
	logger *slog.Logger
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPostProcessor creates a post-processor draining into sink.
func NewPostProcessor(sink OutputSink, logger *slog.Logger) *PostProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	return &PostProcessor{sink: sink, logger: logger, group: group, ctx: ctx, cancel: cancel}
}

// Inspect is the registry invoke hook: successful results whose args
// name an output path get fire-and-forget bookkeeping tasks.
func (p *PostProcessor) Inspect(tool string, args map[string]any, result string) {
	if strings.HasPrefix(result, "❌") || strings.HasPrefix(result, "Error") {
		return
	}

	path := outputPath(args)
	if path == "" {
		return
	}

	p.group.Go(func() error {
		ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
		defer cancel()

		if err := p.sink.RecordFile(ctx, path, tool); err != nil {
			p.logger.Warn("output record failed", "path", path, "error", err)
		}
		if err := p.sink.EnqueueIndex(ctx, path); err != nil {
			p.logger.Warn("output index enqueue failed", "path", path, "error", err)
		}
		return nil
	})
}

// Close waits for in-flight bookkeeping to drain, then releases the
// shared context. Cancelling first would abort the very work Close is
// supposed to flush.
func (p *PostProcessor) Close() {
	_ = p.group.Wait()
	p.cancel()
}

func outputPath(args map[string]any) string {
	for _, key := range outputArgKeys {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// WatchOutputs follows the outputs directory and records files that
// appear outside the tool-invocation path (manual drops, external
// renderers). Blocks until ctx is done.
func WatchOutputs(ctx context.Context, dir string, sink OutputSink, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	logger.Info("watching outputs directory", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
				if err := sink.RecordFile(ctx, event.Name, "watcher"); err != nil {
					logger.Warn("watcher record failed", "path", event.Name, "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("outputs watcher error", "error", err)
		}
	}
}
