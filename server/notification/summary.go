package notification

import (
	"log/slog"

	evbus "github.com/asaskevich/EventBus"
	"github.com/boardsaver/boardsaver/server/internal/events"
	"github.com/dustin/go-humanize"
)

// LogSummaries writes one line per finished batch, the headless stand-in for
// a desktop notification.
func LogSummaries(bus evbus.Bus, logger *slog.Logger) error {
	return bus.Subscribe(events.TopicBatchCompleted, func(ev events.BatchCompleted) {
		s := ev.Snapshot

		attrs := []any{
			slog.String("batch", s.BatchID),
			slog.String("summary", s.Summary),
			slog.String("downloaded", humanize.Comma(int64(s.DownloadedCount))),
			slog.Int("duplicates", s.DuplicateCount),
			slog.Int("failed", s.FailedCount),
			slog.Int("canceled", s.CanceledCount),
			slog.Duration("elapsed", ev.Elapsed),
		}
		if s.OutputDirectory != "" {
			attrs = append(attrs, slog.String("dir", s.OutputDirectory))
		}

		switch {
		case s.HasDirectoryAccessError:
			logger.Error("batch stopped, output directory is not writable", attrs...)
		case s.HasOutOfDiskSpaceError:
			logger.Error("batch stopped, out of disk space", attrs...)
		case s.DuplicateCount > 0:
			logger.Warn("batch finished with duplicates waiting for a decision", attrs...)
		case s.FailedCount > 0 && s.HasRetryableFailures:
			logger.Warn("batch finished with failures that can be retried", attrs...)
		default:
			logger.Info("batch finished", attrs...)
		}
	})
}
