package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"unibox/models"
	"unibox/pipeline"
)

// Syncer runs one historical sync pass over every connected platform
type Syncer interface {
	SyncAll(ctx context.Context) map[models.Platform]pipeline.BatchResult
}

// SyncWorker pulls history from the mail platforms on a fixed interval
type SyncWorker struct {
	syncer   Syncer
	interval time.Duration
	logger   *logrus.Entry
}

func NewSyncWorker(syncer Syncer, interval time.Duration, logger *logrus.Entry) *SyncWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SyncWorker{
		syncer:   syncer,
		interval: interval,
		logger:   logger,
	}
}

func (sw *SyncWorker) Start(ctx context.Context) {
	sw.logger.WithField("interval", sw.interval).Info("Starting sync worker")
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.RunOnce(ctx)
		case <-ctx.Done():
			sw.logger.Info("Stopping sync worker")
			return
		}
	}
}

// RunOnce performs a single pass and logs the per-platform outcome
func (sw *SyncWorker) RunOnce(ctx context.Context) {
	results := sw.syncer.SyncAll(ctx)
	for platform, res := range results {
		log := sw.logger.WithFields(logrus.Fields{
			"platform": platform,
			"ingested": res.Ingested,
			"warnings": len(res.Warnings),
		})
		if res.Err != nil {
			log.WithError(res.Err).Warn("Sync pass incomplete")
			continue
		}
		log.Debug("Sync pass complete")
	}
}
