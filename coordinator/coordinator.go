package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	appconfig "stockflow/config"
	"stockflow/logger"
	"stockflow/materializer"
	"stockflow/models"
	"stockflow/normalizer"
	"stockflow/writer"
)

// Coordinator drives one ingestion cycle end to end: normalize the raw
// payload, append the surviving records to the partitioned store and, on the
// stream path, refresh the latest-value view. A cycle that fails mid-way
// leaves the store in a state a retry of the same payload converges from.
type Coordinator struct {
	norm         *normalizer.Normalizer
	batchWriter  *writer.PartitionedWriter
	streamWriter *writer.PartitionedWriter
	mat          *materializer.Materializer

	maxMalformedRatio float64
	log               *logger.Log
}

func New(cfg *appconfig.Config, norm *normalizer.Normalizer, batchWriter, streamWriter *writer.PartitionedWriter, mat *materializer.Materializer) *Coordinator {
	return &Coordinator{
		norm:              norm,
		batchWriter:       batchWriter,
		streamWriter:      streamWriter,
		mat:               mat,
		maxMalformedRatio: cfg.Pipeline.MaxMalformedRatio,
		log:               logger.GetLogger(),
	}
}

// RunCycle processes a single raw payload. The returned report is filled in
// even when the cycle fails partway, so callers can account for partial
// progress.
func (c *Coordinator) RunCycle(ctx context.Context, raw models.RawPayload) (models.CycleReport, error) {
	started := time.Now()
	report := models.CycleReport{
		CycleID: uuid.NewString(),
		Source:  raw.Source,
		Status:  models.CycleFailed,
	}

	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{
		"cycle_id": report.CycleID,
		"source":   string(raw.Source),
		"path":     raw.Path,
	})

	log.WithFields(logger.Fields{"state": "normalizing", "bytes": len(raw.Data)}).Info("cycle started")

	valid, rejections := c.collect(raw)
	report.Rejected = len(rejections)
	for _, rej := range rejections {
		log.WithFields(logger.Fields{
			"line":   rej.Line,
			"reason": string(rej.Reason),
			"detail": rej.Detail,
		}).Debug("row rejected")
	}

	total := len(valid) + len(rejections)
	if total == 0 {
		report.Status = models.CycleWithWarning
		report.Duration = time.Since(started)
		log.Warn("payload holds no rows, nothing to ingest")
		return report, nil
	}
	if len(valid) == 0 {
		report.Status = models.CycleWithWarning
		report.Unhealthy = true
		report.Duration = time.Since(started)
		log.WithFields(logger.Fields{"rejected": report.Rejected}).Warn("every row rejected, nothing to ingest")
		return report, nil
	}

	ratio := float64(len(rejections)) / float64(total)
	if ratio > c.maxMalformedRatio {
		report.Unhealthy = true
		log.WithFields(logger.Fields{
			"rejected": len(rejections),
			"total":    total,
			"ratio":    ratio,
		}).Warn("malformed ratio above threshold, source flagged unhealthy")
	}

	w := c.batchWriter
	if raw.Source == models.SourceStream {
		w = c.streamWriter
	}

	log.WithFields(logger.Fields{"state": "writing", "candidates": len(valid)}).Info("appending records")
	wr, err := w.Append(ctx, valid)
	report.Appended = wr.Written
	report.Duplicates = wr.SkippedDuplicate
	if err != nil {
		report.Duration = time.Since(started)
		log.WithError(err).Error("cycle failed during append")
		return report, fmt.Errorf("append failed for cycle %s: %w", report.CycleID, err)
	}

	if raw.Source == models.SourceStream {
		log.WithFields(logger.Fields{"state": "materializing"}).Info("refreshing latest view")
		if err := c.mat.Rematerialize(ctx, valid); err != nil {
			report.Duration = time.Since(started)
			log.WithError(err).Error("cycle failed during materialization")
			return report, fmt.Errorf("materialization failed for cycle %s: %w", report.CycleID, err)
		}
	}

	report.Status = models.CycleSuccess
	if report.Rejected > 0 || report.Unhealthy {
		report.Status = models.CycleWithWarning
	}
	report.Duration = time.Since(started)

	log.WithFields(logger.Fields{
		"status":      report.Status,
		"appended":    report.Appended,
		"duplicates":  report.Duplicates,
		"rejected":    report.Rejected,
		"duration_ms": report.Duration.Milliseconds(),
	}).Info("cycle completed")

	c.log.LogMetric("coordinator", "CycleRecordsAppended", report.Appended, "counter", logger.Fields{"source": string(raw.Source)})
	c.log.LogMetric("coordinator", "CycleRecordsRejected", report.Rejected, "counter", logger.Fields{"source": string(raw.Source)})
	c.log.LogMetric("coordinator", "CycleRecordsDuplicate", report.Duplicates, "counter", logger.Fields{"source": string(raw.Source)})

	return report, nil
}

func (c *Coordinator) collect(raw models.RawPayload) ([]models.NormalizedRecord, []models.Rejection) {
	var (
		valid      []models.NormalizedRecord
		rejections []models.Rejection
	)
	stream := c.norm.Normalize(raw)
	for {
		rec, rej, ok := stream.Next()
		if !ok {
			break
		}
		if rej != nil {
			rejections = append(rejections, *rej)
			continue
		}
		valid = append(valid, rec)
	}
	return valid, rejections
}
