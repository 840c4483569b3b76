package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "stockflow/config"
	"stockflow/coordinator"
	"stockflow/logger"
	"stockflow/models"
)

// Dispatcher fans raw payloads out to a pool of workers, each running full
// ingestion cycles through the coordinator. Payload ordering across workers
// is not guaranteed; the store's dedup and latest-view rules make that safe.
type Dispatcher struct {
	coord   *coordinator.Coordinator
	rawChan <-chan models.RawPayload
	workers int
	log     *logger.Log

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup

	cyclesProcessed int64
	cyclesFailed    int64
	recordsAppended int64
}

func New(cfg *appconfig.Config, coord *coordinator.Coordinator, rawChan <-chan models.RawPayload) *Dispatcher {
	return &Dispatcher{
		coord:   coord,
		rawChan: rawChan,
		workers: cfg.Pipeline.MaxWorkers,
		log:     logger.GetLogger(),
	}
}

// Start launches the worker pool. Returns an error if already running.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true

	log := d.log.WithComponent("dispatcher")
	log.WithFields(logger.Fields{"workers": d.workers}).Info("starting dispatcher")

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	d.wg.Add(1)
	go d.metricsReporter(ctx)

	return nil
}

// Stop waits for in-flight cycles to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"worker_id": id})
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping")
			return
		case raw, ok := <-d.rawChan:
			if !ok {
				log.Debug("raw channel closed, worker stopping")
				return
			}
			report, err := d.coord.RunCycle(ctx, raw)
			atomic.AddInt64(&d.cyclesProcessed, 1)
			atomic.AddInt64(&d.recordsAppended, int64(report.Appended))
			if err != nil {
				atomic.AddInt64(&d.cyclesFailed, 1)
				log.WithError(err).WithFields(logger.Fields{
					"cycle_id": report.CycleID,
					"path":     raw.Path,
				}).Error("ingestion cycle failed")
			}
		}
	}
}

func (d *Dispatcher) metricsReporter(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.log.WithComponent("dispatcher").WithFields(logger.Fields{
				"cycles_processed": atomic.LoadInt64(&d.cyclesProcessed),
				"cycles_failed":    atomic.LoadInt64(&d.cyclesFailed),
				"records_appended": atomic.LoadInt64(&d.recordsAppended),
			}).Info("dispatcher metrics")
		}
	}
}

// Stats returns processed and failed cycle counts.
func (d *Dispatcher) Stats() (processed, failed int64) {
	return atomic.LoadInt64(&d.cyclesProcessed), atomic.LoadInt64(&d.cyclesFailed)
}
