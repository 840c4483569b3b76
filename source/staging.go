package source

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	appconfig "stockflow/config"
	"stockflow/internal/storage"
	"stockflow/logger"
	"stockflow/models"
)

// Scanner polls the staging prefix for new payload objects and feeds them to
// the dispatch channel. Consumed objects are remembered in memory only, so a
// restart re-reads the staging area; downstream dedup makes the resulting
// at-least-once delivery harmless.
type Scanner struct {
	store    storage.ObjectStore
	prefix   string
	interval time.Duration
	out      chan<- models.RawPayload
	log      *logger.Log

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
	seen    map[string]struct{}
}

func NewScanner(cfg *appconfig.Config, store storage.ObjectStore, out chan<- models.RawPayload) *Scanner {
	return &Scanner{
		store:    store,
		prefix:   strings.TrimSuffix(cfg.Pipeline.StagingPath, "/") + "/",
		interval: cfg.Pipeline.ScanInterval,
		out:      out,
		log:      logger.GetLogger(),
		seen:     make(map[string]struct{}),
	}
}

// Start launches the polling loop. Returns an error if already running.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("staging scanner is already running")
	}
	s.running = true

	s.log.WithComponent("staging_scanner").WithFields(logger.Fields{
		"prefix":   s.prefix,
		"interval": s.interval.String(),
	}).Info("starting staging scanner")

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop waits for the polling loop to exit.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.WithComponent("staging_scanner").Info("staging scanner stopped")
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()

	// Immediate first pass so a populated staging area is not left waiting
	// for the first tick.
	s.scan(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	log := s.log.WithComponent("staging_scanner")

	keys, err := s.store.List(ctx, s.prefix)
	if err != nil {
		log.WithError(err).Error("failed to list staging prefix")
		return
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		if _, done := s.seen[key]; done {
			continue
		}

		source, encoding, ok := classify(key)
		if !ok {
			log.WithFields(logger.Fields{"key": key}).Debug("skipping unrecognized staging object")
			s.seen[key] = struct{}{}
			continue
		}

		data, err := s.store.Get(ctx, key)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to read staging object")
			continue
		}

		payload := models.RawPayload{
			Path:       key,
			Data:       data,
			Encoding:   encoding,
			Source:     source,
			ReceivedAt: time.Now(),
		}

		select {
		case <-ctx.Done():
			return
		case s.out <- payload:
			s.seen[key] = struct{}{}
			log.WithFields(logger.Fields{
				"key":    key,
				"source": string(source),
				"bytes":  len(data),
			}).Info("staging object dispatched")
		}
	}
}

// classify maps a staging object to its delivery path by extension: CSV
// files ride the batch path, JSON-lines files the stream path.
func classify(key string) (models.SourceKind, models.Encoding, bool) {
	lower := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lower, ".csv"):
		return models.SourceBatch, models.EncodingCSV, true
	case strings.HasSuffix(lower, ".json"), strings.HasSuffix(lower, ".jsonl"):
		return models.SourceStream, models.EncodingJSONLines, true
	default:
		return "", "", false
	}
}
