// Package refresh re-imports subscribed iCalendar feeds on a cron
// schedule and writes them through to the store.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskcal/internal/ics"
	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// Fetcher downloads one feed.
type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Importer replaces everything previously imported from a source.
type Importer interface {
	ReplaceImported(ctx context.Context, source string, defs []model.Definition, tasks []model.Task) error
}

// Scheduler runs RefreshOnce on a cron schedule. Runs never overlap.
type Scheduler struct {
	fetcher Fetcher
	store   Importer
	sources []ics.Source
	zone    *time.Location

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New builds a Scheduler. zone anchors floating feed times.
func New(fetcher Fetcher, store Importer, sources []ics.Source, zone *time.Location) *Scheduler {
	if zone == nil {
		zone = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{}
	return &Scheduler{
		fetcher: fetcher,
		store:   store,
		sources: sources,
		zone:    zone,
		cron: cron.New(
			cron.WithLocation(zone),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers the refresh job under spec (standard five-field cron)
// and starts the scheduler.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.RefreshOnce(s.ctx); err != nil {
			appLog.Warn("refresh finished with errors", "reason", err.Error())
		}
	}); err != nil {
		return fmt.Errorf("refresh: schedule %q: %w", spec, err)
	}
	s.cron.Start()
	appLog.Info("refresh scheduler started", "spec", spec, "sources", len(s.sources))
	return nil
}

// Stop cancels an in-flight refresh and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	appLog.Info("refresh scheduler stopped")
}

// RefreshOnce fetches and imports every source. A failing source is
// logged and skipped so it cannot block the others; the joined errors
// are returned.
func (s *Scheduler) RefreshOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var errs []error
	for _, src := range s.sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.fetcher.Fetch(ctx, src)
		if err != nil {
			appLog.Error("refresh: fetch failed", err, "source", src.ID)
			errs = append(errs, err)
			continue
		}
		if err := Import(ctx, s.store, src, res.Body, s.zone); err != nil {
			appLog.Error("refresh: import failed", err, "source", src.ID)
			errs = append(errs, err)
		}
	}
	appLog.Info("refresh completed",
		"sources", len(s.sources),
		"failed", len(errs),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return errors.Join(errs...)
}

// Import parses one feed body and replaces the source's imported data.
func Import(ctx context.Context, store Importer, src ics.Source, body []byte, zone *time.Location) error {
	items, err := ics.ParseICS(src, body)
	if err != nil {
		return err
	}
	imported := ics.ToModel(items, zone)
	if err := store.ReplaceImported(ctx, src.ID, imported.Definitions, imported.Tasks); err != nil {
		return fmt.Errorf("refresh: store %s: %w", src.ID, err)
	}
	return nil
}

// cronLogger routes cron's own logging into appLog. Its routine chatter
// goes to DEBUG.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
