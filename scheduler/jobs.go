package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"marketpulse/services/finnhub"
	"marketpulse/services/store"
	"marketpulse/services/tickarchive"
)

// Scheduler manages the slow background jobs: company reference refresh and
// tick archive retention. The fast quote loop lives in Refresher.
type Scheduler struct {
	cron         *gocron.Scheduler
	store        *store.Store
	fetcher      *finnhub.Client
	archive      *tickarchive.Archive
	log          *zap.Logger
	refreshHours int
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(st *store.Store, fetcher *finnhub.Client, archive *tickarchive.Archive, refreshHours int, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if refreshHours <= 0 {
		refreshHours = 24
	}
	return &Scheduler{
		cron:         gocron.NewScheduler(time.UTC),
		store:        st,
		fetcher:      fetcher,
		archive:      archive,
		log:          log,
		refreshHours: refreshHours,
	}
}

// Start starts all scheduled jobs.
func (s *Scheduler) Start() {
	s.log.Info("starting scheduled jobs", zap.Int("reference_refresh_hours", s.refreshHours))

	// Refresh company profiles and fundamentals, first run right away so a
	// fresh database gets names and metrics without waiting a day.
	s.cron.Every(s.refreshHours).Hours().StartImmediately().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		s.RefreshReferenceData(ctx)
	})

	// Trim the tick archive nightly.
	s.cron.Every(1).Day().At("01:00").Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.archive.Trim(ctx); err != nil {
			s.log.Warn("tick archive trim failed", zap.Error(err))
		}
	})

	s.cron.StartAsync()
	s.log.Info("scheduled jobs started")
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("scheduled jobs stopped")
}

// RefreshReferenceData re-fetches the profile and fundamentals for every
// known company. Individual failures are logged and skipped; the provider
// client's rate gate paces the calls.
func (s *Scheduler) RefreshReferenceData(ctx context.Context) (updated, failed int) {
	companies, err := s.store.Companies(ctx)
	if err != nil {
		s.log.Error("failed to load companies for reference refresh", zap.Error(err))
		return 0, 0
	}

	for _, company := range companies {
		symbol := company.Symbol

		profile, ferr := s.fetcher.FetchProfile(ctx, symbol)
		if ferr != nil {
			s.log.Warn("profile fetch failed",
				zap.String("symbol", symbol), zap.Error(ferr))
			failed++
		} else {
			refreshed := profile.Company(symbol)
			if err := s.store.UpsertCompany(ctx, &refreshed); err != nil {
				s.log.Warn("company upsert failed",
					zap.String("symbol", symbol), zap.Error(err))
				failed++
			} else {
				updated++
			}
		}

		metrics, ferr := s.fetcher.FetchMetrics(ctx, symbol)
		if ferr != nil {
			s.log.Warn("fundamentals fetch failed",
				zap.String("symbol", symbol), zap.Error(ferr))
		} else if err := s.store.UpsertFundamentals(ctx, symbol, metrics); err != nil {
			s.log.Warn("fundamentals upsert failed",
				zap.String("symbol", symbol), zap.Error(err))
		}

		if ctx.Err() != nil {
			s.log.Warn("reference refresh aborted", zap.Error(ctx.Err()))
			break
		}
	}

	s.log.Info("reference refresh complete",
		zap.Int("companies", len(companies)),
		zap.Int("updated", updated),
		zap.Int("failed", failed))
	return updated, failed
}
