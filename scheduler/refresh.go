package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"marketpulse/models"
	"marketpulse/services/finnhub"
	"marketpulse/services/stream"
	"marketpulse/services/tickarchive"
)

// refreshKey coalesces concurrent refresh triggers into one flight.
const refreshKey = "refresh"

// QuoteFetcher fetches one batch of quote samples from the upstream provider.
type QuoteFetcher interface {
	FetchQuotes(ctx context.Context, symbols []string) (map[string]finnhub.QuoteResult, error)
	BatchCap() int
}

// QuoteStore persists committed samples.
type QuoteStore interface {
	AppendQuote(ctx context.Context, sample *models.Quote) (uint, error)
}

// Publisher receives the committed result of each tick.
type Publisher interface {
	Publish(tick stream.TickResult)
}

// Archiver records tick summaries; implementations are best-effort.
type Archiver interface {
	RecordTick(ctx context.Context, record tickarchive.TickRecord) error
}

// RefresherConfig carries the refresh loop's tuning knobs.
type RefresherConfig struct {
	Tick           time.Duration
	BackoffCeiling time.Duration
	FailThreshold  int
	DegradedReset  time.Duration
}

// DegradedInfo describes a symbol pulled out of the refresh rotation after
// repeated fetch failures.
type DegradedInfo struct {
	Symbol   string    `json:"symbol"`
	Failures int       `json:"failures"`
	LastKind string    `json:"last_error"`
	Since    time.Time `json:"since"`
	Until    time.Time `json:"until"`
}

// TickStats summarizes one refresh tick for the ops surface and the archive.
type TickStats struct {
	Seq         uint64                  `json:"seq"`
	Trigger     string                  `json:"trigger"`
	StartedAt   time.Time               `json:"started_at"`
	Duration    time.Duration           `json:"duration"`
	Requested   int                     `json:"requested"`
	Succeeded   int                     `json:"succeeded"`
	Failed      int                     `json:"failed"`
	RateLimited int                     `json:"rate_limited"`
	Skipped     string                  `json:"skipped,omitempty"`
	Errors      []tickarchive.TickError `json:"errors,omitempty"`
}

// Status is a point-in-time snapshot of the refresher for the ops surface.
type Status struct {
	Running         bool           `json:"running"`
	Tick            time.Duration  `json:"tick"`
	Symbols         []string       `json:"symbols"`
	Backoff         time.Duration  `json:"backoff,omitempty"`
	NextAllowed     *time.Time     `json:"next_allowed,omitempty"`
	Degraded        []DegradedInfo `json:"degraded,omitempty"`
	StoreFailStreak int            `json:"store_fail_streak,omitempty"`
	LastTick        *TickStats     `json:"last_tick,omitempty"`
}

// Refresher drives the quote pipeline: on every tick it fetches the tracked
// symbols in batches, appends successful samples to the store, then publishes
// one TickResult to the hub. Exactly one refresh runs at a time; the interval
// timer and manual triggers coalesce onto the same flight.
type Refresher struct {
	fetcher QuoteFetcher
	store   QuoteStore
	pub     Publisher
	archive Archiver
	log     *zap.Logger

	tick           time.Duration
	backoffCeiling time.Duration
	failThreshold  int
	degradedReset  time.Duration

	group singleflight.Group
	now   func() time.Time

	mu              sync.Mutex
	symbols         map[string]struct{}
	failures        map[string]int
	lastKind        map[string]string
	degraded        map[string]DegradedInfo
	backoff         time.Duration
	nextAllowed     time.Time
	storeFailStreak int
	seq             uint64
	lastStats       *TickStats
	running         bool
	baseCtx         context.Context
	cancel          context.CancelFunc
	stop            chan struct{}
	done            chan struct{}
}

// NewRefresher builds a stopped refresher tracking the given symbols.
// Invalid symbols are dropped with a warning rather than failing startup.
func NewRefresher(fetcher QuoteFetcher, store QuoteStore, pub Publisher, archive Archiver, cfg RefresherConfig, symbols []string, log *zap.Logger) *Refresher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Second
	}
	if cfg.BackoffCeiling < cfg.Tick {
		cfg.BackoffCeiling = cfg.Tick
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.DegradedReset <= 0 {
		cfg.DegradedReset = 10 * time.Minute
	}

	r := &Refresher{
		fetcher:        fetcher,
		store:          store,
		pub:            pub,
		archive:        archive,
		log:            log,
		tick:           cfg.Tick,
		backoffCeiling: cfg.BackoffCeiling,
		failThreshold:  cfg.FailThreshold,
		degradedReset:  cfg.DegradedReset,
		now:            time.Now,
		symbols:        make(map[string]struct{}),
		failures:       make(map[string]int),
		lastKind:       make(map[string]string),
		degraded:       make(map[string]DegradedInfo),
	}
	for _, raw := range symbols {
		symbol, err := models.NormalizeSymbol(raw)
		if err != nil {
			log.Warn("skipping invalid watchlist symbol", zap.String("symbol", raw), zap.Error(err))
			continue
		}
		r.symbols[symbol] = struct{}{}
	}
	return r
}

// Start launches the tick loop. The first refresh runs immediately.
func (r *Refresher) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("refresher already running")
	}
	r.running = true
	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	count := len(r.symbols)
	r.mu.Unlock()

	go r.loop()

	r.log.Info("quote refresher started",
		zap.Duration("tick", r.tick),
		zap.Int("symbols", count))
	return nil
}

// Stop cancels any in-flight fetch and waits for the loop to exit. A fetch
// already in progress finishes or aborts, and its results are discarded
// without being committed.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.cancel()
	done := r.done
	r.mu.Unlock()

	<-done
	r.log.Info("quote refresher stopped")
}

func (r *Refresher) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	r.trigger(r.baseCtx, "startup")

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.trigger(r.baseCtx, "interval")
		}
	}
}

// RefreshNow forces a refresh outside the interval. If one is already in
// flight the caller attaches to it and shares its result. The wait, not the
// refresh itself, is bounded by ctx.
func (r *Refresher) RefreshNow(ctx context.Context) (*TickStats, bool, error) {
	return r.trigger(ctx, "manual")
}

func (r *Refresher) trigger(ctx context.Context, reason string) (*TickStats, bool, error) {
	r.mu.Lock()
	base := r.baseCtx
	r.mu.Unlock()
	if base == nil {
		return nil, false, fmt.Errorf("refresher not started")
	}

	ch := r.group.DoChan(refreshKey, func() (interface{}, error) {
		return r.executeTick(base, reason), nil
	})

	select {
	case res := <-ch:
		stats, _ := res.Val.(*TickStats)
		return stats, res.Shared, res.Err
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
}

// executeTick runs one full refresh: snapshot eligible symbols, fetch them in
// batches, commit successes to the store, publish the tick, archive the
// summary. Only singleflight calls this, so ticks are strictly serialized.
func (r *Refresher) executeTick(ctx context.Context, reason string) *TickStats {
	started := r.now()
	stats := &TickStats{Trigger: reason, StartedAt: started}

	r.mu.Lock()
	stop := r.stop
	r.reinstateLocked(started)
	if !r.nextAllowed.IsZero() && started.Before(r.nextAllowed) {
		stats.Skipped = "backoff"
		next := r.nextAllowed
		r.mu.Unlock()
		r.log.Info("tick skipped during backoff", zap.Time("next_allowed", next))
		r.finishTick(stats)
		return stats
	}
	symbols := r.eligibleLocked()
	r.mu.Unlock()

	if len(symbols) == 0 {
		stats.Skipped = "no symbols"
		r.finishTick(stats)
		return stats
	}
	stats.Requested = len(symbols)

	results := r.fetchAll(ctx, symbols)

	// Shutdown between fetch and commit discards the whole tick.
	select {
	case <-stop:
		stats.Skipped = "shutdown"
		r.log.Info("discarding tick results on shutdown", zap.Int("symbols", len(symbols)))
		return stats
	default:
	}

	committed := r.commit(ctx, symbols, results, stats)

	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.applyOutcomesLocked(results, stats)
	r.mu.Unlock()

	at := r.now()
	r.pub.Publish(stream.TickResult{Seq: seq, At: at, Results: committed})

	stats.Seq = seq
	r.finishTick(stats)
	return stats
}

// fetchAll walks the symbol list in provider-sized batches and merges the
// per-symbol outcomes.
func (r *Refresher) fetchAll(ctx context.Context, symbols []string) map[string]finnhub.QuoteResult {
	results := make(map[string]finnhub.QuoteResult, len(symbols))

	batchCap := r.fetcher.BatchCap()
	if batchCap <= 0 {
		batchCap = len(symbols)
	}

	for start := 0; start < len(symbols); start += batchCap {
		end := start + batchCap
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]

		fetched, err := r.fetcher.FetchQuotes(ctx, batch)
		if err != nil {
			r.log.Error("quote batch fetch failed", zap.Strings("symbols", batch), zap.Error(err))
			for _, symbol := range batch {
				results[symbol] = finnhub.QuoteResult{
					Err: &finnhub.FetchError{Symbol: symbol, Kind: finnhub.KindUpstreamUnavailable, Err: err},
				}
			}
			continue
		}
		for symbol, result := range fetched {
			results[symbol] = result
		}
	}
	return results
}

// commit appends each successful sample to the store and builds the
// publishable result set. A store failure keeps that sample out of the
// publication entirely; the previously published value stays current.
func (r *Refresher) commit(ctx context.Context, symbols []string, results map[string]finnhub.QuoteResult, stats *TickStats) map[string]stream.SymbolResult {
	committed := make(map[string]stream.SymbolResult, len(results))
	storeFailed := false

	for _, symbol := range symbols {
		result, ok := results[symbol]
		if !ok {
			continue
		}

		if result.Err != nil {
			committed[symbol] = stream.SymbolResult{ErrKind: string(result.Err.Kind)}
			stats.Errors = append(stats.Errors, tickarchive.TickError{
				Symbol:  symbol,
				Kind:    string(result.Err.Kind),
				Message: result.Err.Error(),
			})
			if result.Err.Kind == finnhub.KindRateLimited {
				stats.RateLimited++
			}
			continue
		}

		if _, err := r.store.AppendQuote(ctx, result.Sample); err != nil {
			r.log.Error("store append failed, sample not published",
				zap.String("symbol", symbol), zap.Error(err))
			committed[symbol] = stream.SymbolResult{ErrKind: "StoreError"}
			stats.Errors = append(stats.Errors, tickarchive.TickError{
				Symbol:  symbol,
				Kind:    "StoreError",
				Message: err.Error(),
			})
			storeFailed = true
			continue
		}

		committed[symbol] = stream.SymbolResult{Sample: result.Sample}
		stats.Succeeded++
	}
	stats.Failed = stats.Requested - stats.Succeeded

	r.mu.Lock()
	if storeFailed {
		r.storeFailStreak++
		if r.storeFailStreak >= r.failThreshold {
			r.log.Error("store persistently failing",
				zap.Int("consecutive_ticks", r.storeFailStreak))
		}
	} else {
		r.storeFailStreak = 0
	}
	r.mu.Unlock()

	return committed
}

// applyOutcomesLocked updates failure counters, degraded markings, and the
// rate-limit backoff from one tick's fetch outcomes. Callers hold r.mu.
func (r *Refresher) applyOutcomesLocked(results map[string]finnhub.QuoteResult, stats *TickStats) {
	now := stats.StartedAt
	rateLimited := false

	for symbol, result := range results {
		if result.Err == nil {
			delete(r.failures, symbol)
			delete(r.lastKind, symbol)
			continue
		}

		r.failures[symbol]++
		r.lastKind[symbol] = string(result.Err.Kind)
		if result.Err.Kind == finnhub.KindRateLimited {
			rateLimited = true
		}

		if r.failures[symbol] >= r.failThreshold {
			info := DegradedInfo{
				Symbol:   symbol,
				Failures: r.failures[symbol],
				LastKind: string(result.Err.Kind),
				Since:    now,
				Until:    now.Add(r.degradedReset),
			}
			r.degraded[symbol] = info
			r.log.Warn("symbol degraded after repeated failures",
				zap.String("symbol", symbol),
				zap.Int("failures", info.Failures),
				zap.String("kind", info.LastKind),
				zap.Time("until", info.Until))
		}
	}

	// Any completed tick without a rate-limit error snaps the delay back to
	// the base interval.
	if !rateLimited {
		r.backoff = 0
		r.nextAllowed = time.Time{}
		return
	}

	if r.backoff == 0 {
		r.backoff = 2 * r.tick
	} else {
		r.backoff *= 2
	}
	if r.backoff > r.backoffCeiling {
		r.backoff = r.backoffCeiling
	}
	r.nextAllowed = now.Add(r.backoff)
	r.log.Warn("rate limited, backing off",
		zap.Duration("backoff", r.backoff),
		zap.Time("next_allowed", r.nextAllowed))
}

// reinstateLocked returns expired degraded symbols to the rotation.
func (r *Refresher) reinstateLocked(now time.Time) {
	for symbol, info := range r.degraded {
		if now.Before(info.Until) {
			continue
		}
		delete(r.degraded, symbol)
		delete(r.failures, symbol)
		delete(r.lastKind, symbol)
		r.log.Info("degraded symbol reinstated", zap.String("symbol", symbol))
	}
}

// eligibleLocked returns the tracked symbols minus degraded ones, sorted so
// batching is deterministic.
func (r *Refresher) eligibleLocked() []string {
	out := make([]string, 0, len(r.symbols))
	for symbol := range r.symbols {
		if _, bad := r.degraded[symbol]; bad {
			continue
		}
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (r *Refresher) finishTick(stats *TickStats) {
	stats.Duration = r.now().Sub(stats.StartedAt)
	if stats.Skipped == "" && stats.Duration > r.tick {
		r.log.Warn("tick overran interval",
			zap.Duration("duration", stats.Duration),
			zap.Duration("tick", r.tick))
	}
	r.log.Info("tick complete",
		zap.Uint64("seq", stats.Seq),
		zap.String("trigger", stats.Trigger),
		zap.Int("requested", stats.Requested),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration))

	// Status readers get a settled copy; stats itself stays private to the tick.
	snapshot := *stats
	r.mu.Lock()
	r.lastStats = &snapshot
	r.mu.Unlock()

	r.archiveTick(stats)
}

// archiveTick forwards the summary to the archive, best-effort.
func (r *Refresher) archiveTick(stats *TickStats) {
	if r.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record := tickarchive.TickRecord{
		Seq:         stats.Seq,
		Trigger:     stats.Trigger,
		StartedAt:   stats.StartedAt,
		DurationMS:  stats.Duration.Milliseconds(),
		Requested:   stats.Requested,
		Succeeded:   stats.Succeeded,
		Failed:      stats.Failed,
		RateLimited: stats.RateLimited,
		Skipped:     stats.Skipped,
		Errors:      stats.Errors,
	}
	if err := r.archive.RecordTick(ctx, record); err != nil {
		r.log.Warn("tick archive write failed", zap.Error(err))
	}
}

// AddSymbol adds a symbol to the rotation; the next tick picks it up.
func (r *Refresher) AddSymbol(raw string) (string, error) {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.symbols[symbol]; ok {
		return symbol, nil
	}
	r.symbols[symbol] = struct{}{}
	r.log.Info("symbol added to refresh rotation", zap.String("symbol", symbol))
	return symbol, nil
}

// RemoveSymbol drops a symbol from the rotation and clears its failure state.
func (r *Refresher) RemoveSymbol(raw string) (string, error) {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.symbols, symbol)
	delete(r.failures, symbol)
	delete(r.lastKind, symbol)
	delete(r.degraded, symbol)
	r.log.Info("symbol removed from refresh rotation", zap.String("symbol", symbol))
	return symbol, nil
}

// Symbols returns the tracked symbols in sorted order.
func (r *Refresher) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.symbols))
	for symbol := range r.symbols {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// DegradedSymbols returns a copy of the degraded set.
func (r *Refresher) DegradedSymbols() map[string]DegradedInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]DegradedInfo, len(r.degraded))
	for symbol, info := range r.degraded {
		out[symbol] = info
	}
	return out
}

// ResetDegraded manually reinstates one degraded symbol. It reports whether
// the symbol was degraded.
func (r *Refresher) ResetDegraded(raw string) bool {
	symbol, err := models.NormalizeSymbol(raw)
	if err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.degraded[symbol]; !ok {
		return false
	}
	delete(r.degraded, symbol)
	delete(r.failures, symbol)
	delete(r.lastKind, symbol)
	r.log.Info("degraded symbol manually reset", zap.String("symbol", symbol))
	return true
}

// Status snapshots the refresher for the ops surface.
func (r *Refresher) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := Status{
		Running:         r.running,
		Tick:            r.tick,
		Backoff:         r.backoff,
		StoreFailStreak: r.storeFailStreak,
		LastTick:        r.lastStats,
	}
	if !r.nextAllowed.IsZero() {
		next := r.nextAllowed
		status.NextAllowed = &next
	}
	for symbol := range r.symbols {
		status.Symbols = append(status.Symbols, symbol)
	}
	sort.Strings(status.Symbols)
	for _, info := range r.degraded {
		status.Degraded = append(status.Degraded, info)
	}
	sort.Slice(status.Degraded, func(i, j int) bool {
		return status.Degraded[i].Symbol < status.Degraded[j].Symbol
	})
	return status
}
