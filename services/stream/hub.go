package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"marketpulse/models"
)

// SymbolState classifies a cache read.
type SymbolState string

const (
	StateFresh   SymbolState = "Fresh"
	StateStale   SymbolState = "Stale"
	StateUnknown SymbolState = "Unknown"
)

// SymbolResult is one symbol's outcome inside a tick result: a sample on
// success, an error kind otherwise.
type SymbolResult struct {
	Sample  *models.Quote
	ErrKind string
}

// TickResult is the atomic unit the refresh scheduler publishes after each
// tick: every requested symbol's outcome, successes and failures alike.
type TickResult struct {
	Seq     uint64
	At      time.Time
	Results map[string]SymbolResult
}

// TickUpdate is one delta delivered to subscribers.
type TickUpdate struct {
	Symbol string        `json:"symbol"`
	Sample *models.Quote `json:"data"`
}

// ReadResult is a point-in-time cache read for one symbol.
type ReadResult struct {
	Sample  *models.Quote
	State   SymbolState
	ErrKind string // most recent fetch error kind, empty when none
}

type cacheEntry struct {
	sample   *models.Quote
	cachedAt time.Time
	errKind  string
}

// Subscriber is one live update stream, bound to a chosen set of symbols
// (empty set means every symbol). Its channel is bounded; when the consumer
// cannot keep up the hub closes it instead of blocking publication.
type Subscriber struct {
	id      uint64
	symbols map[string]bool
	ch      chan TickUpdate
	hub     *Hub
}

// Updates is the live event stream. It is closed when the subscriber is
// dropped or Close is called.
func (s *Subscriber) Updates() <-chan TickUpdate { return s.ch }

// Close detaches the subscriber and closes its stream.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub holds the in-memory latest-quote cache and the live subscriber set.
// The cache is mutated only by Publish, which the refresh scheduler calls
// once per tick; reads take a read-lock held only for the map access.
type Hub struct {
	log       *zap.Logger
	staleness time.Duration
	bufSize   int
	now       func() time.Time

	cacheMu  sync.RWMutex
	cache    map[string]*cacheEntry
	lastTick time.Time
	ticks    uint64

	subMu   sync.Mutex
	subs    map[*Subscriber]struct{}
	all     map[*Subscriber]struct{}
	bySym   map[string]map[*Subscriber]struct{}
	nextID  uint64
	dropped uint64
}

// NewHub builds an empty hub. staleness is the age beyond which a cached
// sample reads as Stale; bufSize caps each subscriber's pending updates.
func NewHub(staleness time.Duration, bufSize int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{
		log:       log,
		staleness: staleness,
		bufSize:   bufSize,
		now:       time.Now,
		cache:     make(map[string]*cacheEntry),
		subs:      make(map[*Subscriber]struct{}),
		all:       make(map[*Subscriber]struct{}),
		bySym:     make(map[string]map[*Subscriber]struct{}),
	}
}

// Warm seeds the cache from stored samples, typically the store's LatestAll
// at startup. Entries already refreshed by a live publish are kept.
func (h *Hub) Warm(samples []models.Quote) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	for i := range samples {
		sample := samples[i]
		existing, ok := h.cache[sample.Symbol]
		if ok && existing.sample != nil && !existing.cachedAt.Before(sample.CreatedAt) {
			continue
		}
		h.cache[sample.Symbol] = &cacheEntry{
			sample:   &sample,
			cachedAt: sample.CreatedAt,
		}
	}
	h.log.Info("hub cache warmed", zap.Int("symbols", len(samples)))
}

// Read returns the cached state for each requested symbol without touching
// the store: Fresh or Stale when a value exists, Unknown otherwise.
func (h *Hub) Read(symbols []string) map[string]ReadResult {
	now := h.now()

	h.cacheMu.RLock()
	defer h.cacheMu.RUnlock()

	out := make(map[string]ReadResult, len(symbols))
	for _, symbol := range symbols {
		entry, ok := h.cache[symbol]
		if !ok || entry.sample == nil {
			result := ReadResult{State: StateUnknown}
			if ok {
				result.ErrKind = entry.errKind
			}
			out[symbol] = result
			continue
		}

		state := StateFresh
		if h.staleness > 0 && now.Sub(entry.cachedAt) > h.staleness {
			state = StateStale
		}
		out[symbol] = ReadResult{Sample: entry.sample, State: state, ErrKind: entry.errKind}
	}
	return out
}

// Publish applies one tick result: successful samples replace cache entries,
// failures record their error kind without clobbering a cached price, and
// every delta fans out to matching subscribers. Called only by the refresh
// scheduler, so ticks arrive in order and never concurrently.
func (h *Hub) Publish(tick TickResult) {
	h.cacheMu.Lock()
	for symbol, result := range tick.Results {
		entry, ok := h.cache[symbol]
		if !ok {
			entry = &cacheEntry{}
			h.cache[symbol] = entry
		}
		if result.Sample != nil {
			entry.sample = result.Sample
			entry.cachedAt = tick.At
			entry.errKind = ""
		} else {
			entry.errKind = result.ErrKind
		}
	}
	h.lastTick = tick.At
	h.ticks++
	h.cacheMu.Unlock()

	h.subMu.Lock()
	var dead []*Subscriber
	for symbol, result := range tick.Results {
		if result.Sample == nil {
			continue
		}
		update := TickUpdate{Symbol: symbol, Sample: result.Sample}
		for sub := range h.all {
			if !trySend(sub, update) {
				dead = append(dead, sub)
			}
		}
		for sub := range h.bySym[symbol] {
			if !trySend(sub, update) {
				dead = append(dead, sub)
			}
		}
	}
	for _, sub := range dead {
		if h.removeLocked(sub) {
			h.dropped++
			h.log.Warn("dropped slow subscriber", zap.Uint64("id", sub.id))
		}
	}
	h.subMu.Unlock()
}

// trySend enqueues without blocking; a full buffer marks the subscriber dead.
func trySend(sub *Subscriber, update TickUpdate) bool {
	select {
	case sub.ch <- update:
		return true
	default:
		return false
	}
}

// Subscribe opens a live stream restricted to the given symbols; an empty
// set follows every symbol.
func (h *Hub) Subscribe(symbols []string) *Subscriber {
	sub := &Subscriber{
		symbols: make(map[string]bool, len(symbols)),
		ch:      make(chan TickUpdate, h.bufSize),
		hub:     h,
	}
	for _, raw := range symbols {
		if symbol, err := models.NormalizeSymbol(raw); err == nil {
			sub.symbols[symbol] = true
		}
	}

	h.subMu.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subs[sub] = struct{}{}
	// Follow-all is an explicit choice, not the result of a list where every
	// symbol failed validation.
	if len(symbols) == 0 {
		h.all[sub] = struct{}{}
	} else {
		for symbol := range sub.symbols {
			h.indexLocked(symbol, sub)
		}
	}
	h.subMu.Unlock()

	return sub
}

// AddSymbols widens a subscriber's scope.
func (h *Hub) AddSymbols(sub *Subscriber, symbols []string) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	for _, raw := range symbols {
		symbol, err := models.NormalizeSymbol(raw)
		if err != nil || sub.symbols[symbol] {
			continue
		}
		// A subscriber that was following everything narrows to a list.
		if len(sub.symbols) == 0 {
			delete(h.all, sub)
		}
		sub.symbols[symbol] = true
		h.indexLocked(symbol, sub)
	}
}

// RemoveSymbols narrows a subscriber's scope.
func (h *Hub) RemoveSymbols(sub *Subscriber, symbols []string) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	for _, raw := range symbols {
		symbol, err := models.NormalizeSymbol(raw)
		if err != nil || !sub.symbols[symbol] {
			continue
		}
		delete(sub.symbols, symbol)
		h.unindexLocked(symbol, sub)
	}
}

func (h *Hub) indexLocked(symbol string, sub *Subscriber) {
	set, ok := h.bySym[symbol]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.bySym[symbol] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) unindexLocked(symbol string, sub *Subscriber) {
	set, ok := h.bySym[symbol]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.bySym, symbol)
	}
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.subMu.Lock()
	h.removeLocked(sub)
	h.subMu.Unlock()
}

// removeLocked detaches a subscriber and closes its channel exactly once.
// Callers hold subMu, so no publish can race the close.
func (h *Hub) removeLocked(sub *Subscriber) bool {
	if _, ok := h.subs[sub]; !ok {
		return false
	}
	delete(h.subs, sub)
	delete(h.all, sub)
	for symbol := range sub.symbols {
		h.unindexLocked(symbol, sub)
	}
	close(sub.ch)
	return true
}

// Shutdown drops every subscriber; in-flight consumers observe their streams
// closing.
func (h *Hub) Shutdown() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for sub := range h.subs {
		h.removeLocked(sub)
	}
}

// Stats is the hub's ops-surface snapshot.
type Stats struct {
	Subscribers int       `json:"subscribers"`
	CachedSyms  int       `json:"cached_symbols"`
	Dropped     uint64    `json:"dropped_subscribers"`
	Ticks       uint64    `json:"ticks_published"`
	LastTick    time.Time `json:"last_tick"`
}

// Stats reports subscriber and cache counters.
func (h *Hub) Stats() Stats {
	h.cacheMu.RLock()
	cached := len(h.cache)
	ticks := h.ticks
	lastTick := h.lastTick
	h.cacheMu.RUnlock()

	h.subMu.Lock()
	subs := len(h.subs)
	dropped := h.dropped
	h.subMu.Unlock()

	return Stats{
		Subscribers: subs,
		CachedSyms:  cached,
		Dropped:     dropped,
		Ticks:       ticks,
		LastTick:    lastTick,
	}
}
