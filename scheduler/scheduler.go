// Package scheduler drives the market data pipeline's background work: the
// quote refresh tick loop with its rate-limit backoff and per-symbol degraded
// tracking (refresh.go), and the slow cron jobs for company reference
// refresh and tick archive retention (jobs.go).
package scheduler
