package finnhub

import "fmt"

// ErrorKind is the stable classification surfaced to API clients.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NotFound"
	KindRateLimited         ErrorKind = "RateLimited"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindTimeout             ErrorKind = "Timeout"
)

// FetchError is a per-symbol upstream failure. It never fails the batch it
// belongs to; callers carry it alongside the other symbols' results.
type FetchError struct {
	Symbol string
	Kind   ErrorKind
	Status int   // HTTP status when one was received, otherwise 0
	Err    error // underlying cause, may be nil
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Symbol, e.Kind, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.Symbol, e.Kind, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s", e.Symbol, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }
