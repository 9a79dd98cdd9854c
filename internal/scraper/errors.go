package scraper

import "errors"

// Fetch error classes. Every failure out of the extractor wraps exactly one
// of these so the retry policy can classify it with errors.Is.
var (
	// ErrTimeout: the attempt's deadline expired mid-fetch.
	ErrTimeout = errors.New("fetch timeout")
	// ErrTransient: network hiccup or server-side error; worth retrying.
	ErrTransient = errors.New("transient fetch error")
	// ErrPermanent: the page will never yield data for this ticker
	// (unknown symbol, page layout missing the estimates table).
	ErrPermanent = errors.New("permanent fetch error")
)
