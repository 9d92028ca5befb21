package provider

import "errors"

// Sentinel errors for the provider's error taxonomy (spec.md section 7).
var (
	ErrAlreadyShutdown         = errors.New("provider: already shut down")
	ErrBootstrapExhausted      = errors.New("provider: no seed node yielded a bucket configuration")
	ErrCollectionsNotAvailable = errors.New("provider: collections API not available on this bucket")
)
