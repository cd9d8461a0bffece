package oyster

import "errors"

// Sentinel errors for the proxy domain.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrQuotaExceeded    = errors.New("daily quota exceeded")
	ErrUpstream         = errors.New("upstream error")
	ErrBadRequest       = errors.New("bad request")
	ErrTooLarge         = errors.New("payload too large")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenDisabled    = errors.New("token disabled")
)
