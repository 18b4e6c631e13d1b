package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrServerError       = errors.New("marketplace server error")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrClosedNormally    = errors.New("connection closed normally")
	ErrSessionClosed     = errors.New("session closed")
	ErrRetriesExhausted  = errors.New("reconnect retries exhausted")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrLockHeld          = errors.New("lock already held")
	ErrInventoryClosed   = errors.New("steam inventory closed")
	ErrAPIRejected       = errors.New("marketplace rejected request")
	ErrPurchasesDisabled = errors.New("purchases disabled")
)
