package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrNotAllowed   = errors.New("sender not on the allow list")
	ErrStalePending = errors.New("no pending permission request with that id")
	ErrInvalidCron  = errors.New("invalid cron expression")
)
