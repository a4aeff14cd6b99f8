// Package repository holds the sentinel errors shared by every store
// implementation (cockroach, redis, memory).
package repository

import "errors"

var (
	// ErrCallNotFound is returned when no call matches the lookup key
	ErrCallNotFound = errors.New("call not found")
	// ErrSessionExists is returned when a call with the same session id exists
	ErrSessionExists = errors.New("session id already exists")
	// ErrCallNotLive is returned when a signal targets a call that already reached a terminal status
	ErrCallNotLive = errors.New("call is not live")
)
