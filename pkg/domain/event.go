package domain

import (
	"strings"
	"time"
)

// EventCategory classifies the kernel subsystem an event originated from
type EventCategory string

const (
	CategoryFileSystem EventCategory = "filesystem"
	CategoryRegistry   EventCategory = "registry"
	CategoryProcess    EventCategory = "process"
	CategoryNetwork    EventCategory = "network"
	CategoryUnknown    EventCategory = "unknown"
)

// Result tokens emitted by the capture translators. Anything other than
// ResultSuccess is treated as a failure by the detector.
const (
	ResultSuccess          = "SUCCESS"
	ResultAccessDenied     = "ACCESS DENIED"
	ResultSharingViolation = "SHARING VIOLATION"
	ResultLockViolation    = "LOCK VIOLATION"
	ResultNotFound         = "NOT FOUND"
	ResultTimeout          = "TIMEOUT"
)

// SystemEvent is one normalized kernel activity record. It is created by the
// capture engine and read-only everywhere downstream.
type SystemEvent struct {
	ID          int64             `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Category    EventCategory     `json:"category"`
	ProcessName string            `json:"process_name"`
	PID         int32             `json:"pid"`
	TID         int32             `json:"tid"`
	Operation   string            `json:"operation"`
	Path        string            `json:"path,omitempty"`
	Result      string            `json:"result"`
	ErrorCode   int32             `json:"error_code,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Succeeded reports whether the recorded operation completed successfully.
func (e *SystemEvent) Succeeded() bool {
	return e.Result == ResultSuccess
}

// Failed reports whether the event carries a non-empty, non-success result.
func (e *SystemEvent) Failed() bool {
	return e.Result != "" && e.Result != ResultSuccess
}

// AccessDenied reports whether the result indicates a permission failure.
func (e *SystemEvent) AccessDenied() bool {
	return strings.Contains(e.Result, "ACCESS DENIED") || strings.Contains(e.Result, "PERMISSION DENIED")
}

// LockContended reports whether the result indicates file sharing or lock
// contention.
func (e *SystemEvent) LockContended() bool {
	return strings.Contains(e.Result, "SHARING VIOLATION") || strings.Contains(e.Result, "LOCK VIOLATION")
}
