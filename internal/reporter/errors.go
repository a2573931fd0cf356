package reporter

import (
	"errors"
	"fmt"
)

var (
	ErrNotConfigured    = errors.New("reporter not configured")
	ErrDeliveryRejected = errors.New("webhook rejected delivery")
	ErrTransportFailure = errors.New("webhook transport failure")
	ErrQueueFull        = errors.New("delivery queue full")
	ErrStopped          = errors.New("delivery pool stopped")
)

// Log record kinds. Every failure a reporter logs carries one of these in
// the "kind" field.
const (
	KindConfigurationWarning = "ConfigurationWarning"
	KindInvalidReport        = "InvalidReport"
	KindDeliveryRejected     = "DeliveryRejected"
	KindTransportFailure     = "TransportFailure"
)

// ConfigError is a configuration problem that prevents a reporter from
// being configured at all.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "reporter config: " + e.Msg
	}
	return fmt.Sprintf("reporter config: %s: %s", e.Field, e.Msg)
}

// ConfigWarning is a malformed or deprecated option that was accepted anyway.
type ConfigWarning struct {
	Field string
	Msg   string
}

func (w ConfigWarning) String() string {
	if w.Field == "" {
		return w.Msg
	}
	return w.Field + ": " + w.Msg
}
