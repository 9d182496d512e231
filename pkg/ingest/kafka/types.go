package kafka

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Kind string

const (
	KindMetric     Kind = "metric"
	KindAccess     Kind = "access"
	KindInvalidate Kind = "invalidate"
)

// ErrInvalid marks a message that can never be applied. Such messages are
// counted and skipped instead of stalling the partition.
var ErrInvalid = errors.New("invalid ingest event")

// Event is the wire format on the ingest topic. Which fields matter depends
// on Kind.
type Event struct {
	ID   string    `json:"id,omitempty"`
	Kind Kind      `json:"kind"`
	TS   time.Time `json:"ts"`

	// metric
	Category string            `json:"category,omitempty"`
	Name     string            `json:"name,omitempty"`
	Value    float64           `json:"value,omitempty"`
	Unit     string            `json:"unit,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`

	// access
	Key       string `json:"key,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	QueryType string `json:"query_type,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	// invalidate
	Keys []string `json:"keys,omitempty"`
}

func (e Event) Validate() error {
	switch e.Kind {
	case KindMetric:
		if e.Category == "" || e.Name == "" {
			return fmt.Errorf("%w: metric needs category and name", ErrInvalid)
		}
		if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
			return fmt.Errorf("%w: metric value is not finite", ErrInvalid)
		}
	case KindAccess:
		if e.Key == "" {
			return fmt.Errorf("%w: access needs key", ErrInvalid)
		}
	case KindInvalidate:
		if len(e.Keys) == 0 && e.Key == "" {
			return fmt.Errorf("%w: invalidate needs keys", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, e.Kind)
	}
	return nil
}
