package queue

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("item already exists")
	ErrNotImplemented = errors.New("not implemented")
	ErrLocked         = errors.New("queue store is locked by another process")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDormant    Status = "dormant"
)

var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDormant}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDormant:
		return true
	}
	return false
}

// Terminal reports whether the status takes an item out of deduplication.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

func ParseOperation(raw string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(raw)))
	if !op.Valid() {
		return "", ErrInvalidInput
	}
	return op, nil
}

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindNetwork   ErrorKind = "network"
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindRateLimit ErrorKind = "rate_limit"
	ErrorKindUnknown   ErrorKind = "unknown"
)

var AllErrorKinds = []ErrorKind{ErrorKindNetwork, ErrorKindAuth, ErrorKindRateLimit, ErrorKindUnknown}

func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindNetwork, ErrorKindAuth, ErrorKindRateLimit, ErrorKindUnknown:
		return true
	}
	return false
}

type Item struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId,omitempty"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	Operation      Operation       `json:"operation"`
	Data           json.RawMessage `json:"data,omitempty"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	LastAttempted  *time.Time      `json:"lastAttempted,omitempty"`
	NextRetryAfter *time.Time      `json:"nextRetryAfter,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ErrorKind      ErrorKind       `json:"errorKind,omitempty"`
	Version        int64           `json:"version"`
	IsBulk         bool            `json:"isBulk,omitempty"`
	BulkGroupID    string          `json:"bulkGroupId,omitempty"`
	EntityCount    int             `json:"entityCount,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type BulkEntry struct {
	EntityID string          `json:"entityId"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type BulkOperation struct {
	GroupID     string      `json:"groupId"`
	EntityType  string      `json:"entityType"`
	Operation   Operation   `json:"operation"`
	Entries     []BulkEntry `json:"entries"`
	CreatedAt   time.Time   `json:"createdAt"`
	ProcessedAt *time.Time  `json:"processedAt,omitempty"`
}

const bulkEntityPrefix = "bulk:"

func NewID() string {
	return uuid.NewString()
}

func BulkEntityID(groupID string) string {
	return bulkEntityPrefix + groupID
}

// DecodeBulk returns the grouped operation carried by a bulk item.
func (it Item) DecodeBulk() (BulkOperation, error) {
	if !it.IsBulk {
		return BulkOperation{}, ErrInvalidInput
	}
	var op BulkOperation
	if err := json.Unmarshal(it.Data, &op); err != nil {
		return BulkOperation{}, err
	}
	return op, nil
}

func (it Item) Active() bool {
	return !it.Status.Terminal()
}

func (it Item) Retryable(now time.Time) bool {
	if it.Status != StatusPending {
		return false
	}
	return it.NextRetryAfter == nil || !it.NextRetryAfter.After(now)
}

func (it Item) Clone() Item {
	out := it
	if it.Data != nil {
		out.Data = append(json.RawMessage(nil), it.Data...)
	}
	out.LastAttempted = cloneTime(it.LastAttempted)
	out.NextRetryAfter = cloneTime(it.NextRetryAfter)
	return out
}

// ClearError drops failure bookkeeping when an item gets a fresh retry budget.
func (it *Item) ClearError() {
	it.ErrorMessage = ""
	it.ErrorKind = ErrorKindNone
	it.NextRetryAfter = nil
}

// DataVersion reads a numeric "version" field from an object payload.
func DataVersion(data json.RawMessage) (int64, bool) {
	if len(data) == 0 {
		return 0, false
	}
	var probe struct {
		Version *json.Number `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Version == nil {
		return 0, false
	}
	if v, err := probe.Version.Int64(); err == nil {
		return v, true
	}
	if f, err := probe.Version.Float64(); err == nil {
		return int64(f), true
	}
	return 0, false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func TimePtr(t time.Time) *time.Time {
	return &t
}
