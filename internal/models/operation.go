// Package models provides data model definitions for the offline queue.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Kind is the closed set of mutations an Operation can describe.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
	return k, nil
}

// Status is the lifecycle state of an Operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Payload holds the field-level data of a mutation.
type Payload map[string]interface{}

// Value implements driver.Valuer by storing the payload as JSON text.
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for JSON payload columns.
func (p *Payload) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Payload", value)
	}
	if len(data) == 0 {
		*p = nil
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	*p = m
	return nil
}

// Clone returns a shallow copy of the payload map.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Operation is a queued mutation intent against one entity.
// Timestamps are unix milliseconds.
type Operation struct {
	ID            UUID    `db:"id" json:"id" yaml:"id"`
	Seq           int64   `db:"seq" json:"seq" yaml:"seq"`
	EntityType    string  `db:"entity_type" json:"entity_type" yaml:"entity_type"`
	EntityID      string  `db:"entity_id" json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	Kind          Kind    `db:"kind" json:"kind" yaml:"kind"`
	Payload       Payload `db:"payload" json:"payload,omitempty" yaml:"payload,omitempty"`
	Status        Status  `db:"status" json:"status" yaml:"status"`
	Attempts      int     `db:"attempts" json:"attempts" yaml:"attempts"`
	AttemptFloor  int     `db:"attempt_floor" json:"attempt_floor" yaml:"attempt_floor"`
	LastError     string  `db:"last_error" json:"last_error,omitempty" yaml:"last_error,omitempty"`
	RemoteID      string  `db:"remote_id" json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	DependsOn     UUID    `db:"depends_on" json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	UserID        string  `db:"user_id" json:"user_id,omitempty" yaml:"user_id,omitempty"`
	NextAttemptAt int64   `db:"next_attempt_at" json:"next_attempt_at" yaml:"next_attempt_at"`
	CreatedAt     int64   `db:"created_at" json:"created_at" yaml:"created_at"`
	UpdatedAt     int64   `db:"updated_at" json:"updated_at" yaml:"updated_at"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// RetryAttempts returns the attempts counted against the retry ceiling.
func (o *Operation) RetryAttempts() int {
	return o.Attempts - o.AttemptFloor
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (o *Operation) CreatedAtTime() time.Time {
	return time.UnixMilli(o.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (o *Operation) UpdatedAtTime() time.Time {
	return time.UnixMilli(o.UpdatedAt)
}

// NextAttemptTime returns the NextAttemptAt as time.Time.
func (o *Operation) NextAttemptTime() time.Time {
	return time.UnixMilli(o.NextAttemptAt)
}

// Clone returns a copy that shares nothing mutable with o.
func (o *Operation) Clone() *Operation {
	c := *o
	c.Payload = o.Payload.Clone()
	return &c
}
