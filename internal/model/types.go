package model

import (
	"encoding/json"
	"strings"
	"time"
)

// SyncState tracks whether a cached record matches the remote service.
type SyncState string

const (
	// SyncStateSynced means a network read or an acknowledged operation confirmed the record.
	SyncStateSynced SyncState = "synced"
	// SyncStatePending means at least one local change has not been confirmed remotely.
	SyncStatePending SyncState = "pending_local_change"
)

// Record is a cached domain record. Records are keyed by (EntityType, ID).
type Record struct {
	EntityType string          `json:"entity_type"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	SyncState  SyncState       `json:"sync_state"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Synced reports whether the record is confirmed by the remote service.
func (r Record) Synced() bool {
	return r.SyncState == SyncStateSynced
}

// OpKind is the mutation an operation carries.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// OpStatus is the queue sub-state of an operation.
type OpStatus string

const (
	// OpStatusPending operations are dispatched automatically.
	OpStatusPending OpStatus = "pending"
	// OpStatusPermanent operations exceeded the retry ceiling or were rejected
	// during replay. They stay queued for inspection and manual retry.
	OpStatusPermanent OpStatus = "permanent"
)

// Operation is a queued mutation that has not been confirmed by the remote service.
type Operation struct {
	ID             int64           `json:"op_id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Kind           OpKind          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Fingerprint    string          `json:"fingerprint"`
	IdempotencyKey string          `json:"idempotency_key"`
	EnqueuedAt     int64           `json:"enqueued_at"`
	CreatedAt      time.Time       `json:"created_at"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	Status         OpStatus        `json:"status"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
}

// Key returns the entity key the operation targets.
func (o Operation) Key() EntityKey {
	return EntityKey{Type: o.EntityType, ID: o.EntityID}
}

// Permanent reports whether the operation is frozen.
func (o Operation) Permanent() bool {
	return o.Status == OpStatusPermanent
}

// EntityKey identifies one entity across cache and queue.
type EntityKey struct {
	Type string
	ID   string
}

func (k EntityKey) String() string {
	return k.Type + "/" + k.ID
}

// TempIDPrefix marks ids minted locally before the remote service assigned one.
const TempIDPrefix = "tmp_"

// IsTempID reports whether id was minted locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Entity types of the field-sales domain.
const (
	EntityCustomer    = "customer"
	EntityOrder       = "order"
	EntityProduct     = "product"
	EntityVisit       = "visit"
	EntityExpenditure = "expenditure"
	EntityCategory    = "category"
	EntitySalesRep    = "sales_rep"
)

// EntityTypes lists every built-in entity type.
func EntityTypes() []string {
	return []string{
		EntityCustomer,
		EntityOrder,
		EntityProduct,
		EntityVisit,
		EntityExpenditure,
		EntityCategory,
		EntitySalesRep,
	}
}
