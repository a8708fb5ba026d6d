// Package remote defines the authoritative remote service the sync engine
// converges with, an HTTP client for it, and the failure classification
// every caller relies on.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go Service

// Status classifies the outcome of a remote call.
type Status int

const (
	// StatusApplied means the remote service accepted the call.
	StatusApplied Status = iota + 1
	// StatusRetriable covers network failures, timeouts, cancellation and 5xx.
	StatusRetriable
	// StatusRejected covers validation and conflict responses. Retrying cannot succeed.
	StatusRejected
	// StatusFatal means the request or response could not be serialized.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusRetriable:
		return "retriable"
	case StatusRejected:
		return "rejected"
	case StatusFatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is the classified result of one remote call. Entity is set for
// Applied creates, updates and fetches; Err is set for every other status.
type Outcome struct {
	Status Status
	Entity *model.Record
	Err    error
}

// Request is the body of a mutating call.
type Request struct {
	Payload        json.RawMessage
	IdempotencyKey string
}

// Service is the authoritative remote API. One method set serves every
// entity type; the type is a parameter. Implementations must never panic on
// network failure: every failure is reported through Outcome.
type Service interface {
	Create(ctx context.Context, entityType string, req Request) Outcome
	Update(ctx context.Context, entityType, id string, req Request) Outcome
	Delete(ctx context.Context, entityType, id string, req Request) Outcome
	Fetch(ctx context.Context, entityType, id string) Outcome
}

// Applied returns an Applied outcome carrying entity (may be nil).
func Applied(entity *model.Record) Outcome {
	return Outcome{Status: StatusApplied, Entity: entity}
}

// Retriable returns a Retriable outcome. err is wrapped as TRANSIENT_NETWORK
// unless it already carries a code.
func Retriable(err error) Outcome {
	return Outcome{Status: StatusRetriable, Err: withCode(model.ErrCodeTransient, err)}
}

// Rejected returns a Rejected outcome.
func Rejected(err error) Outcome {
	return Outcome{Status: StatusRejected, Err: withCode(model.ErrCodeRejected, err)}
}

// Fatal returns a Fatal outcome.
func Fatal(err error) Outcome {
	return Outcome{Status: StatusFatal, Err: withCode(model.ErrCodeSerialization, err)}
}

func withCode(code model.ErrorCode, err error) error {
	if err == nil {
		return model.NewError(code, "remote call failed", nil)
	}
	if model.CodeOf(err) != "" {
		return err
	}
	return model.NewError(code, err.Error(), err)
}

// Dispatch sends op to svc using the call matching op.Kind.
func Dispatch(ctx context.Context, svc Service, op model.Operation) Outcome {
	req := Request{Payload: op.Payload, IdempotencyKey: op.IdempotencyKey}
	switch op.Kind {
	case model.OpCreate:
		return svc.Create(ctx, op.EntityType, req)
	case model.OpUpdate:
		return svc.Update(ctx, op.EntityType, op.EntityID, req)
	case model.OpDelete:
		return svc.Delete(ctx, op.EntityType, op.EntityID, req)
	}
	return Fatal(fmt.Errorf("unknown operation kind %q", op.Kind))
}
