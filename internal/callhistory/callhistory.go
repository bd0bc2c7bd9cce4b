// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package callhistory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/conduit/internal/coordinator"
	"github.com/tomtom215/conduit/internal/dispatch"
	"github.com/tomtom215/conduit/internal/envelope"
	"github.com/tomtom215/conduit/internal/lock"
	"github.com/tomtom215/conduit/internal/logging"
)

const (
	// QueueRecord is the queue carrying call-history record events. It is
	// registered in both modes: fire-and-forget for ingestion, RPC for
	// callers that want the outcome message back.
	QueueRecord = "calls:history.record"

	// Domain prefixes lock and record keys, producing keys like
	// "tenantA:call:history1700000000000".
	Domain = "call:"

	// StatusCancelled is the only call status recorded through this path.
	StatusCancelled = "cancelled"

	// LockTTL covers one record write including the integration lookup.
	LockTTL = 60 * time.Second
)

var (
	// ErrIntegrationNotFound is returned when the inbox integration the
	// call belongs to is not provisioned for the tenant.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrBeingProcessed is returned while another worker holds the lock
	// for the same timestamp. Redelivery retries the write later.
	ErrBeingProcessed = errors.New("history is already being processed")
)

// MsgAlreadyExists is the outcome message for a duplicate that was
// detected and not applied.
const MsgAlreadyExists = "Call history already exists"

// MsgRecorded is the outcome message for the write that actually landed.
const MsgRecorded = "Successfully recorded"

// Record is a call-history entry. TimeStamp, CustomerPhone, and
// CallStatus together form the natural key that detects duplicates.
type Record struct {
	TimeStamp          int64     `json:"timeStamp"`
	CustomerPhone      string    `json:"customerPhone"`
	CallStatus         string    `json:"callStatus"`
	OperatorPhone      string    `json:"operatorPhone,omitempty"`
	InboxIntegrationID string    `json:"inboxIntegrationId,omitempty"`
	EndedBy            string    `json:"endedBy,omitempty"`
	CreatedBy          string    `json:"createdBy,omitempty"`
	CreatedAt          time.Time `json:"createdAt,omitempty"`
}

// Validate checks the natural-key fields.
func (r *Record) Validate() error {
	if r.TimeStamp == 0 {
		return errors.New("timeStamp: required")
	}
	if r.CustomerPhone == "" {
		return errors.New("customerPhone: required")
	}
	if r.CallStatus == "" {
		return errors.New("callStatus: required")
	}
	return nil
}

// NaturalKey identifies the record for duplicate detection.
func (r *Record) NaturalKey() string {
	return "history" + strconv.FormatInt(r.TimeStamp, 10) + ":" + r.CustomerPhone + ":" + r.CallStatus
}

// LockKey is coarser than the natural key: concurrent writes for the
// same timestamp serialize regardless of phone or status.
func (r *Record) LockKey() string {
	return "history" + strconv.FormatInt(r.TimeStamp, 10)
}

// IntegrationLookup resolves the operator phone for an inbox
// integration. ErrIntegrationNotFound when the integration is unknown.
type IntegrationLookup interface {
	OperatorPhone(ctx context.Context, tenant, inboxIntegrationID string) (string, error)
}

// StaticIntegrations is an IntegrationLookup over a fixed mapping of
// "tenant/integrationID" to operator phone.
type StaticIntegrations map[string]string

func (s StaticIntegrations) OperatorPhone(_ context.Context, tenant, inboxIntegrationID string) (string, error) {
	phone, ok := s[tenant+"/"+inboxIntegrationID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrIntegrationNotFound, inboxIntegrationID)
	}
	return phone, nil
}

// Service records call-history events through the idempotent write
// coordinator.
type Service struct {
	coord        *coordinator.Coordinator
	integrations IntegrationLookup
	now          func() time.Time
}

// NewService creates the call-history service.
func NewService(coord *coordinator.Coordinator, integrations IntegrationLookup) *Service {
	return &Service{
		coord:        coord,
		integrations: integrations,
		now:          time.Now,
	}
}

// RecordCancelled writes a cancelled-call record at most once and
// returns a human-readable outcome message. A duplicate is a benign
// outcome; a held lock is ErrBeingProcessed so redelivery can retry.
func (s *Service) RecordCancelled(ctx context.Context, tenant string, rec Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.CallStatus != StatusCancelled {
		return "", fmt.Errorf("call status %q: only %s calls are recorded here", rec.CallStatus, StatusCancelled)
	}

	phone, err := s.integrations.OperatorPhone(ctx, tenant, rec.InboxIntegrationID)
	if err != nil {
		return "", err
	}
	rec.OperatorPhone = phone
	rec.CreatedAt = s.now()

	outcome, err := s.coord.Write(ctx, tenant, Domain, rec.NaturalKey(), rec,
		coordinator.WithLockKey(lock.Key(tenant, Domain, rec.LockKey())))

	switch outcome {
	case coordinator.OutcomeSuccess:
		logging.Ctx(ctx).Info().
			Int64("time_stamp", rec.TimeStamp).
			Str("customer_phone", rec.CustomerPhone).
			Msg("call history recorded")
		return MsgRecorded, nil
	case coordinator.OutcomeAlreadyExists:
		logging.Ctx(ctx).Debug().
			Int64("time_stamp", rec.TimeStamp).
			Msg("duplicate call history discarded")
		return MsgAlreadyExists, nil
	case coordinator.OutcomeLockHeld:
		return "", fmt.Errorf("history %d: %w", rec.TimeStamp, ErrBeingProcessed)
	default:
		return "", fmt.Errorf("record call history: %w", err)
	}
}

// Find returns the stored record for a natural key, or
// coordinator.ErrNotFound.
func (s *Service) Find(ctx context.Context, tenant string, timeStamp int64, customerPhone, callStatus string) (*Record, error) {
	probe := Record{TimeStamp: timeStamp, CustomerPhone: customerPhone, CallStatus: callStatus}
	data, err := s.coord.Lookup(ctx, tenant, Domain, probe.NaturalKey())
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode stored record: %w", err)
	}
	return &rec, nil
}

// Handler is the fire-and-forget consumer for QueueRecord. Errors
// bubble to the dispatch loop, which logs them and consumes the
// message.
func (s *Service) Handler(ctx context.Context, env *envelope.Envelope) error {
	var rec Record
	if err := env.DecodePayload(&rec); err != nil {
		return fmt.Errorf("decode call history payload: %w", err)
	}
	_, err := s.RecordCancelled(ctx, env.Tenant, rec)
	return err
}

// RPCHandler is the RPC responder for QueueRecord; the outcome message
// becomes the success data.
func (s *Service) RPCHandler(ctx context.Context, env *envelope.Envelope) (any, error) {
	var rec Record
	if err := env.DecodePayload(&rec); err != nil {
		return nil, fmt.Errorf("decode call history payload: %w", err)
	}
	return s.RecordCancelled(ctx, env.Tenant, rec)
}

// Register binds the service to QueueRecord in both modes.
func Register(d *dispatch.Dispatcher, s *Service) error {
	if err := d.HandleQueue(QueueRecord, s.Handler); err != nil {
		return err
	}
	return d.HandleRPC(QueueRecord, s.RPCHandler)
}
