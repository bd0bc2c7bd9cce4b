// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package automations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/conduit/internal/dispatch"
	"github.com/tomtom215/conduit/internal/envelope"
	"github.com/tomtom215/conduit/internal/logging"
)

const (
	// QueueTrigger carries automation trigger events; registered in both
	// modes.
	QueueTrigger = "automations:trigger"

	// QueueFindCount is the RPC queue answering definition counts.
	QueueFindCount = "automations:find.count"
)

// Target references a business record an event applies to.
type Target struct {
	ID string `json:"_id"`
}

// TriggerMessage is the payload of a QueueTrigger envelope. An
// actionType of "waiting" parks a condition awaiting
// ResponseActionType; any other envelope either resumes a matching
// parked condition or starts a fresh trigger.
type TriggerMessage struct {
	Type               string   `json:"type"`
	ActionType         string   `json:"actionType,omitempty"`
	ResponseActionType string   `json:"responseActionType,omitempty"`
	Targets            []Target `json:"targets,omitempty"`
}

// TargetIDs flattens the targets to their identifiers.
func (m *TriggerMessage) TargetIDs() []string {
	ids := make([]string, 0, len(m.Targets))
	for _, t := range m.Targets {
		if t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// ActionTypeWaiting marks an envelope that parks a delayed action.
const ActionTypeWaiting = "waiting"

// Execution records one fresh trigger or one resumed wait.
type Execution struct {
	Tenant    string
	Type      string
	TargetIDs []string
	Resumed   bool
	At        time.Time
}

// Definition is a stored automation, counted by the find.count RPC.
type Definition struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// FindCountQuery filters definitions by status; empty matches all.
type FindCountQuery struct {
	Query struct {
		Status string `json:"status,omitempty"`
	} `json:"query"`
}

// Service consumes trigger envelopes and answers definition counts. It
// implements dispatch.Classifier for QueueTrigger.
type Service struct {
	waiting WaitingStore
	now     func() time.Time

	mu          sync.RWMutex
	executions  []Execution
	definitions map[string][]Definition
}

// NewService creates the automations service over a waiting store.
func NewService(waiting WaitingStore) *Service {
	return &Service{
		waiting:     waiting,
		now:         time.Now,
		definitions: make(map[string][]Definition),
	}
}

// AddDefinition registers an automation definition for a tenant.
func (s *Service) AddDefinition(tenant string, def Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[tenant] = append(s.definitions[tenant], def)
}

// Count returns the number of definitions matching the query.
func (s *Service) Count(_ context.Context, tenant string, q FindCountQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, def := range s.definitions[tenant] {
		if q.Query.Status == "" || def.Status == q.Query.Status {
			n++
		}
	}
	return n, nil
}

// Executions returns a copy of the recorded executions.
func (s *Service) Executions() []Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Execution, len(s.executions))
	copy(out, s.executions)
	return out
}

func (s *Service) record(exec Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, exec)
}

// Classify implements dispatch.Classifier for QueueTrigger. The waiting
// marker wins, then a parked-condition match, then fresh trigger.
func (s *Service) Classify(ctx context.Context, env *envelope.Envelope) (dispatch.Route, error) {
	var msg TriggerMessage
	if err := env.DecodePayload(&msg); err != nil {
		return dispatch.RouteTrigger, fmt.Errorf("decode trigger payload: %w", err)
	}

	if msg.ActionType == ActionTypeWaiting {
		return dispatch.RouteWaiting, nil
	}

	_, err := s.waiting.Match(ctx, env.Tenant, msg.Type, msg.ActionType, msg.TargetIDs())
	switch {
	case err == nil:
		return dispatch.RouteResolution, nil
	case errors.Is(err, ErrNoMatch):
		return dispatch.RouteTrigger, nil
	default:
		return dispatch.RouteTrigger, fmt.Errorf("match waiting condition: %w", err)
	}
}

// Wait parks a condition for the response the waiting step awaits.
func (s *Service) Wait(ctx context.Context, env *envelope.Envelope) error {
	var msg TriggerMessage
	if err := env.DecodePayload(&msg); err != nil {
		return fmt.Errorf("decode trigger payload: %w", err)
	}

	cond := &WaitingCondition{
		Type:       msg.Type,
		ActionType: msg.ResponseActionType,
		TargetIDs:  msg.TargetIDs(),
	}
	if err := s.waiting.Park(ctx, env.Tenant, cond); err != nil {
		return fmt.Errorf("park waiting condition: %w", err)
	}

	logging.Ctx(ctx).Info().
		Str("type", msg.Type).
		Str("awaits", msg.ResponseActionType).
		Msg("automation step parked")
	return nil
}

// ResumeWaiting resolves the parked condition the envelope matches and
// records a resumed execution.
func (s *Service) ResumeWaiting(ctx context.Context, env *envelope.Envelope) error {
	var msg TriggerMessage
	if err := env.DecodePayload(&msg); err != nil {
		return fmt.Errorf("decode trigger payload: %w", err)
	}

	cond, err := s.waiting.Match(ctx, env.Tenant, msg.Type, msg.ActionType, msg.TargetIDs())
	if err != nil {
		return fmt.Errorf("match waiting condition: %w", err)
	}
	if err := s.waiting.Resolve(ctx, env.Tenant, cond.ID); err != nil {
		return fmt.Errorf("resolve waiting condition %s: %w", cond.ID, err)
	}

	s.record(Execution{
		Tenant:    env.Tenant,
		Type:      msg.Type,
		TargetIDs: msg.TargetIDs(),
		Resumed:   true,
		At:        s.now(),
	})

	logging.Ctx(ctx).Info().
		Str("type", msg.Type).
		Str("condition_id", cond.ID).
		Msg("waiting automation resumed")
	return nil
}

// Trigger starts a fresh automation instance for the envelope.
func (s *Service) Trigger(ctx context.Context, env *envelope.Envelope) error {
	var msg TriggerMessage
	if err := env.DecodePayload(&msg); err != nil {
		return fmt.Errorf("decode trigger payload: %w", err)
	}

	s.record(Execution{
		Tenant:    env.Tenant,
		Type:      msg.Type,
		TargetIDs: msg.TargetIDs(),
		At:        s.now(),
	})

	logging.Ctx(ctx).Info().
		Str("type", msg.Type).
		Int("targets", len(msg.Targets)).
		Msg("automation triggered")
	return nil
}

// TriggerRPC is the RPC responder for QueueTrigger. Unlike the
// fire-and-forget path it never parks: a matching parked condition is
// resumed, everything else triggers fresh, and both answer "complete".
func (s *Service) TriggerRPC(ctx context.Context, env *envelope.Envelope) (any, error) {
	route, err := s.Classify(ctx, env)
	if err != nil {
		return nil, err
	}

	if route == dispatch.RouteResolution {
		if err := s.ResumeWaiting(ctx, env); err != nil {
			return nil, err
		}
		return "complete", nil
	}

	if err := s.Trigger(ctx, env); err != nil {
		return nil, err
	}
	return "complete", nil
}

// FindCountRPC answers QueueFindCount.
func (s *Service) FindCountRPC(ctx context.Context, env *envelope.Envelope) (any, error) {
	var q FindCountQuery
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&q); err != nil {
			return nil, fmt.Errorf("decode find.count payload: %w", err)
		}
	}
	return s.Count(ctx, env.Tenant, q)
}

// Register binds the service to its queues: the classified consumer and
// RPC responder on QueueTrigger, and the count responder on
// QueueFindCount.
func Register(d *dispatch.Dispatcher, s *Service) error {
	consumer := dispatch.Classified(s, dispatch.Routes{
		Waiting:    s.Wait,
		Resolution: s.ResumeWaiting,
		Trigger:    s.Trigger,
	})
	if err := d.HandleQueue(QueueTrigger, consumer); err != nil {
		return err
	}
	if err := d.HandleRPC(QueueTrigger, s.TriggerRPC); err != nil {
		return err
	}
	return d.HandleRPC(QueueFindCount, s.FindCountRPC)
}
