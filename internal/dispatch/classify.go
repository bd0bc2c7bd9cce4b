// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package dispatch

import (
	"context"
	"fmt"

	"github.com/tomtom215/conduit/internal/envelope"
	"github.com/tomtom215/conduit/internal/logging"
)

// Route names the path an envelope takes through a classified queue.
type Route int

const (
	// RouteTrigger starts a fresh action instance.
	RouteTrigger Route = iota

	// RouteWaiting parks the envelope as a delayed action.
	RouteWaiting

	// RouteResolution resumes an in-flight waiting condition. Resolution
	// takes priority over trigger: an envelope matching a waiting
	// condition never starts a second instance.
	RouteResolution
)

func (r Route) String() string {
	switch r {
	case RouteTrigger:
		return "trigger"
	case RouteWaiting:
		return "waiting"
	case RouteResolution:
		return "resolution"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// Classifier decides which route an envelope takes. Implementations
// check the waiting and resolution conditions before falling through to
// RouteTrigger.
type Classifier interface {
	Classify(ctx context.Context, env *envelope.Envelope) (Route, error)
}

// Routes binds a handler to each route of a classified queue.
type Routes struct {
	Trigger    QueueHandler
	Waiting    QueueHandler
	Resolution QueueHandler
}

// Classified builds a queue handler that consults the classifier and
// dispatches the envelope to the matching route's handler.
func Classified(c Classifier, routes Routes) QueueHandler {
	return func(ctx context.Context, env *envelope.Envelope) error {
		route, err := c.Classify(ctx, env)
		if err != nil {
			return fmt.Errorf("classify %s: %w", env.Action, err)
		}

		var h QueueHandler
		switch route {
		case RouteWaiting:
			h = routes.Waiting
		case RouteResolution:
			h = routes.Resolution
		case RouteTrigger:
			h = routes.Trigger
		}
		if h == nil {
			return fmt.Errorf("no handler bound for route %s", route)
		}

		logging.Ctx(ctx).Debug().
			Str("action", env.Action).
			Stringer("route", route).
			Msg("envelope classified")
		return h(ctx, env)
	}
}
