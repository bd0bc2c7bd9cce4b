// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

/*
Package supervisor provides process supervision for Conduit using suture v4.

The supervisor tree organizes long-running services into three layers for
failure isolation:

	RootSupervisor ("conduit")
	├── DataSupervisor ("data-layer")
	│   └── StoreGCService (Badger value-log GC, if badger backend)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── EmbeddedNATSService (if embedded server enabled)
	│   ├── BrokerService (reply-channel subscriber)
	│   └── DispatcherService (queue consumption loop)
	└── APISupervisor ("api-layer")
	    └── OpsServerService (health, readiness, metrics)

This hierarchy ensures that a crash in the dispatch loop does not take down
the ops endpoints, and storage maintenance failures never interrupt message
consumption.

All services implement suture.Service:

	type Service interface {
	    Serve(ctx context.Context) error
	}

Return behavior:
  - Return nil: service stopped cleanly, will not be restarted
  - Return error: service crashed, will be restarted with backoff
  - Context canceled: shutdown requested, return promptly

Supervisor events (starts, stops, failures, backoff) are logged through the
sutureslog adapter, which feeds the application's zerolog pipeline via
logging.NewSlogLogger.
*/
package supervisor
