// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

// Package logging provides centralized zerolog-based logging for Conduit.
//
// All components log through this package so that output format, level and
// context propagation are configured in exactly one place:
//
//   - Zero-allocation structured logging via zerolog
//   - JSON output for production, console output for development
//   - Context-aware logging with correlation ID propagation
//   - An adapter exposing the global logger as a watermill.LoggerAdapter
//   - An slog.Handler bridge for libraries that require log/slog (sutureslog)
//
// # Quick Start
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//
//	logging.Info().Msg("dispatcher starting")
//	logging.Ctx(ctx).Error().Err(err).Str("queue", q).Msg("handler failed")
//
// Always terminate log chains with .Msg() or .Send(); a chain without a
// terminator is silently dropped by zerolog.
package logging
