// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable references for Matrix
// identifiers: user IDs, room IDs, room aliases, and event IDs.
//
// All constructors validate the structural format defined by the Matrix
// spec (sigil prefix, localpart, server name where applicable) and
// return errors for invalid input. Once constructed, a ref is immutable
// and its accessors are allocation-free.
//
// Identifiers arrive from two boundaries: configuration (user-supplied
// room IDs and aliases, the bot's own MXID) and homeserver responses
// (sync payloads, send acknowledgements). Both are parsed into these
// types at the boundary; the rest of the code never handles raw
// identifier strings.
//
// JSON marshaling uses the canonical Matrix form via
// encoding.TextMarshaler, so sync response maps keyed by room ID
// deserialize with validation for free.
package ref
