// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the subset of the Matrix client-server API
// the bot needs: login, sync long-polling, alias resolution, room
// joins, and event sending.
//
// [Client] is an unauthenticated Matrix client holding the homeserver
// URL and HTTP transport. Login and SessionFromToken return
// authenticated [DirectSession] values that share the Client's
// transport.
//
// [SyncStream] consumes the /sync long-poll loop for a fixed set of
// rooms, restricted to timeline message events via an inline JSON
// filter. It resumes from a saved position token, so a restart picks
// up where the previous run stopped.
//
// The access token lives in mmap-backed secret.Buffer memory, locked
// against swap and excluded from core dumps; callers must call
// Session.Close to release it.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_UNKNOWN_TOKEN, etc.) and HTTP
// status code. [IsMatrixError] tests for a specific code. Request URLs
// are built by string concatenation rather than url.URL to avoid
// double-encoding of path segments that contain URL-encoded
// characters.
package messaging
