// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mux multiplexes logical event subscriptions over a bounded set of
upstream relay sockets.

Each remote endpoint gets exactly one websocket, owned by a Socket that
transparently reconnects with backoff.  An Adapter sits on top of each
socket and deduplicates outbound subscriptions: filters are keyed by a
deterministic fingerprint, the fingerprint doubles as the wire-level
subscription id, and an interested set of logical subscription ids is
reference counted per fingerprint.  The first logical subscriber for a
fingerprint opens the wire subscription and the last one to leave closes
it, so the number of wire subscriptions on a socket is bounded by the
number of distinct filters rather than the number of listeners.  Inbound
frames are fanned out to every logical subscriber registered for their
fingerprint in the order the socket received them.
*/
package mux
