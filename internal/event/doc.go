// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package event implements the signed-event primitives of the notification
network anchord serves.

An event is a flat record of public key, creation time, kind, tag list, and
free-form content, identified by the sha256 hash of its canonical
serialization and authenticated by an EC-Schnorr signature over that hash.
The package also provides the filter type used to request events from
relays, including deterministic filter fingerprints which the multiplexing
layer relies on to deduplicate identical upstream subscriptions.
*/
package event
