// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

import (
	_ "embed"
)

// sampleAnchordConf is a string containing the commented example config for
// anchord.
//
//go:embed sample-anchord.conf
var sampleAnchordConf string

// Anchord returns a string containing the commented example config for
// anchord.
func Anchord() string {
	return sampleAnchordConf
}
