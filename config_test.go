// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"os"
	"strings"
	"testing"
)

// In order to test command line arguments you will need to append the flags
// to the os.Args variable like so:
// os.Args = append(os.Args, "--upstream=wss://relay.example.com")
// For environment variables you can use
// os.Setenv("ANCHORD_ALT_DNSNAMES", "hostname1,hostname2") to set the
// variable before loadConfig() is called.

// setup resets the command line to the bare binary name plus the minimum
// required flags so individual tests can append their own.  It isolates the
// test from the host's default config file and home directory.
func setup(t *testing.T) {
	t.Helper()

	// Parse the -test.* flags before removing them from the command line
	// arguments list, which we do to allow go-flags to succeed.
	flag.Parse()
	old := os.Args
	t.Cleanup(func() { os.Args = old })
	os.Args = append(os.Args[:1:1],
		"--appdata="+t.TempDir(),
		"--nofilelogging",
		"--upstream=wss://relay.example.com",
	)
}

func TestLoadConfig(t *testing.T) {
	setup(t)
	_, _, err := loadConfig("anchord")
	if err != nil {
		t.Fatalf("Failed to load anchord config: %v", err)
	}
}

func TestLoadConfigRequiresUpstream(t *testing.T) {
	setup(t)
	os.Args = os.Args[:len(os.Args)-1]
	_, _, err := loadConfig("anchord")
	if err == nil {
		t.Fatal("loadConfig succeeded without any upstream relay")
	}
}

func TestLoadConfigRejectsBadUpstream(t *testing.T) {
	setup(t)
	os.Args = append(os.Args, "--upstream=https://relay.example.com")
	_, _, err := loadConfig("anchord")
	if err == nil {
		t.Fatal("loadConfig accepted a non-websocket upstream URL")
	}
}

func TestLoadConfigRejectsShortInterval(t *testing.T) {
	setup(t)
	os.Args = append(os.Args, "--mininterval=10s")
	_, _, err := loadConfig("anchord")
	if err == nil {
		t.Fatal("loadConfig accepted a sub-minute digest interval")
	}
}

func TestDefaultListeners(t *testing.T) {
	setup(t)
	cfg, _, err := loadConfig("anchord")
	if err != nil {
		t.Fatalf("Failed to load anchord config: %v", err)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0] != defaultListenAddr {
		t.Errorf("Invalid default listeners: %v", cfg.Listeners)
	}
}

func TestAltDNSNamesWithEnv(t *testing.T) {
	setup(t)
	os.Setenv("ANCHORD_ALT_DNSNAMES", "hostname1,hostname2")
	t.Cleanup(func() { os.Unsetenv("ANCHORD_ALT_DNSNAMES") })
	cfg, _, err := loadConfig("anchord")
	if err != nil {
		t.Fatalf("Failed to load anchord config: %v", err)
	}
	hostnames := strings.Join(cfg.AltDNSNames, ",")
	if hostnames != "hostname1,hostname2" {
		t.Errorf("altDNSNames should be %s but was %s",
			"hostname1,hostname2", hostnames)
	}
}
