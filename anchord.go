// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/anchornet/anchord/internal/version"
)

var cfg *config

// anchordMain is the real main function for anchord.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
func anchordMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	tcfg, _, err := loadConfig(appName)
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem.
	ctx := shutdownListener()
	defer anchLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	anchLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	anchLog.Infof("Home dir: %s", cfg.HomeDir)
	if cfg.NoFileLogging {
		anchLog.Info("File logging disabled")
	}

	// Return now if an interrupt signal was triggered during startup.
	if shutdownRequested(ctx) {
		return nil
	}

	// Create the server and all of its subsystems.
	svr, err := newServer(cfg)
	if err != nil {
		anchLog.Errorf("Unable to start server: %v", err)
		return err
	}
	if shutdownRequested(ctx) {
		return nil
	}

	// One-shot mode evaluates a single digest occurrence and exits.
	if cfg.RunJob != "" {
		err := svr.runJob(ctx, cfg.RunJob)
		if err != nil {
			anchLog.Errorf("Unable to run job for %s: %v",
				cfg.RunJob, err)
		}
		return err
	}

	// Run the server.  This blocks until the context is cancelled.
	return svr.Run(ctx)
}

func main() {
	// Work around defer not working after os.Exit()
	if err := anchordMain(); err != nil {
		os.Exit(1)
	}
}
