// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/elliptic"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/decred/dcrd/certgen"
	flags "github.com/jessevdk/go-flags"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

func usage(parser *flags.Parser) {
	parser.WriteHelp(os.Stderr)
	os.Exit(2)
}

type config struct {
	Hosts []string `short:"H" description:"hostname or IP certificate is valid for; may be specified multiple times"`
	Org   string   `short:"o" description:"organization"`
	Algo  string   `short:"a" description:"key algorithm (one of: P-256, P-384, P-521)"`
	Years int      `short:"y" description:"years certificate is valid for"`
	Force bool     `short:"f" description:"overwrite existing certs/keys"`
}

func main() {
	cfg := config{
		Algo:  "P-256",
		Years: 10,
		Org:   "anchord",
	}
	parser := flags.NewParser(&cfg, flags.Default)
	parser.Usage = "[OPTIONS] cert key"
	args, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) {
			if e.Type != flags.ErrHelp {
				os.Exit(1)
			}
			os.Exit(0)
		}
		os.Exit(1)
	}

	if len(args) != 2 {
		usage(parser)
	}
	certname, keyname := args[0], args[1]

	var curve elliptic.Curve
	switch cfg.Algo {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		fmt.Fprintf(os.Stderr, "unknown algorithm %q\n", cfg.Algo)
		usage(parser)
	}

	if !cfg.Force {
		for _, name := range []string{certname, keyname} {
			_, err := os.Stat(name)
			if err == nil {
				fatalf("%s already exists (use -f to overwrite)\n",
					name)
			}
		}
	}

	validUntil := time.Now().Add(time.Duration(cfg.Years) * 365 * 24 *
		time.Hour)
	cert, key, err := certgen.NewTLSCertPair(curve, cfg.Org, validUntil,
		cfg.Hosts)
	if err != nil {
		fatalf("unable to generate certificate pair: %v\n", err)
	}

	if err := os.WriteFile(certname, cert, 0644); err != nil {
		fatalf("unable to write %s: %v\n", certname, err)
	}
	if err := os.WriteFile(keyname, key, 0600); err != nil {
		os.Remove(certname)
		fatalf("unable to write %s: %v\n", keyname, err)
	}
}
