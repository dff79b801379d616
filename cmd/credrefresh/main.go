// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/alecthomas/kong"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/envoyproxy/credrefresh/internal/version"
)

type (
	cmd struct {
		Version struct{} `cmd:"" help:"Show version."`
		Run     cmdRun   `cmd:"" help:"Keep a credential fresh and publish it to subscribers until interrupted."`
	}
	cmdRun struct {
		Config   string `name:"config" short:"c" required:"" type:"existingfile" help:"Path to the YAML configuration file."`
		LogLevel string `name:"log-level" default:"info" enum:"debug,info,warn,error" help:"Log level. One of 'debug', 'info', 'warn', or 'error'."`
	}
)

// runFn is the entry point of the run command, replaceable in tests.
type runFn func(ctx context.Context, c cmdRun, stdout, stderr io.Writer) error

func main() {
	doMain(ctrl.SetupSignalHandler(), os.Stdout, os.Stderr, os.Args[1:], run)
}

func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, rf runFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("credrefresh"),
		kong.Description("Keeps short-lived cache credentials fresh ahead of their expiry."),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch kctx.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "credrefresh: %s\n", version.Parse())
	case "run":
		if err = rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	default:
		panic("unreachable")
	}
}
