// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// convpicker autotunes the convolutions of a program described in YAML (see package hloyaml):
// it benchmarks the candidate algorithms of each distinct convolution on a backend, pins the
// fastest one, and optionally writes the rewritten program and persists the decisions.
//
// Usage:
//
//	convpicker tune --backend=simplego:workers=8 --cache-file=~/.cache/convpicker.json program.yaml
//	convpicker cache show ~/.cache/convpicker.json
//	convpicker backends
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	_ "github.com/gomlx/convpicker/backends/default"
	"github.com/janpfeifer/must"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

var verbosity int64

func main() {
	klog.InitFlags(nil)
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "convpicker",
		Usage: "Autotune the convolution algorithms of a program",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "verbosity",
				Aliases:     []string{"v"},
				Usage:       "klog verbosity: 1 logs the decision per convolution, 2 the timing of each candidate",
				Destination: &verbosity,
			},
		},
		Commands: []*cli.Command{
			tuneCmd(),
			cacheCmd(),
			backendsCmd(),
		},
	}
}

// setupLogging passes the verbosity flag along to klog.
func setupLogging() {
	must.M(flag.Set("v", strconv.FormatInt(verbosity, 10)))
}

func printf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, format, args...)
}
