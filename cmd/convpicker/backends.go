// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"

	"github.com/gomlx/convpicker/backends"
	"github.com/urfave/cli/v3"
)

func backendsCmd() *cli.Command {
	return &cli.Command{
		Name:  "backends",
		Usage: "List the registered backends",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			setupLogging()
			for _, name := range backends.List() {
				printf("%s\n", name)
			}
			if config, found := os.LookupEnv(backends.ConfigEnvVar); found {
				printf("$%s=%q\n", backends.ConfigEnvVar, config)
			}
			return nil
		},
	}
}
