// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/gomlx/convpicker/autotune"
	"github.com/gomlx/convpicker/autotune/cachefile"
	"github.com/gomlx/convpicker/ui/commandline"
	"github.com/urfave/cli/v3"
)

func cacheCmd() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect autotune cache files",
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "List the decisions stored in a cache file",
				ArgsUsage: "<cache.json>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					setupLogging()
					if cmd.Args().Len() != 1 {
						return cli.Exit("cache show requires exactly one cache file", 1)
					}
					path := expandHome(cmd.Args().First())
					cache := autotune.NewCache()
					n, err := cachefile.Load(path, cache)
					if err != nil {
						return err
					}
					printf("%s\n%d decisions in %q\n", commandline.CacheTable(cache.Entries()), n, path)
					return nil
				},
			},
		},
	}
}
