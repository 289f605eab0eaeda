// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io/fs"
	"os"
	"sync"

	"github.com/gomlx/convpicker/autotune"
	"github.com/gomlx/convpicker/autotune/cachefile"
	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/backends/simplego"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/hlo/hloyaml"
	"github.com/gomlx/convpicker/ui/commandline"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

type tuneOptions struct {
	configPath  string
	backend     string
	cacheFile   string
	output      string
	parallelism int64
	repetitions int64
	noWarmup    bool
	crossCheck  float64
	disable     []string
	verbose     bool
	noProgress  bool
}

func tuneCmd() *cli.Command {
	var opts tuneOptions
	return &cli.Command{
		Name:      "tune",
		Usage:     "Autotune the convolutions of a YAML program",
		ArgsUsage: "<program.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "YAML configuration file with defaults for the flags",
				Value:       defaultConfigPath(),
				Destination: &opts.configPath,
			},
			&cli.StringFlag{
				Name:        "backend",
				Aliases:     []string{"b"},
				Usage:       "backend configuration \"<backend>:<config>\", e.g. \"simplego:workers=4\" or \"xla:cpu\". Defaults to $" + backends.ConfigEnvVar,
				Destination: &opts.backend,
			},
			&cli.StringFlag{
				Name:        "cache-file",
				Usage:       "JSON file with previous decisions: it is loaded (if it exists) before tuning and saved after",
				Destination: &opts.cacheFile,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write the rewritten program, with the algorithms pinned, to this YAML file",
				Destination: &opts.output,
			},
			&cli.Int64Flag{
				Name:        "parallelism",
				Aliases:     []string{"p"},
				Usage:       "number of distinct convolutions benchmarked concurrently",
				Value:       1,
				Destination: &opts.parallelism,
			},
			&cli.Int64Flag{
				Name:        "repetitions",
				Aliases:     []string{"r"},
				Usage:       "number of timed runs of each candidate algorithm",
				Value:       5,
				Destination: &opts.repetitions,
			},
			&cli.BoolFlag{
				Name:        "no-warmup",
				Usage:       "don't run each candidate once before timing it",
				Destination: &opts.noWarmup,
			},
			&cli.Float64Flag{
				Name:        "cross-check",
				Usage:       "if > 0, disqualify candidates whose output differs from the first successful one by more than this relative tolerance",
				Destination: &opts.crossCheck,
			},
			&cli.StringSliceFlag{
				Name:        "disable",
				Usage:       "algorithms never to be picked, e.g. \"1+TC\"",
				Destination: &opts.disable,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Usage:       "print the benchmark results of every candidate algorithm",
				Destination: &opts.verbose,
			},
			&cli.BoolFlag{
				Name:        "no-progress",
				Usage:       "don't display a progress bar",
				Destination: &opts.noProgress,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			setupLogging()
			if cmd.Args().Len() != 1 {
				return cli.Exit("tune requires exactly one program file, see \"convpicker tune --help\"", 1)
			}
			cfg, err := LoadConfig(opts.configPath, cmd.IsSet("config"))
			if err != nil {
				return err
			}
			cfg.apply(cmd, &opts)
			return tune(ctx, cmd.Args().First(), &opts)
		},
	}
}

func newBackend(config string) (backends.Backend, error) {
	if config == "" {
		return backends.New()
	}
	return backends.NewWithConfig(config)
}

// algorithmNameFn returns a function that describes the algorithms of the backend, if it has one.
func algorithmNameFn(backend backends.Backend) func(hlo.AlgorithmDesc) string {
	if backend.Name() == simplego.BackendName {
		return simplego.AlgorithmName
	}
	return nil
}

func (opts *tuneOptions) pickerOptions() ([]autotune.Option, error) {
	var disabled []hlo.AlgorithmDesc
	for _, s := range opts.disable {
		algo, err := hlo.ParseAlgorithmDesc(s)
		if err != nil {
			return nil, err
		}
		if algo.IsSearch() {
			return nil, errors.Errorf("invalid algorithm %q to disable", s)
		}
		disabled = append(disabled, algo)
	}
	options := []autotune.Option{
		autotune.WithParallelism(int(opts.parallelism)),
		autotune.WithRepetitions(int(opts.repetitions)),
		autotune.WithWarmup(!opts.noWarmup),
		autotune.WithDisabledAlgorithms(disabled...),
	}
	if opts.crossCheck > 0 {
		options = append(options, autotune.WithCrossCheck(opts.crossCheck))
	}
	return options, nil
}

func tune(ctx context.Context, programPath string, opts *tuneOptions) error {
	module, err := hloyaml.LoadFile(expandHome(programPath))
	if err != nil {
		return err
	}
	options, err := opts.pickerOptions()
	if err != nil {
		return err
	}
	backend, err := newBackend(opts.backend)
	if err != nil {
		return err
	}
	defer backend.Finalize()
	algorithmName := algorithmNameFn(backend)
	klog.V(1).Infof("backend: %s", backend.Description())

	cache := autotune.NewCache()
	cacheFile := expandHome(opts.cacheFile)
	if cacheFile != "" {
		n, err := cachefile.Load(cacheFile, cache)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			klog.V(1).Infof("cache file %q doesn't exist yet", cacheFile)
		case err != nil:
			return err
		default:
			printf("Loaded %d decisions from %q\n", n, cacheFile)
		}
	}

	var pBar *commandline.ProgressBar
	if !opts.noProgress {
		pBar = commandline.NewProgressBar(os.Stderr)
		options = append(options, autotune.WithProgress(pBar.Update))
	}
	if opts.verbose {
		var mu sync.Mutex
		options = append(options, autotune.WithResultLogger(func(instr *hlo.Instruction, _ autotune.Fingerprint, results []autotune.Result) {
			mu.Lock()
			defer mu.Unlock()
			printf("%s\n", commandline.ResultsTable(instr, results, algorithmName))
		}))
	}

	picker := autotune.NewPicker(backend, cache, options...)
	changed, err := picker.Run(ctx, module)
	if pBar != nil {
		pBar.Finish()
	}
	if err != nil {
		return err
	}

	picks, err := collectPicks(picker, module)
	if err != nil {
		return err
	}
	printf("%s\n", commandline.PicksTable(picks, algorithmName))
	printf("Module changed: %v; cache: %d entries, %d hits, %d misses (session %s)\n",
		changed, cache.Len(), cache.Hits(), cache.Misses(), cache.SessionID())

	if opts.output != "" {
		if err := hloyaml.WriteFile(expandHome(opts.output), module); err != nil {
			return err
		}
		printf("Rewritten program written to %q\n", opts.output)
	}
	if cacheFile != "" {
		if err := cachefile.Save(cacheFile, cache); err != nil {
			return err
		}
	}
	return nil
}

// collectPicks returns the algorithm pinned to each convolution of the module. Convolutions that
// were already pinned in the program, and hence not in the cache, are reported with no duration.
func collectPicks(picker *autotune.Picker, module *hlo.Module) ([]commandline.Pick, error) {
	var picks []commandline.Pick
	for _, instr := range module.Instructions() {
		if !instr.Kind.IsConvolution() {
			continue
		}
		fp, err := picker.Fingerprint(instr)
		if err != nil {
			return nil, err
		}
		result, found := picker.Cache().Get(fp)
		if !found || result.Algorithm != instr.Backend.Algorithm {
			result = autotune.Result{Algorithm: instr.Backend.Algorithm, ScratchBytes: instr.Backend.ScratchBytes}
		}
		picks = append(picks, commandline.Pick{Instruction: instr, Fingerprint: fp, Result: result})
	}
	return picks, nil
}
