// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, portable, pure Go backend with several convolution algorithms,
// whose relative speed depends on the convolution shapes and on the host: a direct loop,
// im2col followed by a GEMM (with an optional reduced precision fast path) and parallel versions
// of both.
//
// It supports float32 and float64 (the GEMM algorithms only float32), and no batch grouping.
package simplego

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/device"
	"github.com/gomlx/convpicker/hlo"
	"github.com/gomlx/convpicker/internal/workerspool"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// BackendName to be used in CONVPICKER_BACKEND to specify this backend.
const BackendName = "simplego"

// Registers New() as the default constructor for "simplego" backend.
func init() {
	backends.Register(BackendName, New)
}

// Algorithm ids of the simplego backend.
const (
	// AlgoDirect loops over every output element and kernel tap. Supports all convolution kinds.
	AlgoDirect int64 = iota

	// AlgoIm2colGemm lays out the input patches of one image as the columns of a matrix, and
	// multiplies the kernel matrix by it. Forward float32 convolutions only. With TensorOps the
	// matrices are rounded to float16 before the multiplication.
	AlgoIm2colGemm

	// AlgoIm2colGemmParallel is AlgoIm2colGemm with the images split among the workers.
	AlgoIm2colGemmParallel

	// AlgoDirectParallel is AlgoDirect with the batch split among the workers. For backward-filter
	// convolutions each worker accumulates a partial kernel gradient in the scratch space.
	AlgoDirectParallel
)

var algorithmNames = map[int64]string{
	AlgoDirect:             "direct",
	AlgoIm2colGemm:         "im2col-gemm",
	AlgoIm2colGemmParallel: "im2col-gemm-parallel",
	AlgoDirectParallel:     "direct-parallel",
}

// AlgorithmName returns a human-readable name for the simplego algorithm.
func AlgorithmName(algo hlo.AlgorithmDesc) string {
	name, found := algorithmNames[algo.ID]
	if !found {
		return "unknown"
	}
	if algo.TensorOps {
		name += "+fp16"
	}
	return name
}

// Backend implements the backends.Backend interface.
type Backend struct {
	executor *device.Executor
	pool     *workerspool.Pool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new SimpleGo Backend.
//
// The config string is a comma-separated list of options:
//   - "workers=N": number of workers used by the parallel algorithms. Default is runtime.NumCPU().
//   - "budget=SIZE": limit of memory (e.g. "512MiB") of the default allocator. Default is unlimited.
//
// Example: backends.NewWithConfig("simplego:workers=4,budget=1GiB")
func New(config string) (backends.Backend, error) {
	workers := runtime.NumCPU()
	var budget int64
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "workers":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("invalid number of workers in %q for %s backend", part, BackendName)
			}
			workers = n
		case "budget":
			n, err := humanize.ParseBytes(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid memory budget in %q for %s backend", part, BackendName)
			}
			budget = int64(n)
		default:
			return nil, errors.Errorf("unknown configuration option %q for %s backend", part, BackendName)
		}
	}
	return newBackend(workers, budget), nil
}

func newBackend(workers int, budget int64) *Backend {
	capability := fmt.Sprintf("cpu/%s/workers=%d", runtime.GOARCH, workers)
	return &Backend{
		executor: device.NewExecutor(0, "cpu", capability, budget),
		pool:     workerspool.NewWithParallelism(workers),
	}
}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simple Go Portable Backend (%d workers)", b.pool.MaxParallelism())
}

// Executor implements backends.Backend.
func (b *Backend) Executor() *device.Executor {
	return b.executor
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {}

// Candidates implements backends.Backend.
func (b *Backend) Candidates(instr *hlo.Instruction) ([]hlo.AlgorithmDesc, error) {
	g, err := newConvGeometry(instr)
	if err != nil {
		return nil, err
	}
	candidates := []hlo.AlgorithmDesc{{ID: AlgoDirect}}
	if g.supportsIm2col() {
		candidates = append(candidates,
			hlo.AlgorithmDesc{ID: AlgoIm2colGemm},
			hlo.AlgorithmDesc{ID: AlgoIm2colGemm, TensorOps: true},
			hlo.AlgorithmDesc{ID: AlgoIm2colGemmParallel})
	}
	candidates = append(candidates, hlo.AlgorithmDesc{ID: AlgoDirectParallel})
	return candidates, nil
}

// supports returns whether the algorithm can execute the convolution.
func (g *convGeometry) supports(algo hlo.AlgorithmDesc) bool {
	switch algo.ID {
	case AlgoDirect, AlgoDirectParallel:
		return !algo.TensorOps
	case AlgoIm2colGemm:
		return g.supportsIm2col()
	case AlgoIm2colGemmParallel:
		return !algo.TensorOps && g.supportsIm2col()
	default:
		return false
	}
}

// supportsIm2col returns whether the GEMM based algorithms can execute the convolution.
func (g *convGeometry) supportsIm2col() bool {
	return g.dtype == dtypes.Float32 && g.groups == 1 &&
		(g.kind == hlo.KindConvForward || g.kind == hlo.KindConvBiasActivationForward)
}
