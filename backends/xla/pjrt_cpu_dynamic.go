//go:build pjrt_cpu_dynamic

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Set `pjrt_cpu_dynamic` to include the package that pre-links the PJRT CPU plugin dynamically.

package xla

import (
	// Link CPU PJRT dynamically: works on Mac.
	_ "github.com/gomlx/gopjrt/pjrt/cpu/dynamic"
)
