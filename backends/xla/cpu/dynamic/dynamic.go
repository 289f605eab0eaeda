// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dynamic links the XLA/PJRT CPU plugin dynamically (as in ".so" libraries) with your binary.
//
// The default is to load PJRT plugins only after the program starts, using unix `dlopen`.
// A binary built in this mode will fail to execute if the PJRT library is not available where the binary is
// being executed.
//
// To use it, import it:
//
//	import _ "github.com/gomlx/convpicker/backends/xla/cpu/dynamic"
//
// It also automatically includes the XLA backend ("github.com/gomlx/convpicker/backends/xla").
//
// See also github.com/gomlx/convpicker/backends/xla/cpu/static for static linking.
package dynamic

import (
	// Link XLA backend.
	_ "github.com/gomlx/convpicker/backends/xla"

	// Link CPU PJRT dynamically.
	_ "github.com/gomlx/gopjrt/pjrt/cpu/dynamic"
)
