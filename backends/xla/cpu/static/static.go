// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package static links the XLA/PJRT CPU plugin statically with your binary.
//
// This is slower to build than dynamically (pre-)linking, but it may be convenient because the binary won't depend
// on other files to run -- except the standard C/C++ libraries, but those are usually available in most boxes.
//
// To use it, import it:
//
//	import _ "github.com/gomlx/convpicker/backends/xla/cpu/static"
//
// It also automatically includes the XLA backend ("github.com/gomlx/convpicker/backends/xla").
package static

import (
	// Link XLA backend.
	_ "github.com/gomlx/convpicker/backends/xla"

	// Link CPU PJRT statically.
	_ "github.com/gomlx/gopjrt/pjrt/cpu/static"
)
