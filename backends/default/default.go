// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends, namely XLA and SimpleGo.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/convpicker/backends/default"
//
// If you add the tag `noxla` it will not include xla -- useful if you don't have the corresponding libraries installed.
//
// SimpleGo is registered first, so it is the default backend unless CONVPICKER_BACKEND says otherwise.
package _default

import (
	_ "github.com/gomlx/convpicker/backends/simplego"
)
