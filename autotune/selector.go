// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autotune

// SelectBest returns the successful result with the smallest Duration. Ties are broken by the
// algorithm order (hlo.AlgorithmDesc.Less), so the selection is deterministic.
//
// If no result succeeded it returns a *NoViableAlgorithmError listing all results.
func SelectBest(results []Result) (Result, error) {
	var best Result
	found := false
	for _, r := range results {
		if !r.Ok() {
			continue
		}
		if !found || r.Duration < best.Duration || (r.Duration == best.Duration && r.Algorithm.Less(best.Algorithm)) {
			best = r
			found = true
		}
	}
	if !found {
		return Result{}, &NoViableAlgorithmError{Failures: results}
	}
	return best, nil
}
