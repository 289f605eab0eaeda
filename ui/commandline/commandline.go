// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for the
// autotuning, and tables with the picked algorithms and the benchmark results.
package commandline

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/convpicker/autotune"
	"github.com/gomlx/convpicker/hlo"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	failureStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#D05050")).Padding(0, 1)
	tableBorderColor  = "#705090"
)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(headers...)
}

// Pick is the algorithm picked for one convolution instruction.
type Pick struct {
	Instruction *hlo.Instruction
	Fingerprint autotune.Fingerprint
	Result      autotune.Result
}

// PicksTable renders a table with one row per picked convolution.
//
// algorithmName is optional, and used to display the algorithms. E.g.: simplego.AlgorithmName.
func PicksTable(picks []Pick, algorithmName func(hlo.AlgorithmDesc) string) string {
	table := newTable("Instruction", "Kind", "Fingerprint", "Algorithm", "Scratch", "Duration").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col >= 4:
				return rightAlignedStyle
			default:
				return normalStyle
			}
		})
	for _, pick := range picks {
		table.Row(
			pick.Instruction.Name,
			pick.Instruction.Kind.String(),
			pick.Fingerprint.Hash(),
			formatAlgorithm(pick.Result.Algorithm, algorithmName),
			humanize.IBytes(uint64(max(pick.Result.ScratchBytes, 0))),
			FormatDuration(pick.Result.Duration))
	}
	return table.String()
}

// ResultsTable renders the benchmark results of all candidate algorithms of one convolution.
func ResultsTable(instr *hlo.Instruction, results []autotune.Result, algorithmName func(hlo.AlgorithmDesc) string) string {
	failedRows := make(map[int]bool)
	table := newTable("Algorithm", "Scratch", "Duration", "Runs", "Status")
	for ii, result := range results {
		status := "ok"
		if !result.Ok() {
			failedRows[ii] = true
			status = fmt.Sprintf("%s: %s", result.Failure.Kind, result.Failure.Message)
		}
		table.Row(
			formatAlgorithm(result.Algorithm, algorithmName),
			humanize.IBytes(uint64(max(result.ScratchBytes, 0))),
			FormatDuration(result.Duration),
			humanize.Comma(int64(len(result.Runs))),
			status)
	}
	table.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == lgtable.HeaderRow:
			return headerStyle
		case col == 4 && failedRows[row]:
			return failureStyle
		case col >= 1 && col <= 3:
			return rightAlignedStyle
		default:
			return normalStyle
		}
	})
	return fmt.Sprintf("%s (%s):\n%s", instr.Name, instr.Kind, table.String())
}

func formatAlgorithm(algo hlo.AlgorithmDesc, algorithmName func(hlo.AlgorithmDesc) string) string {
	if algorithmName == nil {
		return algo.String()
	}
	return fmt.Sprintf("%s (%s)", algo, algorithmName(algo))
}

// CacheTable renders the entries of an autotune cache, one row per fingerprint.
func CacheTable(entries []autotune.Entry) string {
	table := newTable("Hash", "Algorithm", "Scratch", "Duration", "Fingerprint").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 2 || col == 3:
				return rightAlignedStyle
			default:
				return normalStyle
			}
		})
	for _, e := range entries {
		table.Row(
			e.Fingerprint.Hash(),
			e.Result.Algorithm.String(),
			humanize.IBytes(uint64(max(e.Result.ScratchBytes, 0))),
			FormatDuration(e.Result.Duration),
			string(e.Fingerprint))
	}
	return table.String()
}
