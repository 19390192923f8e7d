// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// trimmedMean returns the mean of x after dropping
// floor(trim*len(x)) values from each end of the sorted data.
func trimmedMean(x []float64, trim float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	cut := int(trim * float64(len(sorted)))
	sorted = sorted[cut : len(sorted)-cut]
	if len(sorted) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

// madScale makes the median absolute deviation a consistent
// estimator of the standard deviation for normal data.
var madScale = 1 / distuv.UnitNormal.Quantile(0.75)

// mad returns the scaled median absolute deviation of x.
func mad(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	d, err := stats.MedianAbsoluteDeviationPopulation(stats.Float64Data(x))
	if err != nil {
		return math.NaN()
	}
	return d * madScale
}

func median(x []float64) float64 {
	m, err := stats.Median(stats.Float64Data(x))
	if err != nil {
		return math.NaN()
	}
	return m
}

// trigamma returns the second derivative of log Γ at x > 0.
func trigamma(x float64) float64 {
	if x <= 0 || math.IsNaN(x) {
		return math.NaN()
	}
	var acc float64
	for x < 6 {
		acc += 1 / (x * x)
		x++
	}
	x2 := 1 / (x * x)
	// asymptotic expansion with Bernoulli numbers B2..B10
	acc += 1/x + x2/2 + (1/x)*x2*(1.0/6-x2*(1.0/30-x2*(1.0/42-x2*(1.0/30-x2*5.0/66))))
	return acc
}

// designCells returns, for each row of X, a key identifying the
// distinct combination of covariate values it holds.
func designCells(X mat.Matrix) []string {
	n, p := X.Dims()
	cells := make([]string, n)
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.Reset()
		for j := 0; j < p; j++ {
			fmt.Fprintf(&sb, "%g_", X.At(i, j))
		}
		cells[i] = sb.String()
	}
	return cells
}

// nOrMoreReplicates reports, for each sample, whether at least n
// samples share its row of the design matrix.
func nOrMoreReplicates(X mat.Matrix, n int) []bool {
	cells := designCells(X)
	count := map[string]int{}
	for _, c := range cells {
		count[c]++
	}
	out := make([]bool, len(cells))
	for i, c := range cells {
		out[i] = count[c] >= n
	}
	return out
}

// distinctRows returns the number of distinct rows of X.
func distinctRows(X mat.Matrix) int {
	seen := map[string]bool{}
	for _, c := range designCells(X) {
		seen[c] = true
	}
	return len(seen)
}

// trimmedVariance is a robust variance estimate: 1.51 times the
// trimmed mean of squared deviations from the trimmed mean.
func trimmedVariance(x []float64) float64 {
	const trim = 0.125
	m := trimmedMean(x, trim)
	sq := make([]float64, len(x))
	for i, v := range x {
		sq[i] = (v - m) * (v - m)
	}
	return 1.51 * trimmedMean(sq, trim)
}

// trimmedCellVariance estimates a robust variance within each design
// cell, with trimming and scaling depending on the cell size, and
// returns the largest one.
func trimmedCellVariance(x []float64, cells []string) float64 {
	trimRatio := [3]float64{1.0 / 3, 1.0 / 4, 1.0 / 8}
	scale := [3]float64{2.04, 1.86, 1.51}
	bucket := func(n int) int {
		switch {
		case float64(n) >= 23.5:
			return 2
		case float64(n) >= 3.5:
			return 1
		default:
			return 0
		}
	}
	groups := map[string][]float64{}
	var order []string
	for i, c := range cells {
		if _, ok := groups[c]; !ok {
			order = append(order, c)
		}
		groups[c] = append(groups[c], x[i])
	}
	best := math.Inf(-1)
	for _, c := range order {
		vals := groups[c]
		b := bucket(len(vals))
		m := trimmedMean(vals, trimRatio[b])
		sq := make([]float64, len(vals))
		for i, v := range vals {
			sq[i] = (v - m) * (v - m)
		}
		if v := scale[b] * trimmedMean(sq, trimRatio[b]); v > best {
			best = v
		}
	}
	return best
}
