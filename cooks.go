// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
)

// outlierQuantile is the F-distribution quantile above which a Cook's
// distance marks a count as an outlier.
const outlierQuantile = 0.99

// fQuantile returns the p quantile of the F(d1, d2) distribution, or
// +Inf when d2 < 1.
func fQuantile(p float64, d1, d2 int) float64 {
	if d1 < 1 || d2 < 1 {
		return math.Inf(1)
	}
	x := mathext.InvRegIncBeta(float64(d1)/2, float64(d2)/2, p)
	if x >= 1 {
		return math.Inf(1)
	}
	return float64(d2) * x / (float64(d1) * (1 - x))
}

// cooksDistances returns r²/(τ·p) · H/(1-H)² for every entry, where
// r = y - μ, τ = μ + disp·μ², and H is the leverage. disp is the
// robust per-gene dispersion.
func cooksDistances(counts, mu, hat *mat.Dense, disp []float64, p int) *mat.Dense {
	n, k := counts.Dims()
	out := mat.NewDense(n, k, nil)
	out.Apply(func(i, j int, y float64) float64 {
		m := mu.At(i, j)
		h := hat.At(i, j)
		r := y - m
		tau := m + disp[j]*m*m
		return r * r / (tau * float64(p)) * h / ((1 - h) * (1 - h))
	}, counts)
	return out
}

// CalculateCooks computes Cook's distances of the LFC fit, using the
// robust method-of-moments dispersion for the variance.
func (p *Pipeline) CalculateCooks() error {
	if err := p.require(StageLFC, "Cook's distances"); err != nil {
		return err
	}
	return p.timed("Calculating cook's distance...", func() error {
		if len(p.nonZeroIdx) > 0 {
			_, nVars := p.design.X.Dims()
			normed := selectColumns(p.normed, p.nonZeroIdx)
			disp := robustMethodOfMomentsDisp(normed, p.design.X)
			cooks := cooksDistances(
				selectColumns(p.ds.Counts, p.nonZeroIdx),
				selectColumns(p.res.Mu, p.nonZeroIdx),
				selectColumns(p.res.HatDiagonals, p.nonZeroIdx),
				disp, nVars)
			scatterColumns(p.res.Cooks, p.nonZeroIdx, cooks)
		}
		p.stage = StageCooks
		return nil
	})
}
