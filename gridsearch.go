// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// gridFitBeta minimizes the ridge-penalized NB negative
// log-likelihood of a one- or two-coefficient model by exhaustive
// search: a coarse grid over [minBeta, maxBeta], then a fine grid
// spanning one coarse step on either side of the coarse minimum.
func gridFitBeta(counts, offset, sf []float64, X *mat.Dense, disp float64, cfg irlsConfig) []float64 {
	_, p := X.Dims()
	length := cfg.gridLength
	if length < 3 {
		length = 3
	}
	coarse := floats.Span(make([]float64, length), cfg.minBeta, cfg.maxBeta)
	delta := coarse[1] - coarse[0]

	if p == 1 {
		best := gridMin1(counts, offset, sf, X, disp, cfg.minMu, coarse)
		fine := floats.Span(make([]float64, length), best-delta, best+delta)
		return []float64{gridMin1(counts, offset, sf, X, disp, cfg.minMu, fine)}
	}
	bx, by := gridMin2(counts, offset, sf, X, disp, cfg.minMu, coarse, coarse)
	fineX := floats.Span(make([]float64, length), bx-delta, bx+delta)
	fineY := floats.Span(make([]float64, length), by-delta, by+delta)
	bx, by = gridMin2(counts, offset, sf, X, disp, cfg.minMu, fineX, fineY)
	return []float64{bx, by}
}

func gridLoss(counts []float64, mus [][]float64, disp float64, betas [][]float64) []float64 {
	loss := nbNLLGrid(counts, mus, []float64{disp})
	for g, beta := range betas {
		var pen float64
		for _, b := range beta {
			pen += ridgeFactor * b * b
		}
		loss[g] += 0.5 * pen
	}
	return loss
}

func gridMin1(counts, offset, sf []float64, X *mat.Dense, disp, minMu float64, grid []float64) float64 {
	mus := make([][]float64, len(grid))
	betas := make([][]float64, len(grid))
	for g, b := range grid {
		betas[g] = []float64{b}
		mus[g] = glmMu(nil, X, betas[g], offset, sf, minMu)
	}
	return grid[floats.MinIdx(gridLoss(counts, mus, disp, betas))]
}

func gridMin2(counts, offset, sf []float64, X *mat.Dense, disp, minMu float64, xgrid, ygrid []float64) (float64, float64) {
	bestLoss := 0.0
	bx, by := xgrid[0], ygrid[0]
	mus := make([][]float64, len(ygrid))
	betas := make([][]float64, len(ygrid))
	for i, x := range xgrid {
		for g, y := range ygrid {
			betas[g] = []float64{x, y}
			mus[g] = glmMu(mus[g], X, betas[g], offset, sf, minMu)
		}
		loss := gridLoss(counts, mus, disp, betas)
		g := floats.MinIdx(loss)
		if i == 0 || loss[g] < bestLoss {
			bestLoss, bx, by = loss[g], x, ygrid[g]
		}
	}
	return bx, by
}
