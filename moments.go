// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var ErrNoReplicates = errors.New("the number of samples does not exceed the rank of the design, so there are no replicates to estimate the dispersion; use a design with fewer variables")

// fitMomentsDispersions returns the method-of-moments dispersion of
// each column of normed (samples × genes). Genes with zero variance
// get 0.
func fitMomentsDispersions(normed *mat.Dense, sf []float64) []float64 {
	_, k := normed.Dims()
	var sInv float64
	for _, s := range sf {
		sInv += 1 / s
	}
	sInv /= float64(len(sf))
	out := make([]float64, k)
	col := make([]float64, len(sf))
	for j := 0; j < k; j++ {
		mat.Col(col, j, normed)
		mean, variance := stat.MeanVariance(col, nil)
		d := (variance - sInv*mean) / (mean * mean)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			d = 0
		}
		out[j] = d
	}
	return out
}

// fitRoughDispersions returns a robust method-of-moments dispersion
// of each gene: normalized counts are fitted by least squares on the
// design, the residual variance is estimated from the median
// absolute deviation of the residuals, and the Poisson part of the
// variance is subtracted.
func fitRoughDispersions(normed *mat.Dense, X *mat.Dense) ([]float64, error) {
	n, _ := X.Dims()
	p := matrixRank(X)
	if n <= p {
		return nil, ErrNoReplicates
	}
	fitted, err := olsFitted(X, normed)
	if err != nil {
		return nil, err
	}
	_, k := normed.Dims()
	out := make([]float64, k)
	resid := make([]float64, n)
	dof := float64(n) / float64(n-p)
	for j := 0; j < k; j++ {
		var yhatMean float64
		for i := 0; i < n; i++ {
			yhat := math.Max(fitted.At(i, j), 1)
			resid[i] = normed.At(i, j) - yhat
			yhatMean += yhat
		}
		yhatMean /= float64(n)
		sigma := mad(resid)
		d := (sigma*sigma*dof - yhatMean) / (yhatMean * yhatMean)
		if math.IsNaN(d) || d < 0 {
			d = 0
		}
		out[j] = d
	}
	return out, nil
}

// roughDispersions combines the rough and moments estimates by
// elementwise minimum and clips to [minDisp, maxDisp].
func roughDispersions(normed *mat.Dense, X *mat.Dense, sf []float64, minDisp, maxDisp float64) ([]float64, error) {
	rde, err := fitRoughDispersions(normed, X)
	if err != nil {
		return nil, err
	}
	mde := fitMomentsDispersions(normed, sf)
	out := make([]float64, len(rde))
	for j := range out {
		out[j] = clip(math.Min(rde[j], mde[j]), minDisp, maxDisp)
	}
	return out, nil
}

// robustMethodOfMomentsDisp is the dispersion used to scale Pearson
// residuals in Cook's distances. When some design cell has three or
// more replicates the variance is estimated within those cells,
// otherwise over all samples.
func robustMethodOfMomentsDisp(normed *mat.Dense, X mat.Matrix) []float64 {
	n, k := normed.Dims()
	threeOrMore := nOrMoreReplicates(X, 3)
	cells := designCells(X)
	var keep []int
	for i := 0; i < n; i++ {
		if threeOrMore[i] {
			keep = append(keep, i)
		}
	}
	// a floor this high keeps the other counts in an outlier's cell
	// from getting extreme Cook's distances
	const minDisp = 0.04
	out := make([]float64, k)
	col := make([]float64, n)
	for j := 0; j < k; j++ {
		mat.Col(col, j, normed)
		var v, m float64
		if len(keep) > 0 {
			x := make([]float64, len(keep))
			c := make([]string, len(keep))
			for t, i := range keep {
				x[t], c[t] = col[i], cells[i]
			}
			v = trimmedCellVariance(x, c)
			m = stat.Mean(x, nil)
		} else {
			v = trimmedVariance(col)
			m = stat.Mean(col, nil)
		}
		out[j] = math.Max((v-m)/(m*m), minDisp)
	}
	return out
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
