// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

var errNoReferenceGenes = errors.New("no genes are usable as size factor references")

// controlMask returns a per-gene mask that is true for the genes
// listed in control, or for every gene if control is empty.
func controlMask(k int, control []int) []bool {
	mask := make([]bool, k)
	for j := range mask {
		mask[j] = len(control) == 0
	}
	for _, j := range control {
		if j >= 0 && j < k {
			mask[j] = true
		}
	}
	return mask
}

func everyGeneHasZero(counts *mat.Dense) bool {
	n, k := counts.Dims()
	for j := 0; j < k; j++ {
		zero := false
		for i := 0; i < n && !zero; i++ {
			zero = counts.At(i, j) == 0
		}
		if !zero {
			return false
		}
	}
	return true
}

// ratioSizeFactors computes median-of-ratios size factors against
// the per-gene geometric mean. Genes with a zero count in any sample
// have an infinite log mean and are skipped.
func ratioSizeFactors(counts *mat.Dense, control []int) ([]float64, error) {
	n, k := counts.Dims()
	mask := controlMask(k, control)
	logmeans := make([]float64, k)
	for j := 0; j < k; j++ {
		var s float64
		for i := 0; i < n; i++ {
			s += math.Log(counts.At(i, j))
		}
		logmeans[j] = s / float64(n)
		mask[j] = mask[j] && !math.IsInf(logmeans[j], 0)
	}
	sf := make([]float64, n)
	ratios := make([]float64, 0, k)
	for i := 0; i < n; i++ {
		ratios = ratios[:0]
		for j := 0; j < k; j++ {
			if mask[j] {
				ratios = append(ratios, math.Log(counts.At(i, j))-logmeans[j])
			}
		}
		if len(ratios) == 0 {
			return nil, errNoReferenceGenes
		}
		sf[i] = math.Exp(median(ratios))
	}
	return sf, nil
}

// posCountsSizeFactors computes size factors from the geometric mean
// of positive counts, ignoring zeros in each sample, and scales them
// to a geometric mean of 1.
func posCountsSizeFactors(counts *mat.Dense, control []int) ([]float64, error) {
	n, k := counts.Dims()
	mask := controlMask(k, control)
	logmeans := make([]float64, k)
	for j := 0; j < k; j++ {
		var s float64
		for i := 0; i < n; i++ {
			if v := counts.At(i, j); v != 0 {
				s += math.Log(v)
			}
		}
		logmeans[j] = s / float64(n)
		mask[j] = mask[j] && logmeans[j] > 0
	}
	sf := make([]float64, n)
	var logSum float64
	ratios := make([]float64, 0, k)
	for i := 0; i < n; i++ {
		ratios = ratios[:0]
		for j := 0; j < k; j++ {
			if v := counts.At(i, j); mask[j] && v > 0 {
				ratios = append(ratios, math.Log(v)-logmeans[j])
			}
		}
		if len(ratios) == 0 {
			return nil, errNoReferenceGenes
		}
		sf[i] = math.Exp(median(ratios))
		logSum += math.Log(sf[i])
	}
	geo := math.Exp(logSum / float64(n))
	for i := range sf {
		sf[i] /= geo
	}
	return sf, nil
}

// iterativeSizeFactors fits size factors by maximum likelihood under
// an intercept-only model, alternating with dispersion estimation.
// At each iteration the genes with the highest (top 1-quant) negative
// log likelihoods are excluded from the objective.
func (p *Pipeline) iterativeSizeFactors(niter int, quant float64) ([]float64, error) {
	n, _ := p.ds.Counts.Dims()
	sf := make([]float64, n)
	for i := range sf {
		sf[i] = 1
	}
	if len(p.nonZeroIdx) == 0 {
		return sf, nil
	}
	fc := p.context(Intercept(n))
	fc.fullRank = true
	counts := fc.counts
	_, k := counts.Dims()

	for iter := 0; iter < niter; iter++ {
		fc.sf = sf
		mom, err := fc.momDispersions(fc.normed())
		if err != nil {
			return nil, err
		}
		gw, err := fc.genewise(mom)
		if err != nil {
			return nil, err
		}
		var use []float64
		for _, d := range gw.dispersion {
			if d > 10*p.opts.MinDisp {
				use = append(use, d)
			}
		}
		if len(use) == 0 {
			p.log.Warn("No genes have a dispersion above 10 * min_disp in iterative size factor fitting.")
			break
		}
		fitted := make([]float64, k)
		meanDisp := trimmedMean(use, 0.001)
		for j := range fitted {
			fitted[j] = meanDisp
		}
		squaredLogRes, priorVar := dispersionPrior(gw.dispersion, fitted, p.opts.MinDisp, n, 1)
		mapDisp, _ := fc.mapDispersions(gw.mu, fitted, priorVar)
		disp, _ := shrinkOutliers(gw.dispersion, fitted, mapDisp, squaredLogRes)

		oldSF := append([]float64(nil), sf...)
		y := make([]float64, n)
		mu := make([]float64, n)
		scaled := make([]float64, n)
		nll := make([]float64, k)
		sorted := make([]float64, k)
		objective := func(x []float64) float64 {
			var m float64
			for _, v := range x {
				m += v
			}
			m /= float64(len(x))
			for i, v := range x {
				scaled[i] = math.Exp(v-m) / oldSF[i]
			}
			for j := 0; j < k; j++ {
				mat.Col(y, j, counts)
				mat.Col(mu, j, gw.mu)
				for i := range mu {
					mu[i] *= scaled[i]
				}
				nll[j] = nbNLL(y, mu, disp[j])
			}
			copy(sorted, nll)
			sort.Float64s(sorted)
			cut := stat.Quantile(quant, stat.LinInterp, sorted, nil)
			var sum float64
			for _, v := range nll {
				if v < cut {
					sum += v
				}
			}
			return sum
		}
		x0 := make([]float64, n)
		for i, s := range oldSF {
			x0[i] = math.Log(s)
		}
		result, err := optimize.Minimize(optimize.Problem{Func: objective}, x0, &optimize.Settings{FuncEvaluations: 200 * n * n}, &optimize.NelderMead{})
		if result == nil || (err != nil && result.Status != optimize.FunctionConvergence) {
			p.warn(WarnSizeFactorNonConverge, "A size factor fitting iteration failed.")
			break
		}
		var m float64
		for _, v := range result.X {
			m += v
		}
		m /= float64(n)
		var delta float64
		for i, v := range result.X {
			sf[i] = math.Exp(v - m)
			d := math.Log(oldSF[i]) - math.Log(sf[i])
			delta += d * d
		}
		if iter > 1 && delta < 1e-4 {
			break
		} else if iter == niter-1 {
			p.warn(WarnSizeFactorNonConverge, "Iterative size factor fitting did not converge.")
		}
	}
	return sf, nil
}
