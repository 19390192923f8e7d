// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// fitContext holds the shared, read-only inputs of one set of
// per-gene fits. Every gene in counts has at least one non-zero
// count.
type fitContext struct {
	counts   *mat.Dense // samples × genes
	cnv      *mat.Dense // raw copy number, same shape as counts
	sf       []float64
	design   *DesignMatrix
	fullRank bool
	opts     *Options
	maxDisp  float64
}

func (fc *fitContext) dims() (int, int) { return fc.counts.Dims() }

func (fc *fitContext) irlsConfig() irlsConfig {
	return irlsConfig{
		minMu:      fc.opts.MinMu,
		betaTol:    fc.opts.BetaTol,
		minBeta:    -fc.opts.MaxBeta,
		maxBeta:    fc.opts.MaxBeta,
		maxIter:    fc.opts.MaxIter,
		optimIter:  fc.opts.OptimIter,
		gridLength: fc.opts.GridLength,
		fullRank:   fc.fullRank,
	}
}

func (fc *fitContext) dispParams() dispFitParams {
	return dispFitParams{
		minDisp: fc.opts.MinDisp,
		maxDisp: fc.maxDisp,
		crReg:   true,
		maxIter: fc.opts.OptimIter,

		rankDeficient: !fc.fullRank,
	}
}

// offset returns the multiplicative CNV offset of gene j. The LFC fit
// uses cnv/2 + 0.1 so that a diploid gene gets a constant offset;
// the genewise mean fit uses the raw copy number.
func (fc *fitContext) offset(j int, forLFC bool) []float64 {
	n, _ := fc.dims()
	out := make([]float64, n)
	for i := range out {
		switch {
		case fc.opts.IgnoreCNV || fc.cnv == nil:
			out[i] = 1
		case forLFC:
			out[i] = fc.cnv.At(i, j)/2 + 0.1
		default:
			out[i] = fc.cnv.At(i, j)
		}
	}
	return out
}

func (fc *fitContext) normed() *mat.Dense {
	n, k := fc.dims()
	normed := mat.NewDense(n, k, nil)
	normed.Apply(func(i, j int, v float64) float64 { return v / fc.sf[i] }, fc.counts)
	return normed
}

func (fc *fitContext) momDispersions(normed *mat.Dense) ([]float64, error) {
	return roughDispersions(normed, fc.design.X, fc.sf, fc.opts.MinDisp, fc.maxDisp)
}

type genewiseFit struct {
	mu         *mat.Dense
	dispersion []float64
	converged  []bool
}

// genewise fits the initial means (least squares when the design has
// as many distinct rows as columns, IRLS otherwise) and then the
// Cox-Reid regularized dispersion MLE of each gene.
func (fc *fitContext) genewise(mom []float64) (*genewiseFit, error) {
	n, k := fc.dims()
	X := fc.design.X
	_, p := X.Dims()
	out := &genewiseFit{
		dispersion: make([]float64, k),
		converged:  make([]bool, k),
	}
	if distinctRows(X) == p {
		mu, err := linRegMu(fc.counts, fc.sf, X, fc.opts.MinMu)
		if err != nil {
			return nil, err
		}
		out.mu = mu
	} else {
		out.mu = mat.NewDense(n, k, nil)
		cfg := fc.irlsConfig()
		forEachGene(k, fc.opts.Threads, func(j int) {
			y := mat.Col(nil, j, fc.counts)
			fit := irlsGLM(y, fc.offset(j, false), fc.sf, X, mom[j], cfg)
			for i, m := range fit.Mu {
				out.mu.Set(i, j, math.Max(m, fc.opts.MinMu))
			}
		})
	}
	params := fc.dispParams()
	forEachGene(k, fc.opts.Threads, func(j int) {
		y := mat.Col(nil, j, fc.counts)
		mu := mat.Col(nil, j, out.mu)
		d, ok := fitAlphaMLE(y, X, mu, mom[j], params)
		out.dispersion[j] = clip(d, fc.opts.MinDisp, fc.maxDisp)
		out.converged[j] = ok
	})
	return out, nil
}

// mapDispersions fits the maximum a posteriori dispersions, shrunk
// toward the trend values in fitted with log-scale prior variance
// priorVar.
func (fc *fitContext) mapDispersions(mu *mat.Dense, fitted []float64, priorVar float64) ([]float64, []bool) {
	_, k := fc.dims()
	disp := make([]float64, k)
	conv := make([]bool, k)
	params := fc.dispParams()
	params.priorReg = true
	params.priorVar = priorVar
	forEachGene(k, fc.opts.Threads, func(j int) {
		y := mat.Col(nil, j, fc.counts)
		m := mat.Col(nil, j, mu)
		d, ok := fitAlphaMLE(y, fc.design.X, m, fitted[j], params)
		disp[j] = clip(d, fc.opts.MinDisp, fc.maxDisp)
		conv[j] = ok
	})
	return disp, conv
}

type lfcFit struct {
	beta      *mat.Dense // genes × coefficients
	mu        *mat.Dense // samples × genes
	hat       *mat.Dense // samples × genes
	converged []bool
	method    []FitMethod
}

// lfc fits the CNV-adjusted GLM coefficients of every gene.
func (fc *fitContext) lfc(disp []float64) *lfcFit {
	n, k := fc.dims()
	_, p := fc.design.X.Dims()
	out := &lfcFit{
		beta:      mat.NewDense(k, p, nil),
		mu:        mat.NewDense(n, k, nil),
		hat:       mat.NewDense(n, k, nil),
		converged: make([]bool, k),
		method:    make([]FitMethod, k),
	}
	cfg := fc.irlsConfig()
	forEachGene(k, fc.opts.Threads, func(j int) {
		y := mat.Col(nil, j, fc.counts)
		fit := irlsGLM(y, fc.offset(j, true), fc.sf, fc.design.X, disp[j], cfg)
		out.beta.SetRow(j, fit.Beta)
		out.mu.SetCol(j, fit.Mu)
		out.hat.SetCol(j, fit.Hat)
		out.converged[j] = fit.Converged
		out.method[j] = fit.Method
	})
	return out
}

// normedMeans returns the column means of normed.
func normedMeans(normed *mat.Dense) []float64 {
	n, k := normed.Dims()
	out := make([]float64, k)
	for j := range out {
		var s float64
		for i := 0; i < n; i++ {
			s += normed.At(i, j)
		}
		out[j] = s / float64(n)
	}
	return out
}

// selectColumns returns a copy of the given columns of m.
func selectColumns(m *mat.Dense, idx []int) *mat.Dense {
	n, _ := m.Dims()
	if len(idx) == 0 {
		return nil
	}
	out := mat.NewDense(n, len(idx), nil)
	col := make([]float64, n)
	for t, j := range idx {
		out.SetCol(t, mat.Col(col, j, m))
	}
	return out
}
