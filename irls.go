// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// FitMethod records which solver produced a gene's coefficients.
type FitMethod string

const (
	FitIRLS  FitMethod = "irls"
	FitLBFGS FitMethod = "lbfgs"
	FitGrid  FitMethod = "grid"
)

// ridgeFactor is added to the diagonal of XᵗWX in every solve.
const ridgeFactor = 1e-6

type irlsConfig struct {
	minMu      float64
	betaTol    float64
	minBeta    float64
	maxBeta    float64
	maxIter    int
	optimIter  int
	gridLength int
	fullRank   bool
}

// IRLSResult holds one gene's GLM fit.
type IRLSResult struct {
	Beta      []float64
	Mu        []float64 // unthresholded fitted means
	Hat       []float64 // leverage (hat matrix diagonal)
	Converged bool
	Method    FitMethod
	Deviances []float64 // -2 log-likelihood after each IRLS step
}

// glmMu returns offset*sf*exp(X·beta), floored at minMu.
func glmMu(dst []float64, X *mat.Dense, beta, offset, sf []float64, minMu float64) []float64 {
	n, p := X.Dims()
	if dst == nil {
		dst = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		var eta float64
		for j := 0; j < p; j++ {
			eta += X.At(i, j) * beta[j]
		}
		dst[i] = math.Max(offset[i]*sf[i]*math.Exp(eta), minMu)
	}
	return dst
}

// initBeta returns the IRLS starting coefficients: least squares on
// log(counts/offset/sf + 0.1) for a full rank design, otherwise the
// log mean as intercept and zeros elsewhere.
func initBeta(counts, offset, sf []float64, X *mat.Dense, fullRank bool) []float64 {
	n, p := X.Dims()
	beta := make([]float64, p)
	if fullRank {
		y := mat.NewVecDense(n, nil)
		for i, c := range counts {
			y.SetVec(i, math.Log(c/offset[i]/sf[i]+0.1))
		}
		var qr mat.QR
		qr.Factorize(X)
		var b mat.VecDense
		if err := qr.SolveVecTo(&b, false, y); err == nil {
			for j := range beta {
				beta[j] = b.AtVec(j)
			}
			return beta
		}
	}
	var mean float64
	for i, c := range counts {
		mean += c / offset[i] / sf[i]
	}
	mean /= float64(n)
	beta[0] = math.Log(math.Max(mean, 0.1))
	return beta
}

// irlsGLM fits the coefficients of a negative binomial GLM with log
// link and a multiplicative offset (CNV dosage times size factor).
// If IRLS diverges or exceeds its iteration budget, the penalized
// likelihood is minimized with bounded L-BFGS instead; if that also
// fails and the design has at most two columns, a grid search is
// used.
func irlsGLM(counts, offset, sf []float64, X *mat.Dense, disp float64, cfg irlsConfig) IRLSResult {
	n, p := X.Dims()
	betaInit := initBeta(counts, offset, sf, X, cfg.fullRank)
	beta := append([]float64(nil), betaInit...)
	mu := glmMu(nil, X, beta, offset, sf, cfg.minMu)

	res := IRLSResult{Converged: true, Method: FitIRLS}
	dev := 1000.0
	devRatio := 1.0
	w := make([]float64, n)
	wz := mat.NewVecDense(p, nil)
	iter := 0
	for devRatio > cfg.betaTol {
		for i := range w {
			w[i] = mu[i] / (1 + mu[i]*disp)
		}
		for j := 0; j < p; j++ {
			var s float64
			for i := 0; i < n; i++ {
				z := math.Log(mu[i]/offset[i]/sf[i]) + (counts[i]-mu[i])/mu[i]
				s += X.At(i, j) * w[i] * z
			}
			wz.SetVec(j, s)
		}
		betaHat, ok := solveSym(xtwx(X, w, ridgeFactor), wz)
		iter++
		diverged := !ok || iter >= cfg.maxIter
		for _, b := range betaHat {
			if math.Abs(b) > cfg.maxBeta || math.IsNaN(b) {
				diverged = true
			}
		}
		if diverged {
			beta, res.Converged, res.Method = fitBetaFallback(counts, offset, sf, X, disp, betaInit, cfg)
			mu = glmMu(mu, X, beta, offset, sf, cfg.minMu)
			break
		}
		beta = betaHat
		mu = glmMu(mu, X, beta, offset, sf, cfg.minMu)
		oldDev := dev
		dev = 2 * nbNLL(counts, mu, disp)
		res.Deviances = append(res.Deviances, dev)
		devRatio = math.Abs(dev-oldDev) / (math.Abs(dev) + 0.1)
	}

	for i := range w {
		w[i] = mu[i] / (1 + mu[i]*disp)
	}
	res.Hat = hatDiagonal(X, w)
	res.Beta = beta
	res.Mu = glmMu(nil, X, beta, offset, sf, 0)
	return res
}

// fitBetaFallback minimizes the ridge-penalized NB negative
// log-likelihood with bounded L-BFGS, then falls back to a grid
// search for designs with at most two columns.
func fitBetaFallback(counts, offset, sf []float64, X *mat.Dense, disp float64, betaInit []float64, cfg irlsConfig) ([]float64, bool, FitMethod) {
	n, p := X.Dims()
	mu := make([]float64, n)
	r := 1 / disp
	f := func(beta []float64) float64 {
		glmMu(mu, X, beta, offset, sf, cfg.minMu)
		var pen float64
		for _, b := range beta {
			pen += ridgeFactor * b * b
		}
		return nbNLL(counts, mu, disp) + 0.5*pen
	}
	df := func(g, beta []float64) {
		glmMu(mu, X, beta, offset, sf, cfg.minMu)
		for j := 0; j < p; j++ {
			var s float64
			for i := 0; i < n; i++ {
				s += X.At(i, j) * (-counts[i] + (r+counts[i])*mu[i]/(r+mu[i]))
			}
			g[j] = s + ridgeFactor*beta[j]
		}
	}
	lower := make([]float64, p)
	upper := make([]float64, p)
	for j := range lower {
		lower[j], upper[j] = cfg.minBeta, cfg.maxBeta
	}
	beta, _, converged := minimizeBounded(f, df, betaInit, lower, upper, cfg.optimIter)
	if converged {
		return beta, true, FitLBFGS
	}
	if p <= 2 {
		return gridFitBeta(counts, offset, sf, X, disp, cfg), false, FitGrid
	}
	return beta, false, FitLBFGS
}

// solveSym solves a·x = b for symmetric positive definite a.
func solveSym(a *mat.SymDense, b *mat.VecDense) ([]float64, bool) {
	var chol mat.Cholesky
	var x mat.VecDense
	if chol.Factorize(a) {
		if err := chol.SolveVecTo(&x, b); err != nil {
			return nil, false
		}
	} else if err := x.SolveVec(a, b); err != nil {
		return nil, false
	}
	out := make([]float64, b.Len())
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, true
}

// hatDiagonal returns diag(W^½ X (XᵗWX + λI)⁻¹ Xᵗ W^½).
func hatDiagonal(X *mat.Dense, w []float64) []float64 {
	n, p := X.Dims()
	h := make([]float64, n)
	inv, ok := symInverse(xtwx(X, w, ridgeFactor))
	if !ok {
		for i := range h {
			h[i] = math.NaN()
		}
		return h
	}
	for i := 0; i < n; i++ {
		var s float64
		for a := 0; a < p; a++ {
			for b := 0; b < p; b++ {
				s += X.At(i, a) * inv.At(a, b) * X.At(i, b)
			}
		}
		h[i] = w[i] * s
	}
	return h
}

// linRegMu fits each gene's normalized counts by ordinary least
// squares on the design and returns the fitted means (samples ×
// genes), floored at minMu. It ignores the CNV offset.
func linRegMu(counts *mat.Dense, sf []float64, X *mat.Dense, minMu float64) (*mat.Dense, error) {
	n, k := counts.Dims()
	y := mat.NewDense(n, k, nil)
	y.Apply(func(i, j int, v float64) float64 { return v / sf[i] }, counts)
	fitted, err := olsFitted(X, y)
	if err != nil {
		return nil, err
	}
	fitted.Apply(func(i, j int, v float64) float64 { return math.Max(v*sf[i], minMu) }, fitted)
	return fitted, nil
}

// olsFitted returns X·B where B is the minimum norm least squares
// solution of X·B = Y. Singular directions of X below the rank
// tolerance are dropped, so rank deficient and wide designs are
// fitted by projecting Y onto the column space of X.
func olsFitted(X, Y mat.Matrix) (*mat.Dense, error) {
	n, p := X.Dims()
	_, k := Y.Dims()
	var svd mat.SVD
	if !svd.Factorize(X, mat.SVDThin) {
		return nil, errors.New("least squares: SVD factorization failed")
	}
	values := svd.Values(nil)
	rank := 0
	if len(values) > 0 {
		tol := rankTolerance(values[0], n, p)
		for _, v := range values {
			if v > tol {
				rank++
			}
		}
	}
	if rank == 0 {
		return mat.NewDense(n, k, nil), nil
	}
	var u mat.Dense
	svd.UTo(&u)
	ur := u.Slice(0, n, 0, rank)
	var uty, fitted mat.Dense
	uty.Mul(ur.T(), Y)
	fitted.Mul(ur, &uty)
	return &fitted, nil
}
