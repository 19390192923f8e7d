// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/optimize"
)

// nbNLL returns the negative log-likelihood of counts under a
// negative binomial distribution with means mu and dispersion alpha.
func nbNLL(counts, mu []float64, alpha float64) float64 {
	r := 1 / alpha
	lgr, _ := math.Lgamma(r)
	logAlpha := math.Log(alpha)
	var nll float64
	for i, y := range counts {
		lgyr, _ := math.Lgamma(y + r)
		lgy1, _ := math.Lgamma(y + 1)
		nll += -(lgyr - lgy1 - lgr) + r*logAlpha + (y+r)*math.Log(r+mu[i])
		if y > 0 {
			nll -= y * math.Log(mu[i])
		}
	}
	return nll
}

// nbNLLGrid evaluates nbNLL for each row of a grid of candidate mean
// vectors. alpha holds either a single dispersion shared by every
// row, or one dispersion per row.
func nbNLLGrid(counts []float64, mu [][]float64, alpha []float64) []float64 {
	out := make([]float64, len(mu))
	for g, row := range mu {
		a := alpha[0]
		if len(alpha) > 1 {
			a = alpha[g]
		}
		out[g] = nbNLL(counts, row, a)
	}
	return out
}

// dnbNLL returns the derivative of nbNLL with respect to alpha.
func dnbNLL(counts, mu []float64, alpha float64) float64 {
	r := 1 / alpha
	dgr := mathext.Digamma(r)
	var ll float64
	for i, y := range counts {
		ll += dgr - mathext.Digamma(y+r) + math.Log(1+mu[i]*alpha) + (y-mu[i])/(mu[i]+r)
	}
	return -r * r * ll
}

// dispFitParams configures fitAlphaMLE.
type dispFitParams struct {
	minDisp  float64
	maxDisp  float64
	priorVar float64
	crReg    bool
	priorReg bool
	maxIter  int

	// rankDeficient selects the pseudo-determinant Cox-Reid term.
	rankDeficient bool
}

// xtwx returns XᵗWX + ridge*I.
func xtwx(X *mat.Dense, w []float64, ridge float64) *mat.SymDense {
	n, p := X.Dims()
	out := mat.NewSymDense(p, nil)
	for a := 0; a < p; a++ {
		for b := a; b < p; b++ {
			var s float64
			for i := 0; i < n; i++ {
				s += X.At(i, a) * w[i] * X.At(i, b)
			}
			if a == b {
				s += ridge
			}
			out.SetSym(a, b, s)
		}
	}
	return out
}

// symInverse inverts a small symmetric positive (semi)definite
// matrix, falling back to LU when the Cholesky factorization fails.
func symInverse(m *mat.SymDense) (*mat.Dense, bool) {
	p := m.Symmetric()
	var chol mat.Cholesky
	if chol.Factorize(m) {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			return mat.DenseCopyOf(&inv), true
		}
	}
	inv := mat.NewDense(p, p, nil)
	if err := inv.Inverse(m); err != nil {
		return nil, false
	}
	return inv, true
}

// symLogDet returns log(det(m)), or NaN if m is not positive
// definite.
func symLogDet(m *mat.SymDense) float64 {
	var chol mat.Cholesky
	if chol.Factorize(m) {
		return chol.LogDet()
	}
	logdet, sign := mat.LogDet(m)
	if sign <= 0 {
		return math.NaN()
	}
	return logdet
}

// gramTolerance is the relative eigenvalue cutoff of symPseudo.
const gramTolerance = 1e-10

// symPseudo returns the log pseudo-determinant of a symmetric
// positive semidefinite m (the sum of the logs of its eigenvalues
// above the rank tolerance) and its Moore-Penrose inverse.
func symPseudo(m *mat.SymDense) (float64, *mat.Dense, bool) {
	var eig mat.EigenSym
	if !eig.Factorize(m, true) {
		return math.NaN(), nil, false
	}
	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	p := len(values)
	// eigenvalues are in ascending order; a Gram matrix carries rounding
	// error well above eps in its null directions
	tol := values[p-1] * float64(p) * gramTolerance
	inv := mat.NewDense(p, p, nil)
	var logdet float64
	rank := 0
	for e, v := range values {
		if v <= tol {
			continue
		}
		rank++
		logdet += math.Log(v)
		for a := 0; a < p; a++ {
			for b := 0; b < p; b++ {
				inv.Set(a, b, inv.At(a, b)+vecs.At(a, e)*vecs.At(b, e)/v)
			}
		}
	}
	if rank == 0 {
		return math.NaN(), nil, false
	}
	return logdet, inv, true
}

// fitAlphaMLE estimates the dispersion of one gene by minimizing the
// (optionally Cox-Reid and prior regularized) NB negative
// log-likelihood over log(alpha). alphaHat is the starting point and,
// when priorReg is set, the prior mean.
func fitAlphaMLE(counts []float64, X *mat.Dense, mu []float64, alphaHat float64, params dispFitParams) (float64, bool) {
	logAlphaHat := math.Log(alphaHat)
	w := make([]float64, len(mu))
	dw := make([]float64, len(mu))

	loss := func(x []float64) float64 {
		alpha := math.Exp(x[0])
		nll := nbNLL(counts, mu, alpha)
		if params.crReg {
			for i, m := range mu {
				w[i] = m / (1 + m*alpha)
			}
			if params.rankDeficient {
				logdet, _, _ := symPseudo(xtwx(X, w, 0))
				nll += 0.5 * logdet
			} else {
				nll += 0.5 * symLogDet(xtwx(X, w, 0))
			}
		}
		if params.priorReg {
			d := x[0] - logAlphaHat
			nll += d * d / (2 * params.priorVar)
		}
		return nll
	}
	grad := func(g, x []float64) {
		alpha := math.Exp(x[0])
		var reg float64
		if params.crReg {
			for i, m := range mu {
				w[i] = m / (1 + m*alpha)
				dw[i] = -w[i] * w[i]
			}
			var inv *mat.Dense
			var ok bool
			if params.rankDeficient {
				_, inv, ok = symPseudo(xtwx(X, w, 0))
			} else {
				inv, ok = symInverse(xtwx(X, w, 0))
			}
			if ok {
				d := xtwx(X, dw, 0)
				_, p := X.Dims()
				var s float64
				for a := 0; a < p; a++ {
					for b := 0; b < p; b++ {
						s += inv.At(a, b) * d.At(a, b)
					}
				}
				reg += 0.5 * s * alpha
			}
		}
		if params.priorReg {
			reg += (x[0] - logAlphaHat) / params.priorVar
		}
		g[0] = alpha*dnbNLL(counts, mu, alpha) + reg
	}

	lower, upper := math.Log(params.minDisp), math.Log(params.maxDisp)
	x, _, converged := minimizeBounded(loss, grad, []float64{logAlphaHat}, []float64{lower}, []float64{upper}, params.maxIter)
	return math.Exp(x[0]), converged
}

// boundPenalty scales the quadratic penalty applied outside the box
// in minimizeBounded.
const boundPenalty = 1e4

// minimizeBounded minimizes f over the box [lower, upper] with
// L-BFGS, projecting the iterate onto the box and penalizing the
// distance to it. The returned point always lies inside the box.
// converged is false when the optimizer hit a limit or stopped at a
// point that does not satisfy the box-constrained optimality
// conditions.
func minimizeBounded(f func(x []float64) float64, grad func(g, x []float64), x0, lower, upper []float64, maxIter int) ([]float64, float64, bool) {
	proj := func(dst, x []float64) {
		for i, v := range x {
			dst[i] = math.Max(lower[i], math.Min(upper[i], v))
		}
	}
	xp := make([]float64, len(x0))
	gp := make([]float64, len(x0))
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			proj(xp, x)
			v := f(xp)
			for i := range x {
				d := x[i] - xp[i]
				v += boundPenalty * d * d
			}
			return v
		},
		Grad: func(g, x []float64) {
			proj(xp, x)
			grad(gp, xp)
			for i := range x {
				if x[i] != xp[i] {
					g[i] = 2 * boundPenalty * (x[i] - xp[i])
				} else {
					g[i] = gp[i]
				}
			}
		},
	}
	start := make([]float64, len(x0))
	proj(start, x0)
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-10, Relative: 1e-10, Iterations: 20},
	}

	result, err := optimize.Minimize(problem, start, settings, &optimize.LBFGS{})
	if result == nil {
		return start, f(start), false
	}
	best := make([]float64, len(x0))
	proj(best, result.X)
	fbest := f(best)
	if math.IsNaN(fbest) || math.IsInf(fbest, 0) {
		return start, f(start), false
	}
	if err == nil && result.Status.Err() == nil {
		return best, fbest, true
	}
	switch result.Status {
	case optimize.IterationLimit, optimize.FunctionEvaluationLimit, optimize.RuntimeLimit:
		return best, fbest, false
	}
	// Line searches tend to stall on the kink at an active bound;
	// accept the point if it is a KKT point of the boxed problem.
	g := make([]float64, len(best))
	grad(g, best)
	tol := 1e-5 * (1 + math.Abs(fbest))
	for i, v := range best {
		switch {
		case v <= lower[i] && g[i] >= -tol:
		case v >= upper[i] && g[i] <= tol:
		case math.Abs(g[i]) <= tol:
		default:
			return best, fbest, false
		}
	}
	return best, fbest, true
}
