// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
)

// FitType selects the dispersion trend model.
type FitType string

const (
	FitParametric FitType = "parametric"
	FitMean       FitType = "mean"
)

func ParseFitType(s string) (FitType, error) {
	switch FitType(s) {
	case FitParametric, FitMean:
		return FitType(s), nil
	}
	return "", fmt.Errorf("unknown fit type %q (expected %q or %q)", s, FitParametric, FitMean)
}

// Trend is a fitted dispersion-vs-mean curve: a1/mean + a0 for the
// parametric type, a constant for the mean type.
type Trend struct {
	Type     FitType
	A0       float64 `json:",omitempty"`
	A1       float64 `json:",omitempty"`
	MeanDisp float64 `json:",omitempty"`
}

// Eval returns the trend dispersion at each normalized mean.
func (t Trend) Eval(means []float64) []float64 {
	out := make([]float64, len(means))
	for i, m := range means {
		if t.Type == FitParametric {
			out[i] = t.A0 + t.A1/m
		} else {
			out[i] = t.MeanDisp
		}
	}
	return out
}

var errTrendNotConverged = errors.New("dispersion trend curve fitting did not converge")

var trendGLMConfig = &glm.Config{
	Family:    glm.NewFamily(glm.GammaFamily),
	Link:      glm.NewLink(glm.IdentityLink),
	FitMethod: "IRLS",
	Log:       log.New(io.Discard, "", 0),
}

// gammaTrendGLM fits targets ~ a0 + a1*covariates with a gamma-family
// GLM and identity link, starting from start. It returns the
// coefficients and the fitted values.
func gammaTrendGLM(covariates, targets []float64, start [2]float64) (coeffs [2]float64, predictions []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			// typically a singular or non-positive weight matrix
			err = fmt.Errorf("%w: %v", errTrendNotConverged, r)
		}
	}()
	icept := make([]statmodel.Dtype, len(targets))
	for i := range icept {
		icept[i] = 1
	}
	data := [][]statmodel.Dtype{targets, icept, covariates}
	names := []string{"dispersion", "a0", "a1"}
	dataset := statmodel.NewDataset(data, names)

	config := *trendGLMConfig
	config.Start = []float64{start[0], start[1]}
	model, err := glm.NewGLM(dataset, "dispersion", names[1:], &config)
	if err != nil {
		return coeffs, nil, err
	}
	params := model.Fit().Params()
	if len(params) != 2 || math.IsNaN(params[0]) || math.IsNaN(params[1]) {
		return coeffs, nil, errTrendNotConverged
	}
	coeffs = [2]float64{params[0], params[1]}
	predictions = make([]float64, len(covariates))
	for i, x := range covariates {
		predictions[i] = coeffs[0] + coeffs[1]*x
	}
	return coeffs, predictions, nil
}

// maxTrendIterations bounds the outlier-filtering refit loop.
const maxTrendIterations = 10

// fitParametricTrend fits dispersion = a1/mean + a0 over the genes
// with finite 1/mean, repeatedly dropping genes whose genewise to
// predicted ratio falls outside [1e-4, 15) and refitting until the
// coefficients stabilize.
func fitParametricTrend(genewise, normedMeans []float64) (Trend, error) {
	var covariates, targets []float64
	for j, d := range genewise {
		x := 1 / normedMeans[j]
		if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(d) {
			continue
		}
		covariates = append(covariates, x)
		targets = append(targets, d)
	}
	if len(targets) < 2 {
		return Trend{}, fmt.Errorf("%w: %d usable genes", errTrendNotConverged, len(targets))
	}

	oldCoeffs := [2]float64{0.1, 0.1}
	coeffs := [2]float64{1, 1}
	for iter := 0; coeffs[0] > 1e-10 && coeffs[1] > 1e-10; iter++ {
		change := math.Pow(math.Log(math.Abs(coeffs[0]/oldCoeffs[0])), 2) + math.Pow(math.Log(math.Abs(coeffs[1]/oldCoeffs[1])), 2)
		if change < 1e-6 {
			break
		}
		if iter >= maxTrendIterations {
			return Trend{}, fmt.Errorf("%w: no convergence after %d iterations", errTrendNotConverged, iter)
		}
		oldCoeffs = coeffs
		var predictions []float64
		var err error
		coeffs, predictions, err = gammaTrendGLM(covariates, targets, oldCoeffs)
		if err != nil {
			return Trend{}, err
		}
		if coeffs[0] <= 1e-10 || coeffs[1] <= 1e-10 {
			return Trend{}, fmt.Errorf("%w: non-positive coefficients %v", errTrendNotConverged, coeffs)
		}
		keepCov, keepTgt := covariates[:0], targets[:0]
		for i, pred := range predictions {
			ratio := targets[i] / pred
			if ratio >= 1e-4 && ratio < 15 {
				keepCov = append(keepCov, covariates[i])
				keepTgt = append(keepTgt, targets[i])
			}
		}
		covariates, targets = keepCov, keepTgt
		if len(targets) < 2 {
			return Trend{}, fmt.Errorf("%w: too few genes left near the curve", errTrendNotConverged)
		}
	}
	return Trend{Type: FitParametric, A0: coeffs[0], A1: coeffs[1]}, nil
}

// fitMeanTrend uses the 0.1% trimmed mean of the genewise
// dispersions above 10*minDisp as a constant trend.
func fitMeanTrend(genewise []float64, minDisp float64) Trend {
	var use []float64
	for _, d := range genewise {
		if d > 10*minDisp {
			use = append(use, d)
		}
	}
	if len(use) == 0 {
		return Trend{Type: FitMean, MeanDisp: minDisp}
	}
	return Trend{Type: FitMean, MeanDisp: trimmedMean(use, 0.001)}
}

// dispersionPrior computes the squared MAD of log residuals between
// genewise and trend dispersions (over genes with dispersion at least
// 100*minDisp), and the prior variance of log dispersions.
func dispersionPrior(genewise, fitted []float64, minDisp float64, nSamples, nVars int) (squaredLogRes, priorVar float64) {
	var resid []float64
	for j, d := range genewise {
		if math.IsNaN(d) || d < 100*minDisp {
			continue
		}
		resid = append(resid, math.Log(d)-math.Log(fitted[j]))
	}
	if len(resid) > 0 {
		m := mad(resid)
		squaredLogRes = m * m
	}
	priorVar = math.Max(squaredLogRes-trigamma(float64(nSamples-nVars)/2), 0.25)
	return squaredLogRes, priorVar
}
