// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// VSTResult holds variance stabilized counts (samples × genes, log2
// scale) and the trend they were derived from.
type VSTResult struct {
	Counts *mat.Dense
	Trend  Trend
}

// VST fits dispersions and a trend on a private copy of the data
// (intercept-only design unless useDesign) and transforms the
// normalized counts. The pipeline's Results are not modified.
func (p *Pipeline) VST(useDesign bool, fitType FitType) (*VSTResult, error) {
	if err := p.require(StageSizeFactors, "VST"); err != nil {
		return nil, err
	}
	n, _ := p.ds.Counts.Dims()
	design := Intercept(n)
	if useDesign {
		if fitType != FitParametric {
			p.log.Warn("use_design is only useful with a parametric fit type.")
		}
		design = p.design
	}
	var trend Trend
	err := p.timed("Fitting variance stabilizing transformation...", func() error {
		if len(p.nonZeroIdx) == 0 {
			trend = Trend{Type: FitMean, MeanDisp: p.opts.MinDisp}
			return nil
		}
		fc := p.context(design)
		normed := selectColumns(p.normed, p.nonZeroIdx)
		mom, err := fc.momDispersions(normed)
		if err != nil {
			return err
		}
		gw, err := fc.genewise(mom)
		if err != nil {
			return err
		}
		trend = p.fitTrend(gw.dispersion, normedMeans(normed), fitType, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(n, len(p.ds.Genes), nil)
	out.Apply(func(i, j int, q float64) float64 { return vstTransform(trend, q) }, p.normed)
	return &VSTResult{Counts: out, Trend: trend}, nil
}

// vstTransform maps one normalized count q through the variance
// stabilizing function of trend.
func vstTransform(trend Trend, q float64) float64 {
	if trend.Type == FitParametric {
		a0, a1 := trend.A0, trend.A1
		return math.Log2((1 + a1 + 2*a0*q + 2*math.Sqrt(a0*q*(1+a1+a0*q))) / (4 * a0))
	}
	d := trend.MeanDisp
	return (2*math.Asinh(math.Sqrt(d*q)) - math.Log(d) - math.Log(4)) / math.Ln2
}
