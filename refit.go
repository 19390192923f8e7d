// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// subproblem is an independent re-estimation task over a subset of
// genes. Size factors, trend and prior are shared with the parent run
// and are not refit.
type subproblem struct {
	counts        *mat.Dense // samples × subset genes
	cnv           *mat.Dense
	sf            []float64
	design        *DesignMatrix
	fullRank      bool
	trend         Trend
	squaredLogRes float64
	priorVar      float64
	opts          Options
	maxDisp       float64
}

// partialFit holds the refit estimates, indexed like the subproblem's
// genes.
type partialFit struct {
	normedMeans []float64
	mom         []float64
	genewise    *genewiseFit
	fitted      []float64
	mapDisp     []float64
	mapConv     []bool
	dispersions []float64
	outliers    []bool
	lfc         *lfcFit
}

// refitSubset re-runs genewise dispersions, MAP shrinkage and the LFC
// fit on sub. Every gene of sub must have a non-zero count.
func refitSubset(sub subproblem) (*partialFit, error) {
	opts := sub.opts
	fc := &fitContext{
		counts:   sub.counts,
		cnv:      sub.cnv,
		sf:       append([]float64(nil), sub.sf...),
		design:   sub.design,
		fullRank: sub.fullRank,
		opts:     &opts,
		maxDisp:  sub.maxDisp,
	}
	normed := fc.normed()
	out := &partialFit{normedMeans: normedMeans(normed)}
	var err error
	out.mom, err = fc.momDispersions(normed)
	if err != nil {
		return nil, err
	}
	out.genewise, err = fc.genewise(out.mom)
	if err != nil {
		return nil, err
	}
	out.fitted = sub.trend.Eval(out.normedMeans)
	out.mapDisp, out.mapConv = fc.mapDispersions(out.genewise.mu, out.fitted, sub.priorVar)
	out.dispersions, out.outliers = shrinkOutliers(out.genewise.dispersion, out.fitted, out.mapDisp, sub.squaredLogRes)
	out.lfc = fc.lfc(out.dispersions)
	return out, nil
}

// Refit replaces outlier counts in samples whose design cell has at
// least MinReplicates samples, then re-estimates the affected genes.
func (p *Pipeline) Refit() error {
	if !p.opts.RefitCooks {
		return ErrRefitDisabled
	}
	if err := p.require(StageCooks, "refit"); err != nil {
		return err
	}
	return p.timed("Refitting outlier genes...", p.refit)
}

func (p *Pipeline) refit() error {
	n, k := p.ds.Counts.Dims()
	_, nVars := p.design.X.Dims()
	res := p.res
	res.Replaced = make([]bool, k)
	res.Refitted = make([]bool, k)
	res.ReplacedCounts = nil
	res.ReplaceCooks = mat.DenseCopyOf(res.Cooks)
	res.Replaceable = nOrMoreReplicates(p.design.X, p.opts.MinReplicates)

	anyReplaceable := false
	for _, r := range res.Replaceable {
		anyReplaceable = anyReplaceable || r
	}
	if !anyReplaceable {
		p.warn(WarnInsufficientReplicates, fmt.Sprintf("No design cell has at least %d replicates, so no outlier can be replaced.", p.opts.MinReplicates))
		p.stage = StageRefit
		return nil
	}

	cutoff := fQuantile(outlierQuantile, nVars, n-nVars)
	outlier := func(i, j int) bool { return res.Cooks.At(i, j) > cutoff }
	var replacedIdx []int
	for _, j := range p.nonZeroIdx {
		for i := 0; i < n; i++ {
			if outlier(i, j) {
				res.Replaced[j] = true
				replacedIdx = append(replacedIdx, j)
				break
			}
		}
	}
	if !p.opts.Quiet {
		p.log.Infof("Replacing %d outlier genes.", len(replacedIdx))
	}
	if len(replacedIdx) == 0 {
		p.stage = StageRefit
		return nil
	}

	sf := res.SizeFactors
	res.ReplacedCounts = nanDense(n, k)
	counts := selectColumns(p.ds.Counts, replacedIdx)
	col := make([]float64, n)
	var refitIdx, refitCols []int
	for t, j := range replacedIdx {
		for i := range col {
			col[i] = counts.At(i, t) / sf[i]
		}
		base := trimmedMean(col, 0.2)
		allZero := true
		for i := 0; i < n; i++ {
			if res.Replaceable[i] && outlier(i, j) {
				counts.Set(i, t, math.Round(base*sf[i]))
			}
			allZero = allZero && counts.At(i, t) == 0
		}
		res.ReplacedCounts.SetCol(j, mat.Col(col, t, counts))
		if allZero {
			res.NormedMeans[j] = 0
			for c := 0; c < nVars; c++ {
				res.LFC.Set(j, c, 0)
			}
			continue
		}
		refitIdx = append(refitIdx, j)
		refitCols = append(refitCols, t)
	}
	if len(refitIdx) == 0 {
		p.stage = StageRefit
		return nil
	}

	sub := subproblem{
		counts:        selectColumns(counts, refitCols),
		sf:            sf,
		design:        p.design,
		fullRank:      p.fullRank,
		trend:         res.Trend,
		squaredLogRes: res.SquaredLogRes,
		priorVar:      res.PriorDispVar,
		opts:          p.opts,
		maxDisp:       p.maxDisp,
	}
	if p.ds.CNV != nil {
		sub.cnv = selectColumns(p.ds.CNV, refitIdx)
	}
	fit, err := refitSubset(sub)
	if err != nil {
		return err
	}

	scatter(res.NormedMeans, refitIdx, fit.normedMeans)
	scatter(res.MoMDispersions, refitIdx, fit.mom)
	scatter(res.GenewiseDispersions, refitIdx, fit.genewise.dispersion)
	scatterBool(res.GenewiseConverged, refitIdx, fit.genewise.converged)
	scatterColumns(res.GenewiseMu, refitIdx, fit.genewise.mu)
	scatter(res.FittedDispersions, refitIdx, fit.fitted)
	scatter(res.MAPDispersions, refitIdx, fit.mapDisp)
	scatterBool(res.MAPConverged, refitIdx, fit.mapConv)
	scatter(res.Dispersions, refitIdx, fit.dispersions)
	scatterBool(res.OutlierGenes, refitIdx, fit.outliers)
	p.storeLFC(refitIdx, fit.lfc)
	for _, j := range refitIdx {
		res.Refitted[j] = true
		for i := 0; i < n; i++ {
			if res.Replaceable[i] {
				res.ReplaceCooks.Set(i, j, 0)
			}
		}
	}
	p.stage = StageRefit
	return nil
}
