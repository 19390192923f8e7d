// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

func (s *pipelineSuite) TestRun(c *check.C) {
	sim := simulated(12, 300, 3)
	opts := testOptions()
	p, err := NewPipeline(sim.Dataset, opts)
	c.Assert(err, check.IsNil)
	c.Assert(p.Run(), check.IsNil)
	c.Check(p.Stage(), check.Equals, StageRefit)
	res := p.Results()

	maxDisp := math.Max(opts.MaxDisp, 12)
	var correctSign, de int
	for j := range res.Genes {
		if !res.NonZero[j] {
			continue
		}
		d := res.Dispersions[j]
		c.Check(d >= opts.MinDisp && d <= maxDisp, check.Equals, true, check.Commentf("gene %d dispersion %v", j, d))
		c.Check(res.GenewiseDispersions[j] >= opts.MinDisp && res.GenewiseDispersions[j] <= maxDisp, check.Equals, true)
		c.Check(res.MAPDispersions[j] >= opts.MinDisp && res.MAPDispersions[j] <= maxDisp, check.Equals, true)
		if res.OutlierGenes[j] {
			c.Check(d, check.Equals, res.GenewiseDispersions[j])
		} else {
			c.Check(d, check.Equals, res.MAPDispersions[j])
		}
		if sim.TrueLFC[j] != 0 {
			de++
			if (res.LFC.At(j, 1) > 0) == (sim.TrueLFC[j] > 0) {
				correctSign++
			}
		}
		for i := range res.Samples {
			cooks := res.Cooks.At(i, j)
			c.Check(cooks >= 0, check.Equals, true, check.Commentf("cooks[%d,%d] = %v", i, j, cooks))
			h := res.HatDiagonals.At(i, j)
			c.Check(h >= 0 && h < 1, check.Equals, true, check.Commentf("hat[%d,%d] = %v", i, j, h))
		}
		if res.Refitted[j] {
			c.Check(res.Replaced[j], check.Equals, true)
		}
	}
	c.Check(de > 0, check.Equals, true)
	c.Check(float64(correctSign) >= 0.9*float64(de), check.Equals, true, check.Commentf("%d of %d DE genes have the right sign", correctSign, de))
	c.Check(res.PriorDispVar >= 0.25, check.Equals, true)
	c.Check(res.Trend.Type, check.Not(check.Equals), FitType(""))
}

func (s *pipelineSuite) TestStageOrder(c *check.C) {
	sim := simulated(6, 50, 1)
	p, err := NewPipeline(sim.Dataset, testOptions())
	c.Assert(err, check.IsNil)
	for _, step := range []func() error{
		p.FitGenewiseDispersions,
		p.FitDispersionTrend,
		p.FitDispersionPrior,
		p.FitMAPDispersions,
		p.FitLFC,
		p.CalculateCooks,
		p.Refit,
	} {
		err := step()
		c.Check(errors.Is(err, ErrStageOrder), check.Equals, true, check.Commentf("%v", err))
	}
	_, err = p.VST(false, FitMean)
	c.Check(errors.Is(err, ErrStageOrder), check.Equals, true)

	c.Assert(p.FitSizeFactors(), check.IsNil)
	c.Assert(p.FitGenewiseDispersions(), check.IsNil)
	c.Check(errors.Is(p.FitMAPDispersions(), ErrStageOrder), check.Equals, true)
	c.Check(p.Stage(), check.Equals, StageGenewise)

	opts := testOptions()
	opts.RefitCooks = false
	p, err = NewPipeline(sim.Dataset, opts)
	c.Assert(err, check.IsNil)
	c.Assert(p.Run(), check.IsNil)
	c.Check(p.Stage(), check.Equals, StageCooks)
	c.Check(p.Refit(), check.Equals, ErrRefitDisabled)
}

func (s *pipelineSuite) TestValidation(c *check.C) {
	sim := simulated(6, 20, 1)
	ds := *sim.Dataset
	ds.CNV = mat.NewDense(6, 19, nil)
	_, err := NewPipeline(&ds, testOptions())
	c.Check(errors.Is(err, ErrShapeMismatch), check.Equals, true)

	ds = *sim.Dataset
	ds.CNV = nil
	_, err = NewPipeline(&ds, testOptions())
	c.Check(errors.Is(err, ErrShapeMismatch), check.Equals, true)
	opts := testOptions()
	opts.IgnoreCNV = true
	_, err = NewPipeline(&ds, opts)
	c.Check(err, check.IsNil)

	ds = *sim.Dataset
	ds.Counts = mat.DenseCopyOf(sim.Dataset.Counts)
	ds.Counts.Set(2, 3, -1)
	_, err = NewPipeline(&ds, testOptions())
	c.Check(errors.Is(err, ErrInvalidCounts), check.Equals, true)
	ds.Counts.Set(2, 3, 1.5)
	_, err = NewPipeline(&ds, testOptions())
	c.Check(errors.Is(err, ErrInvalidCounts), check.Equals, true)

	ds = *sim.Dataset
	ds.CNV = mat.DenseCopyOf(sim.Dataset.CNV)
	ds.CNV.Set(0, 0, 0)
	_, err = NewPipeline(&ds, testOptions())
	c.Check(errors.Is(err, ErrInvalidCNV), check.Equals, true)

	ds = *sim.Dataset
	ds.Metadata = nil
	_, err = NewPipeline(&ds, testOptions())
	c.Check(err, check.NotNil)
}

func (s *pipelineSuite) TestRankDeficiencyWarning(c *check.C) {
	sim := simulated(8, 30, 2)
	md := sim.Dataset.Metadata
	md.Columns["copy"] = md.Columns["condition"]
	opts := testOptions()
	opts.DesignFactors = []string{"condition", "copy"}
	p, err := NewPipeline(sim.Dataset, opts)
	c.Assert(err, check.IsNil)
	res := p.Results()
	c.Assert(res.Warnings, check.HasLen, 1)
	c.Check(res.Warnings[0].Kind, check.Equals, WarnRankDeficiency)
}

func (s *pipelineSuite) TestRankDeficientRun(c *check.C) {
	sim := simulated(8, 30, 2)
	md := sim.Dataset.Metadata
	md.Columns["copy"] = md.Columns["condition"]
	opts := testOptions()
	opts.DesignFactors = []string{"condition", "copy"}
	opts.RefitCooks = true
	p, err := NewPipeline(sim.Dataset, opts)
	c.Assert(err, check.IsNil)
	c.Assert(p.Run(), check.IsNil)
	c.Check(p.Stage(), check.Equals, StageRefit)

	res := p.Results()
	c.Check(res.Design.Rank(), check.Equals, 2)
	converged, nonZero := 0, 0
	for j := range res.Genes {
		if !res.NonZero[j] {
			continue
		}
		nonZero++
		d := res.Dispersions[j]
		c.Check(d >= opts.MinDisp && d <= math.Max(opts.MaxDisp, 8), check.Equals, true, check.Commentf("gene %d dispersion %v", j, d))
		if res.GenewiseConverged[j] {
			converged++
		}
		// the two copies of the condition share its effect evenly
		b1, b2 := res.LFC.At(j, 1), res.LFC.At(j, 2)
		c.Check(math.Abs(b1-b2) < 1e-4*(1+math.Abs(b1)), check.Equals, true, check.Commentf("gene %d lfc %v %v", j, b1, b2))
		for i := 0; i < 8; i++ {
			cd := res.Cooks.At(i, j)
			c.Check(math.IsNaN(cd) || cd >= 0, check.Equals, true, check.Commentf("gene %d cooks %v", j, cd))
		}
	}
	c.Check(float64(converged) >= 0.8*float64(nonZero), check.Equals, true, check.Commentf("%d converged", converged))
}

func (s *pipelineSuite) TestWideDesign(c *check.C) {
	// one sample per batch level leaves no residual degrees of freedom
	sim := simulated(4, 20, 3)
	md := sim.Dataset.Metadata
	md.Columns["batch"] = []string{"w", "x", "y", "z"}
	opts := testOptions()
	opts.DesignFactors = []string{"condition", "batch"}
	p, err := NewPipeline(sim.Dataset, opts)
	c.Assert(err, check.IsNil)
	_, cols := p.Results().Design.X.Dims()
	c.Check(cols, check.Equals, 5)
	c.Assert(p.Results().Warnings, check.HasLen, 1)
	c.Check(p.Results().Warnings[0].Kind, check.Equals, WarnRankDeficiency)
	err = p.Run()
	c.Check(errors.Is(err, ErrNoReplicates), check.Equals, true, check.Commentf("err %v", err))
	c.Check(p.Stage(), check.Equals, StageSizeFactors)
}

func (s *pipelineSuite) TestAllZeroGene(c *check.C) {
	sim := simulated(8, 40, 4)
	for i := 0; i < 8; i++ {
		sim.Dataset.Counts.Set(i, 5, 0)
	}
	p, err := NewPipeline(sim.Dataset, testOptions())
	c.Assert(err, check.IsNil)
	c.Assert(p.Run(), check.IsNil)
	res := p.Results()
	c.Check(res.NonZero[5], check.Equals, false)
	c.Check(math.IsNaN(res.GenewiseDispersions[5]), check.Equals, true)
	c.Check(math.IsNaN(res.Dispersions[5]), check.Equals, true)
	c.Check(math.IsNaN(res.LFC.At(5, 1)), check.Equals, true)
	c.Check(math.IsNaN(res.Cooks.At(0, 5)), check.Equals, true)
	c.Check(res.NormedMeans[5], check.Equals, 0.0)
	c.Check(math.IsNaN(res.Dispersions[6]), check.Equals, false)
}

func (s *pipelineSuite) TestMAPIdempotent(c *check.C) {
	sim := simulated(10, 100, 5)
	p, err := NewPipeline(sim.Dataset, testOptions())
	c.Assert(err, check.IsNil)
	for _, step := range []func() error{p.FitSizeFactors, p.FitGenewiseDispersions, p.FitDispersionTrend, p.FitDispersionPrior, p.FitMAPDispersions} {
		c.Assert(step(), check.IsNil)
	}
	first := append([]float64(nil), p.Results().Dispersions...)
	c.Assert(p.FitMAPDispersions(), check.IsNil)
	c.Check(p.Results().Dispersions, check.DeepEquals, first)
}

func (s *pipelineSuite) TestThreadsDeterministic(c *check.C) {
	var lfc [2]*mat.Dense
	for t, threads := range []int{1, 4} {
		opts := testOptions()
		opts.Threads = threads
		p, err := NewPipeline(simulated(8, 200, 6).Dataset, opts)
		c.Assert(err, check.IsNil)
		c.Assert(p.Run(), check.IsNil)
		lfc[t] = p.Results().LFC
	}
	c.Check(mat.Equal(lfc[0], lfc[1]), check.Equals, true)
}

// fitUntilLFC runs the stages up to the LFC fit.
func fitUntilLFC(c *check.C, ds *Dataset, opts Options) *Results {
	p, err := NewPipeline(ds, opts)
	c.Assert(err, check.IsNil)
	for _, step := range []func() error{p.FitSizeFactors, p.FitGenewiseDispersions, p.FitDispersionTrend, p.FitDispersionPrior, p.FitMAPDispersions, p.FitLFC} {
		c.Assert(step(), check.IsNil)
	}
	return p.Results()
}

func (s *pipelineSuite) TestDiploidMatchesPlainGLM(c *check.C) {
	sim := simulated(6, 50, 8)
	ds := sim.Dataset
	ds.CNV.Apply(func(i, j int, v float64) float64 { return 2 }, ds.CNV)
	opts := testOptions()
	opts.BetaTol = 1e-12
	withCNV := fitUntilLFC(c, ds, opts)
	opts.IgnoreCNV = true
	plain := fitUntilLFC(c, ds, opts)
	irls := 0
	for j := range ds.Genes {
		if !withCNV.NonZero[j] {
			continue
		}
		c.Check(withCNV.Dispersions[j], check.Equals, plain.Dispersions[j])
		tol := 1e-6
		if withCNV.LFCMethod[j] == FitIRLS && plain.LFCMethod[j] == FitIRLS && withCNV.LFCConverged[j] && plain.LFCConverged[j] {
			irls++
		} else {
			// the quasi-Newton fallback stops on a gradient tolerance
			// rather than the deviance ratio
			tol = 1e-4
		}
		diff := math.Abs(withCNV.LFC.At(j, 1) - plain.LFC.At(j, 1))
		c.Check(diff < tol, check.Equals, true, check.Commentf("gene %d: %v vs %v", j, withCNV.LFC.At(j, 1), plain.LFC.At(j, 1)))
		// a diploid offset only moves the intercept
		diff = math.Abs(plain.LFC.At(j, 0) - withCNV.LFC.At(j, 0) - math.Log(1.1))
		c.Check(diff < tol, check.Equals, true, check.Commentf("gene %d intercepts: %v vs %v", j, withCNV.LFC.At(j, 0), plain.LFC.At(j, 0)))
	}
	c.Check(irls > 40, check.Equals, true, check.Commentf("%d genes fitted by IRLS", irls))
}

func (s *pipelineSuite) TestCopyNumberExplainsFoldChange(c *check.C) {
	cfg := DefaultSimulationConfig()
	cfg.Samples, cfg.Genes, cfg.FracDE, cfg.CNVRate, cfg.Seed = 10, 200, 0, 0, 9
	sim := Simulate(cfg)
	ds := sim.Dataset
	// gene 0: fourfold expression in condition B, with 8 copies
	// instead of 2
	for i := 5; i < 10; i++ {
		ds.Counts.Set(i, 0, 4*ds.Counts.At(i-5, 0))
		ds.CNV.Set(i, 0, 8)
	}
	opts := testOptions()
	opts.BetaTol = 1e-10
	withCNV := fitUntilLFC(c, ds, opts)
	opts.IgnoreCNV = true
	plain := fitUntilLFC(c, ds, opts)

	c.Check(math.Abs(plain.LFC.At(0, 1)-math.Log(4)) < 0.3, check.Equals, true, check.Commentf("plain LFC %v", plain.LFC.At(0, 1)))
	c.Check(math.Abs(withCNV.LFC.At(0, 1)) < 0.35, check.Equals, true, check.Commentf("CNV-aware LFC %v", withCNV.LFC.At(0, 1)))
	diff := plain.LFC.At(0, 1) - withCNV.LFC.At(0, 1)
	c.Check(math.Abs(diff-math.Log(4.1/1.1)) < 1e-4, check.Equals, true, check.Commentf("difference %v", diff))
}
