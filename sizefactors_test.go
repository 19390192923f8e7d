// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type sizeFactorsSuite struct{}

var _ = check.Suite(&sizeFactorsSuite{})

// scaledCounts returns a 3 × k matrix whose rows are 1×, 2× and 4×
// the same profile.
func scaledCounts(k int) *mat.Dense {
	counts := mat.NewDense(3, k, nil)
	for j := 0; j < k; j++ {
		base := float64(3 + 7*j)
		for i, scale := range []float64{1, 2, 4} {
			counts.Set(i, j, base*scale)
		}
	}
	return counts
}

func (s *sizeFactorsSuite) TestRatio(c *check.C) {
	counts := scaledCounts(20)
	// a gene with a zero is not a reference
	counts.Set(0, 4, 0)
	counts.Set(1, 4, 1000)
	sf, err := ratioSizeFactors(counts, nil)
	c.Assert(err, check.IsNil)
	for i, want := range []float64{0.5, 1, 2} {
		c.Check(math.Abs(sf[i]-want) < 1e-12, check.Equals, true, check.Commentf("sf %v", sf))
	}

	// only gene 4 as a control gene leaves no references
	_, err = ratioSizeFactors(counts, []int{4})
	c.Check(err, check.Equals, errNoReferenceGenes)
	sf, err = ratioSizeFactors(counts, []int{0, 1})
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(sf[2]-2) < 1e-12, check.Equals, true)
}

func (s *sizeFactorsSuite) TestPosCounts(c *check.C) {
	counts := scaledCounts(20)
	counts.Set(2, 7, 0)
	counts.Set(0, 8, 0)
	sf, err := posCountsSizeFactors(counts, nil)
	c.Assert(err, check.IsNil)
	var logSum float64
	for _, v := range sf {
		c.Check(v > 0, check.Equals, true)
		logSum += math.Log(v)
	}
	c.Check(math.Abs(logSum) < 1e-12, check.Equals, true, check.Commentf("sf %v", sf))
	c.Check(sf[0] < sf[1] && sf[1] < sf[2], check.Equals, true, check.Commentf("sf %v", sf))
}

func (s *sizeFactorsSuite) TestControlMask(c *check.C) {
	c.Check(controlMask(3, nil), check.DeepEquals, []bool{true, true, true})
	c.Check(controlMask(3, []int{2, 7}), check.DeepEquals, []bool{false, false, true})
}

func (s *sizeFactorsSuite) TestIterativeWhenEveryGeneHasZero(c *check.C) {
	sim := simulated(6, 40, 21)
	counts := sim.Dataset.Counts
	for j := 0; j < 40; j++ {
		counts.Set(j%6, j, 0)
	}
	c.Check(everyGeneHasZero(counts), check.Equals, true)
	p, err := NewPipeline(sim.Dataset, testOptions())
	c.Assert(err, check.IsNil)
	c.Assert(p.FitSizeFactors(), check.IsNil)
	res := p.Results()
	c.Check(res.Warnings[0].Kind, check.Equals, WarnIterativeSizeFactors)
	var logSum float64
	for _, v := range res.SizeFactors {
		c.Check(v > 0 && !math.IsInf(v, 0), check.Equals, true, check.Commentf("sf %v", res.SizeFactors))
		logSum += math.Log(v)
	}
	c.Check(math.Abs(logSum) < 1e-9, check.Equals, true)
	c.Check(p.Stage(), check.Equals, StageSizeFactors)
	c.Check(res.NormedMeans[1] > 0, check.Equals, true)
}
