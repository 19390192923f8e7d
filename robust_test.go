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

type robustSuite struct{}

var _ = check.Suite(&robustSuite{})

func (s *robustSuite) TestTrimmedMean(c *check.C) {
	x := []float64{10, 1, 9, 2, 8, 3, 7, 4, 6, 5}
	c.Check(trimmedMean(x, 0), check.Equals, 5.5)
	c.Check(trimmedMean(x, 0.1), check.Equals, 5.5)
	c.Check(trimmedMean([]float64{1, 2, 3, 4, 1000}, 0.2), check.Equals, 3.0)
	c.Check(math.IsNaN(trimmedMean(nil, 0.2)), check.Equals, true)
	// input is not reordered
	c.Check(x[0], check.Equals, 10.0)
}

func (s *robustSuite) TestMAD(c *check.C) {
	got := mad([]float64{1, 2, 3, 4, 100})
	c.Check(math.Abs(got-1.482602218505602) < 1e-9, check.Equals, true, check.Commentf("mad %v", got))
	c.Check(median([]float64{5, 1, 3}), check.Equals, 3.0)
}

func (s *robustSuite) TestTrigamma(c *check.C) {
	for _, trial := range []struct {
		x, want float64
	}{
		{1, math.Pi * math.Pi / 6},
		{0.5, math.Pi * math.Pi / 2},
		{2, math.Pi*math.Pi/6 - 1},
		{10.5, 0.09991695605912956},
	} {
		got := trigamma(trial.x)
		c.Check(math.Abs(got-trial.want) < 1e-10, check.Equals, true, check.Commentf("trigamma(%v) = %v, want %v", trial.x, got, trial.want))
	}
	c.Check(math.IsNaN(trigamma(0)), check.Equals, true)
}

func (s *robustSuite) TestReplicates(c *check.C) {
	x := mat.NewDense(5, 2, []float64{
		1, 0,
		1, 0,
		1, 1,
		1, 1,
		1, 1,
	})
	c.Check(nOrMoreReplicates(x, 3), check.DeepEquals, []bool{false, false, true, true, true})
	c.Check(nOrMoreReplicates(x, 2), check.DeepEquals, []bool{true, true, true, true, true})
	c.Check(distinctRows(x), check.Equals, 2)
	c.Check(distinctRows(Intercept(4).X), check.Equals, 1)
}

func (s *robustSuite) TestMomentsDispersions(c *check.C) {
	normed := mat.NewDense(4, 3, []float64{
		10, 5, 0,
		20, 5, 0,
		30, 5, 0,
		40, 5, 1,
	})
	sf := []float64{1, 1, 1, 1}
	d := fitMomentsDispersions(normed, sf)
	// var = 166.67, mean = 25
	c.Check(math.Abs(d[0]-(500.0/3-25)/625) < 1e-12, check.Equals, true, check.Commentf("%v", d))
	c.Check(d[1] < 0, check.Equals, true)
	c.Check(math.IsNaN(d[2]), check.Equals, false)
}

func (s *robustSuite) TestRoughDispersions(c *check.C) {
	normed := mat.NewDense(6, 2, []float64{
		10, 5,
		30, 5,
		20, 5,
		100, 5,
		140, 5,
		120, 5,
	})
	x := twoGroupDesign(6)
	d, err := roughDispersions(normed, x, ones(6), 1e-8, 10)
	c.Assert(err, check.IsNil)
	c.Check(d[0] > 1e-8 && d[0] <= 10, check.Equals, true, check.Commentf("%v", d))
	// constant counts are less variable than Poisson
	c.Check(d[1], check.Equals, 1e-8)

	_, err = fitRoughDispersions(normed.Slice(0, 2, 0, 2).(*mat.Dense), twoGroupDesign(2))
	c.Check(errors.Is(err, ErrNoReplicates), check.Equals, true)
}

func (s *robustSuite) TestRobustMethodOfMoments(c *check.C) {
	normed := mat.NewDense(8, 2, []float64{
		100, 7,
		102, 7,
		98, 7,
		5000, 7,
		200, 7,
		205, 7,
		195, 7,
		201, 7,
	})
	d := robustMethodOfMomentsDisp(normed, twoGroupDesign(8))
	// the trimmed variance ignores the single extreme count
	c.Check(d[0] < 0.1, check.Equals, true, check.Commentf("%v", d))
	c.Check(d[1], check.Equals, 0.04)
}
