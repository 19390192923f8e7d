// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"math"

	"gopkg.in/check.v1"
)

type trendSuite struct{}

var _ = check.Suite(&trendSuite{})

func (s *trendSuite) TestParametricTrendExact(c *check.C) {
	var means, disp []float64
	for m := 5.0; m < 5000; m *= 1.3 {
		means = append(means, m)
		disp = append(disp, 0.05+2/m)
	}
	trend, err := fitParametricTrend(disp, means)
	c.Assert(err, check.IsNil)
	c.Check(trend.Type, check.Equals, FitParametric)
	c.Check(math.Abs(trend.A0-0.05) < 1e-6, check.Equals, true, check.Commentf("%+v", trend))
	c.Check(math.Abs(trend.A1-2) < 1e-5, check.Equals, true, check.Commentf("%+v", trend))
	fitted := trend.Eval([]float64{10})
	c.Check(math.Abs(fitted[0]-0.25) < 1e-5, check.Equals, true)
}

func (s *trendSuite) TestParametricTrendDropsOutliers(c *check.C) {
	var means, disp []float64
	var planted []int
	for i, m := 0, 5.0; m < 5000; i, m = i+1, m*1.1 {
		means = append(means, m)
		d := (0.1 + 3/m) * (1 + 0.2*math.Sin(float64(i)))
		if i%17 == 0 {
			// far below the curve, outside the kept ratio band
			d *= 1e-6
			planted = append(planted, i)
		}
		disp = append(disp, d)
	}
	trend, err := fitParametricTrend(disp, means)
	c.Assert(err, check.IsNil)
	c.Check(trend.Type, check.Equals, FitParametric)
	c.Check(math.Abs(trend.A0-0.1) < 0.01, check.Equals, true, check.Commentf("%+v", trend))
	c.Check(math.Abs(trend.A1-3) < 0.3, check.Equals, true, check.Commentf("%+v", trend))

	fitted := trend.Eval(means)
	for _, i := range planted {
		c.Check(disp[i]/fitted[i] < 1e-4, check.Equals, true, check.Commentf("gene %d ratio %v", i, disp[i]/fitted[i]))
	}
	for i := range means {
		if i%17 != 0 {
			r := disp[i] / fitted[i]
			c.Check(r > 0.7 && r < 1.3, check.Equals, true, check.Commentf("gene %d ratio %v", i, r))
		}
	}
}

func (s *trendSuite) TestParametricTrendFailure(c *check.C) {
	// dispersion increasing with mean needs a negative a1
	var means, disp []float64
	for m := 5.0; m < 5000; m *= 1.3 {
		means = append(means, m)
		disp = append(disp, 0.01+m/1000)
	}
	_, err := fitParametricTrend(disp, means)
	c.Check(errors.Is(err, errTrendNotConverged), check.Equals, true, check.Commentf("%v", err))

	_, err = fitParametricTrend([]float64{0.1}, []float64{10})
	c.Check(errors.Is(err, errTrendNotConverged), check.Equals, true)
}

func (s *trendSuite) TestMeanTrend(c *check.C) {
	trend := fitMeanTrend([]float64{0.1, 0.2, 0.3, 1e-9}, 1e-8)
	c.Check(trend.Type, check.Equals, FitMean)
	c.Check(math.Abs(trend.MeanDisp-0.2) < 1e-12, check.Equals, true)
	c.Check(trend.Eval([]float64{1, 1000}), check.DeepEquals, []float64{trend.MeanDisp, trend.MeanDisp})
}

func (s *trendSuite) TestDispersionPrior(c *check.C) {
	genewise := []float64{0.1, 0.2, 0.4, 0.1, 1e-9}
	fitted := []float64{0.1, 0.1, 0.1, 0.1, 0.1}
	sq, prior := dispersionPrior(genewise, fitted, 1e-8, 20, 2)
	// log residuals 0, log 2, log 4, 0: median log 2 / 2
	m := math.Log(2) / 2 * madScale
	c.Check(math.Abs(sq-m*m) < 1e-12, check.Equals, true, check.Commentf("squared log residual %v", sq))
	c.Check(prior, check.Equals, 0.25)

	_, prior = dispersionPrior([]float64{0.01, 1, 0.01, 1}, []float64{0.1, 0.1, 0.1, 0.1}, 1e-8, 100, 2)
	c.Check(prior > 0.25, check.Equals, true)
}

func (s *trendSuite) TestParseFitType(c *check.C) {
	ft, err := ParseFitType("mean")
	c.Check(err, check.IsNil)
	c.Check(ft, check.Equals, FitMean)
	_, err = ParseFitType("local")
	c.Check(err, check.NotNil)
}
