// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch = errors.New("count and CNV matrices must have the same dimensions")
	ErrInvalidCounts = errors.New("counts must be finite non-negative integers")
	ErrInvalidCNV    = errors.New("CNV values must be finite and positive")
	ErrStageOrder    = errors.New("pipeline stage invoked out of order")
	ErrRefitDisabled = errors.New("refitting Cook's outliers is disabled")
)

// Dataset is the input of a pipeline run. Counts and CNV are
// samples × genes.
type Dataset struct {
	Samples  []string
	Genes    []string
	Counts   *mat.Dense
	CNV      *mat.Dense
	Metadata *Metadata
}

// SizeFactorMethod selects how size factors are estimated.
type SizeFactorMethod string

const (
	SizeFactorsRatio     SizeFactorMethod = "ratio"
	SizeFactorsPosCounts SizeFactorMethod = "poscounts"
	SizeFactorsIterative SizeFactorMethod = "iterative"
)

// Options configures a pipeline run. Use DefaultOptions and override
// fields as needed.
type Options struct {
	DesignFactors     []string
	ContinuousFactors []string
	RefLevel          *RefLevel

	FitType       FitType
	SizeFactors   SizeFactorMethod
	ControlGenes  []int // genes used for size factors; nil means all
	MinMu         float64
	MinDisp       float64
	MaxDisp       float64 // the enforced bound is max(MaxDisp, number of samples)
	BetaTol       float64
	MaxBeta       float64
	MaxIter       int // IRLS iterations before falling back to L-BFGS
	OptimIter     int // quasi-Newton iteration limit (0 = none)
	GridLength    int
	MinReplicates int
	RefitCooks    bool

	// IgnoreCNV fits every gene with a unit offset, as a plain NB GLM.
	IgnoreCNV bool

	Threads int
	Quiet   bool
	Logger  logrus.FieldLogger
}

func DefaultOptions() Options {
	return Options{
		DesignFactors: []string{"condition"},
		FitType:       FitParametric,
		SizeFactors:   SizeFactorsRatio,
		MinMu:         0.5,
		MinDisp:       1e-8,
		MaxDisp:       10,
		BetaTol:       1e-8,
		MaxBeta:       30,
		MaxIter:       250,
		OptimIter:     1000,
		GridLength:    60,
		MinReplicates: 7,
		RefitCooks:    true,
	}
}

// Pipeline runs the dispersion and LFC estimation stages over one
// dataset.
type Pipeline struct {
	ds         *Dataset
	opts       Options
	design     *DesignMatrix
	fullRank   bool
	maxDisp    float64
	nonZeroIdx []int
	normed     *mat.Dense
	stage      Stage
	res        *Results
	log        logrus.FieldLogger
}

// NewPipeline validates the dataset, builds the design matrix and
// allocates NaN-filled results.
func NewPipeline(ds *Dataset, opts Options) (*Pipeline, error) {
	if ds.Counts == nil {
		return nil, fmt.Errorf("%w: no count matrix", ErrInvalidCounts)
	}
	n, k := ds.Counts.Dims()
	if ds.CNV == nil && !opts.IgnoreCNV {
		return nil, fmt.Errorf("%w: no CNV matrix", ErrShapeMismatch)
	}
	if ds.CNV != nil {
		if cn, ck := ds.CNV.Dims(); cn != n || ck != k {
			return nil, fmt.Errorf("%w: counts are %dx%d, CNV is %dx%d", ErrShapeMismatch, n, k, cn, ck)
		}
	}
	if len(ds.Samples) == 0 {
		ds.Samples = make([]string, n)
		for i := range ds.Samples {
			ds.Samples[i] = fmt.Sprintf("sample%d", i)
		}
	}
	if len(ds.Genes) == 0 {
		ds.Genes = make([]string, k)
		for j := range ds.Genes {
			ds.Genes[j] = fmt.Sprintf("gene%d", j)
		}
	}
	if len(ds.Samples) != n || len(ds.Genes) != k {
		return nil, fmt.Errorf("%w: %d sample names and %d gene names for a %dx%d matrix", ErrShapeMismatch, len(ds.Samples), len(ds.Genes), n, k)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			v := ds.Counts.At(i, j)
			if v < 0 || v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
				return nil, fmt.Errorf("%w: sample %s gene %s has %v", ErrInvalidCounts, ds.Samples[i], ds.Genes[j], v)
			}
			if ds.CNV != nil && !opts.IgnoreCNV {
				if c := ds.CNV.At(i, j); !(c > 0) || math.IsInf(c, 0) {
					return nil, fmt.Errorf("%w: sample %s gene %s has %v", ErrInvalidCNV, ds.Samples[i], ds.Genes[j], c)
				}
			}
		}
	}

	var design *DesignMatrix
	if len(opts.DesignFactors) == 0 {
		design = Intercept(n)
	} else {
		if ds.Metadata == nil {
			return nil, errors.New("design factors given but no sample metadata")
		}
		md, err := alignMetadata(ds.Metadata, ds.Samples)
		if err != nil {
			return nil, err
		}
		design, err = BuildDesignMatrix(md, opts.DesignFactors, opts.ContinuousFactors, opts.RefLevel)
		if err != nil {
			return nil, err
		}
	}

	p := &Pipeline{
		ds:      ds,
		opts:    opts,
		design:  design,
		maxDisp: math.Max(opts.MaxDisp, float64(n)),
		log:     opts.Logger,
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	p.res = newResults(ds, design)
	for j := 0; j < k; j++ {
		for i := 0; i < n; i++ {
			if ds.Counts.At(i, j) != 0 {
				p.res.NonZero[j] = true
				p.nonZeroIdx = append(p.nonZeroIdx, j)
				break
			}
		}
	}
	p.fullRank = design.FullRank()
	if !p.fullRank {
		p.warn(WarnRankDeficiency, "The design matrix is not full rank, so the model cannot be fitted reliably. Remove design variables that are linear combinations of others.")
	}
	return p, nil
}

// alignMetadata reorders md to follow samples.
func alignMetadata(md *Metadata, samples []string) (*Metadata, error) {
	pos := make(map[string]int, len(md.Samples))
	for i, s := range md.Samples {
		pos[s] = i
	}
	out := &Metadata{Samples: samples, Columns: map[string][]string{}}
	for name, values := range md.Columns {
		col := make([]string, len(samples))
		for i, s := range samples {
			idx, ok := pos[s]
			if !ok {
				return nil, fmt.Errorf("sample %q not found in metadata", s)
			}
			col[i] = values[idx]
		}
		out.Columns[name] = col
	}
	return out, nil
}

func (p *Pipeline) Results() *Results { return p.res }
func (p *Pipeline) Stage() Stage      { return p.stage }
func (p *Pipeline) Design() *DesignMatrix {
	return p.design
}

func (p *Pipeline) warn(kind WarningKind, msg string) {
	p.res.Warnings = append(p.res.Warnings, Warning{Kind: kind, Message: msg})
	p.log.WithField("warning", kind).Warn(msg)
}

func (p *Pipeline) require(stage Stage, op string) error {
	if p.stage < stage {
		return fmt.Errorf("%w: %s requires %s (current stage: %s)", ErrStageOrder, op, stage, p.stage)
	}
	return nil
}

// timed logs msg, runs fn, and logs the elapsed time.
func (p *Pipeline) timed(msg string, fn func() error) error {
	if !p.opts.Quiet {
		p.log.Info(msg)
	}
	start := time.Now()
	err := fn()
	if err == nil && !p.opts.Quiet {
		p.log.Infof("... done in %.2f seconds.", time.Since(start).Seconds())
	}
	return err
}

// context returns the fit context over the non-zero genes for the
// given design.
func (p *Pipeline) context(design *DesignMatrix) *fitContext {
	fc := &fitContext{
		counts:   selectColumns(p.ds.Counts, p.nonZeroIdx),
		sf:       p.res.SizeFactors,
		design:   design,
		fullRank: p.fullRank,
		opts:     &p.opts,
		maxDisp:  p.maxDisp,
	}
	if design != p.design {
		fc.fullRank = design.FullRank()
	}
	if p.ds.CNV != nil {
		fc.cnv = selectColumns(p.ds.CNV, p.nonZeroIdx)
	}
	return fc
}

// Run executes every stage in order.
func (p *Pipeline) Run() error {
	steps := []func() error{
		p.FitSizeFactors,
		p.FitGenewiseDispersions,
		p.FitDispersionTrend,
		p.FitDispersionPrior,
		p.FitMAPDispersions,
		p.FitLFC,
		p.CalculateCooks,
	}
	if p.opts.RefitCooks {
		steps = append(steps, p.Refit)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// FitSizeFactors estimates per-sample size factors and normalized
// counts.
func (p *Pipeline) FitSizeFactors() error {
	return p.timed("Fitting size factors...", func() error {
		var sf []float64
		var err error
		method := p.opts.SizeFactors
		if method == SizeFactorsRatio && everyGeneHasZero(p.ds.Counts) {
			p.warn(WarnIterativeSizeFactors, "Every gene contains at least one zero, cannot compute log geometric means. Switching to iterative mode.")
			method = SizeFactorsIterative
		}
		switch method {
		case SizeFactorsRatio:
			sf, err = ratioSizeFactors(p.ds.Counts, p.opts.ControlGenes)
		case SizeFactorsPosCounts:
			sf, err = posCountsSizeFactors(p.ds.Counts, p.opts.ControlGenes)
		case SizeFactorsIterative:
			sf, err = p.iterativeSizeFactors(10, 0.95)
		default:
			err = fmt.Errorf("unknown size factor method %q", method)
		}
		if err != nil {
			return err
		}
		p.setSizeFactors(sf)
		return nil
	})
}

func (p *Pipeline) setSizeFactors(sf []float64) {
	n, k := p.ds.Counts.Dims()
	p.res.SizeFactors = sf
	p.normed = mat.NewDense(n, k, nil)
	p.normed.Apply(func(i, j int, v float64) float64 { return v / sf[i] }, p.ds.Counts)
	p.res.NormedMeans = normedMeans(p.normed)
	p.stage = StageSizeFactors
}

// FitGenewiseDispersions fits an independent dispersion per non-zero
// gene, seeded by the rough moments estimates.
func (p *Pipeline) FitGenewiseDispersions() error {
	if err := p.require(StageSizeFactors, "genewise dispersions"); err != nil {
		return err
	}
	return p.timed("Fitting dispersions...", func() error {
		if len(p.nonZeroIdx) == 0 {
			p.stage = StageGenewise
			return nil
		}
		fc := p.context(p.design)
		mom, err := fc.momDispersions(selectColumns(p.normed, p.nonZeroIdx))
		if err != nil {
			return err
		}
		gw, err := fc.genewise(mom)
		if err != nil {
			return err
		}
		scatter(p.res.MoMDispersions, p.nonZeroIdx, mom)
		scatter(p.res.GenewiseDispersions, p.nonZeroIdx, gw.dispersion)
		scatterBool(p.res.GenewiseConverged, p.nonZeroIdx, gw.converged)
		scatterColumns(p.res.GenewiseMu, p.nonZeroIdx, gw.mu)
		p.stage = StageGenewise
		return nil
	})
}

// FitDispersionTrend fits the dispersion-mean trend, falling back to
// the mean trend when the parametric fit fails.
func (p *Pipeline) FitDispersionTrend() error {
	if err := p.require(StageGenewise, "dispersion trend"); err != nil {
		return err
	}
	return p.timed("Fitting dispersion trend curve...", func() error {
		gw := gather(p.res.GenewiseDispersions, p.nonZeroIdx)
		means := gather(p.res.NormedMeans, p.nonZeroIdx)
		p.res.Trend = p.fitTrend(gw, means, p.opts.FitType, true)
		scatter(p.res.FittedDispersions, p.nonZeroIdx, p.res.Trend.Eval(means))
		p.stage = StageTrend
		return nil
	})
}

func (p *Pipeline) fitTrend(genewise, means []float64, fitType FitType, record bool) Trend {
	if fitType == FitParametric {
		trend, err := fitParametricTrend(genewise, means)
		if err == nil {
			return trend
		}
		msg := fmt.Sprintf("%s. Switching to a mean-based dispersion trend.", err)
		if record {
			p.warn(WarnTrendNonConvergence, msg)
		} else {
			p.log.WithField("warning", WarnTrendNonConvergence).Warn(msg)
		}
	}
	return fitMeanTrend(genewise, p.opts.MinDisp)
}

// FitDispersionPrior computes the prior variance of log dispersions
// around the trend.
func (p *Pipeline) FitDispersionPrior() error {
	if err := p.require(StageTrend, "dispersion prior"); err != nil {
		return err
	}
	n, nVars := p.design.X.Dims()
	if n-nVars <= 3 {
		p.warn(WarnLowDegreesOfFreedom, "As the residual degrees of freedom is less than 3, the distribution of log dispersions is especially asymmetric and likely to be poorly estimated by the MAD.")
	}
	p.res.SquaredLogRes, p.res.PriorDispVar = dispersionPrior(
		gather(p.res.GenewiseDispersions, p.nonZeroIdx),
		gather(p.res.FittedDispersions, p.nonZeroIdx),
		p.opts.MinDisp, n, nVars)
	p.stage = StagePrior
	return nil
}

// shrinkOutliers returns the final dispersions: MAP estimates,
// except for genes whose genewise dispersion lies more than two
// residual standard deviations above the trend, which keep their
// genewise value.
func shrinkOutliers(genewise, fitted, mapDisp []float64, squaredLogRes float64) ([]float64, []bool) {
	disp := append([]float64(nil), mapDisp...)
	outlier := make([]bool, len(genewise))
	bound := 2 * math.Sqrt(squaredLogRes)
	for j, g := range genewise {
		if math.Log(g) > math.Log(fitted[j])+bound {
			outlier[j] = true
			disp[j] = g
		}
	}
	return disp, outlier
}

// FitMAPDispersions shrinks genewise dispersions toward the trend.
// Running it again without changing the prior gives the same result.
func (p *Pipeline) FitMAPDispersions() error {
	if err := p.require(StagePrior, "MAP dispersions"); err != nil {
		return err
	}
	return p.timed("Fitting MAP dispersions...", func() error {
		if len(p.nonZeroIdx) > 0 {
			fc := p.context(p.design)
			fitted := gather(p.res.FittedDispersions, p.nonZeroIdx)
			mapDisp, conv := fc.mapDispersions(selectColumns(p.res.GenewiseMu, p.nonZeroIdx), fitted, p.res.PriorDispVar)
			disp, outlier := shrinkOutliers(gather(p.res.GenewiseDispersions, p.nonZeroIdx), fitted, mapDisp, p.res.SquaredLogRes)
			scatter(p.res.MAPDispersions, p.nonZeroIdx, mapDisp)
			scatterBool(p.res.MAPConverged, p.nonZeroIdx, conv)
			scatter(p.res.Dispersions, p.nonZeroIdx, disp)
			scatterBool(p.res.OutlierGenes, p.nonZeroIdx, outlier)
		}
		p.stage = StageMAP
		return nil
	})
}

// FitLFC fits the CNV-adjusted log fold changes (natural log scale).
func (p *Pipeline) FitLFC() error {
	if err := p.require(StageMAP, "LFC"); err != nil {
		return err
	}
	return p.timed("Fitting LFCs...", func() error {
		if len(p.nonZeroIdx) > 0 {
			fc := p.context(p.design)
			fit := fc.lfc(gather(p.res.Dispersions, p.nonZeroIdx))
			p.storeLFC(p.nonZeroIdx, fit)
		}
		p.stage = StageLFC
		return nil
	})
}

func (p *Pipeline) storeLFC(idx []int, fit *lfcFit) {
	scatterRows(p.res.LFC, idx, fit.beta)
	scatterColumns(p.res.Mu, idx, fit.mu)
	scatterColumns(p.res.HatDiagonals, idx, fit.hat)
	scatterBool(p.res.LFCConverged, idx, fit.converged)
	for t, j := range idx {
		p.res.LFCMethod[j] = fit.method[t]
	}
}
