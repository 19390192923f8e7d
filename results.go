// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Stage is a step of the estimation pipeline. Stages run in
// increasing order.
type Stage int

const (
	StageInit Stage = iota
	StageSizeFactors
	StageGenewise
	StageTrend
	StagePrior
	StageMAP
	StageLFC
	StageCooks
	StageRefit
)

var stageNames = [...]string{"init", "size factors", "genewise dispersions", "dispersion trend", "dispersion prior", "MAP dispersions", "LFC", "Cook's distances", "refit"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// WarningKind classifies a non-fatal condition met during a run.
type WarningKind string

const (
	WarnRankDeficiency         WarningKind = "rank-deficiency"
	WarnTrendNonConvergence    WarningKind = "trend-non-convergence"
	WarnLowDegreesOfFreedom    WarningKind = "low-degrees-of-freedom"
	WarnInsufficientReplicates WarningKind = "insufficient-replicates"
	WarnIterativeSizeFactors   WarningKind = "iterative-size-factors"
	WarnSizeFactorNonConverge  WarningKind = "size-factor-non-convergence"
)

type Warning struct {
	Kind    WarningKind
	Message string
}

// Results holds every per-gene and per-sample quantity estimated by
// the pipeline. Per-gene slices are indexed like Dataset.Genes;
// matrices are samples × genes, except LFC which is genes ×
// design columns. Genes with only zero counts keep NaN values.
type Results struct {
	Genes       []string
	Samples     []string
	Design      *DesignMatrix
	SizeFactors []float64
	NormedMeans []float64
	NonZero     []bool

	MoMDispersions      []float64
	GenewiseDispersions []float64
	GenewiseConverged   []bool
	GenewiseMu          *mat.Dense

	Trend             Trend
	FittedDispersions []float64

	SquaredLogRes float64
	PriorDispVar  float64

	MAPDispersions []float64
	MAPConverged   []bool
	OutlierGenes   []bool
	Dispersions    []float64

	LFC          *mat.Dense
	LFCConverged []bool
	LFCMethod    []FitMethod
	Mu           *mat.Dense
	HatDiagonals *mat.Dense

	Cooks          *mat.Dense
	Replaceable    []bool
	Replaced       []bool
	Refitted       []bool
	ReplacedCounts *mat.Dense
	ReplaceCooks   *mat.Dense

	Warnings []Warning
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func nanDense(r, c int) *mat.Dense {
	return mat.NewDense(r, c, nanSlice(r*c))
}

func newResults(ds *Dataset, design *DesignMatrix) *Results {
	n, k := len(ds.Samples), len(ds.Genes)
	_, p := design.X.Dims()
	return &Results{
		Genes:               ds.Genes,
		Samples:             ds.Samples,
		Design:              design,
		NormedMeans:         nanSlice(k),
		NonZero:             make([]bool, k),
		MoMDispersions:      nanSlice(k),
		GenewiseDispersions: nanSlice(k),
		GenewiseConverged:   make([]bool, k),
		GenewiseMu:          nanDense(n, k),
		FittedDispersions:   nanSlice(k),
		MAPDispersions:      nanSlice(k),
		MAPConverged:        make([]bool, k),
		OutlierGenes:        make([]bool, k),
		Dispersions:         nanSlice(k),
		LFC:                 nanDense(k, p),
		LFCConverged:        make([]bool, k),
		LFCMethod:           make([]FitMethod, k),
		Mu:                  nanDense(n, k),
		HatDiagonals:        nanDense(n, k),
		Cooks:               nanDense(n, k),
		Replaced:            make([]bool, k),
		Refitted:            make([]bool, k),
	}
}

// GeneIndex returns the index of the named gene, or -1.
func (r *Results) GeneIndex(gene string) int {
	for j, g := range r.Genes {
		if g == gene {
			return j
		}
	}
	return -1
}

// scatter copies src[t] into dst[idx[t]].
func scatter(dst []float64, idx []int, src []float64) {
	for t, j := range idx {
		dst[j] = src[t]
	}
}

func scatterBool(dst []bool, idx []int, src []bool) {
	for t, j := range idx {
		dst[j] = src[t]
	}
}

// scatterColumns copies column t of src into column idx[t] of dst.
func scatterColumns(dst *mat.Dense, idx []int, src *mat.Dense) {
	n, _ := src.Dims()
	col := make([]float64, n)
	for t, j := range idx {
		dst.SetCol(j, mat.Col(col, t, src))
	}
}

// scatterRows copies row t of src into row idx[t] of dst.
func scatterRows(dst *mat.Dense, idx []int, src *mat.Dense) {
	_, p := src.Dims()
	row := make([]float64, p)
	for t, j := range idx {
		dst.SetRow(j, mat.Row(row, t, src))
	}
}

func gather(src []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for t, j := range idx {
		out[t] = src[j]
	}
	return out
}
