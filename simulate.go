// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimulationConfig describes a synthetic two-condition data set.
type SimulationConfig struct {
	Samples  int
	Genes    int
	FracDE   float64 // fraction of genes with a non-zero LFC
	LFC      float64 // natural-log fold change of DE genes (sign is random)
	MeanLow  float64 // base means are log-uniform in [MeanLow, MeanHigh]
	MeanHigh float64
	A0, A1   float64 // true dispersion trend a0 + a1/mean
	CNVRate  float64 // probability that a cell is not diploid
	Seed     uint64
}

func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		Samples:  12,
		Genes:    500,
		FracDE:   0.1,
		LFC:      1,
		MeanLow:  10,
		MeanHigh: 2000,
		A0:       0.05,
		A1:       1,
		CNVRate:  0.1,
		Seed:     1,
	}
}

// Simulation is a synthetic data set together with the parameters it
// was drawn from.
type Simulation struct {
	Dataset         *Dataset
	SizeFactors     []float64
	TrueLFC         []float64
	TrueDispersions []float64
}

// Simulate draws negative binomial counts as a gamma-Poisson mixture.
// The first half of the samples is condition "A", the rest "B". The
// mean of sample i, gene j is sf[i] * (cnv/2 + 0.1) * base[j] *
// exp(lfc[j]) for condition B.
func Simulate(cfg SimulationConfig) *Simulation {
	src := rand.NewSource(cfg.Seed)
	rnd := rand.New(src)
	n, k := cfg.Samples, cfg.Genes

	sim := &Simulation{
		SizeFactors:     make([]float64, n),
		TrueLFC:         make([]float64, k),
		TrueDispersions: make([]float64, k),
	}
	md := &Metadata{Columns: map[string][]string{"condition": make([]string, n)}}
	for i := 0; i < n; i++ {
		md.Samples = append(md.Samples, fmt.Sprintf("sample%d", i))
		md.Columns["condition"][i] = "A"
		if i >= n/2 {
			md.Columns["condition"][i] = "B"
		}
		sim.SizeFactors[i] = math.Exp(rnd.Float64()*0.4 - 0.2)
	}

	genes := make([]string, k)
	counts := mat.NewDense(n, k, nil)
	cnv := mat.NewDense(n, k, nil)
	logLow, logHigh := math.Log(cfg.MeanLow), math.Log(cfg.MeanHigh)
	poisson := distuv.Poisson{Src: src}
	gamma := distuv.Gamma{Src: src}
	for j := 0; j < k; j++ {
		genes[j] = fmt.Sprintf("gene%d", j)
		base := math.Exp(logLow + rnd.Float64()*(logHigh-logLow))
		alpha := cfg.A0 + cfg.A1/base
		sim.TrueDispersions[j] = alpha
		if rnd.Float64() < cfg.FracDE {
			sim.TrueLFC[j] = cfg.LFC
			if rnd.Intn(2) == 0 {
				sim.TrueLFC[j] = -cfg.LFC
			}
		}
		for i := 0; i < n; i++ {
			copies := 2.0
			if rnd.Float64() < cfg.CNVRate {
				copies = []float64{1, 3, 4}[rnd.Intn(3)]
			}
			cnv.Set(i, j, copies)
			mu := sim.SizeFactors[i] * (copies/2 + 0.1) * base
			if md.Columns["condition"][i] == "B" {
				mu *= math.Exp(sim.TrueLFC[j])
			}
			gamma.Alpha = 1 / alpha
			gamma.Beta = 1 / (alpha * mu)
			poisson.Lambda = gamma.Rand()
			if poisson.Lambda <= 0 {
				continue
			}
			counts.Set(i, j, poisson.Rand())
		}
	}
	sim.Dataset = &Dataset{
		Samples:  md.Samples,
		Genes:    genes,
		Counts:   counts,
		CNV:      cnv,
		Metadata: md,
	}
	return sim
}
