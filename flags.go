// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"strings"

	log "github.com/sirupsen/logrus"
)

// modelFlags maps command line flags onto Options.
type modelFlags struct {
	Design        string
	Continuous    string
	RefLevel      string
	FitType       string
	SizeFactors   string
	MinMu         float64
	MinDisp       float64
	MaxDisp       float64
	BetaTol       float64
	MinReplicates int
	RefitCooks    bool
	NoCNV         bool
	Threads       int
	Quiet         bool
}

func (mf *modelFlags) Flags(flags *flag.FlagSet) {
	def := DefaultOptions()
	flags.StringVar(&mf.Design, "design", strings.Join(def.DesignFactors, ","), "comma-separated design `factors` (metadata columns)")
	flags.StringVar(&mf.Continuous, "continuous", "", "comma-separated design factors to treat as continuous `covariates`")
	flags.StringVar(&mf.RefLevel, "ref-level", "", "reference level of a categorical factor, as `factor:level`")
	flags.StringVar(&mf.FitType, "fit-type", string(def.FitType), "dispersion trend `type` (parametric or mean)")
	flags.StringVar(&mf.SizeFactors, "size-factors", string(def.SizeFactors), "size factor `method` (ratio, poscounts or iterative)")
	flags.Float64Var(&mf.MinMu, "min-mu", def.MinMu, "lower bound on fitted means when fitting dispersions")
	flags.Float64Var(&mf.MinDisp, "min-disp", def.MinDisp, "lower bound on dispersions")
	flags.Float64Var(&mf.MaxDisp, "max-disp", def.MaxDisp, "upper bound on dispersions (raised to the number of samples if smaller)")
	flags.Float64Var(&mf.BetaTol, "beta-tol", def.BetaTol, "IRLS convergence tolerance on the relative deviance change")
	flags.IntVar(&mf.MinReplicates, "min-replicates", def.MinReplicates, "replace Cook's outliers only in design cells with at least `N` samples")
	flags.BoolVar(&mf.RefitCooks, "refit-cooks", def.RefitCooks, "replace Cook's outliers and refit the affected genes")
	flags.BoolVar(&mf.NoCNV, "no-cnv", false, "ignore copy number and fit a plain negative binomial GLM")
	flags.IntVar(&mf.Threads, "threads", 0, "number of concurrent gene fitting `goroutines` (default GOMAXPROCS)")
	flags.BoolVar(&mf.Quiet, "quiet", false, "do not log stage progress")
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (mf *modelFlags) Options() (Options, error) {
	opts := DefaultOptions()
	opts.DesignFactors = splitList(mf.Design)
	opts.ContinuousFactors = splitList(mf.Continuous)
	if mf.RefLevel != "" {
		parts := strings.SplitN(mf.RefLevel, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return opts, fmt.Errorf("invalid -ref-level %q, expected factor:level", mf.RefLevel)
		}
		opts.RefLevel = &RefLevel{Factor: parts[0], Level: parts[1]}
	}
	fitType, err := ParseFitType(mf.FitType)
	if err != nil {
		return opts, err
	}
	opts.FitType = fitType
	switch sf := SizeFactorMethod(mf.SizeFactors); sf {
	case SizeFactorsRatio, SizeFactorsPosCounts, SizeFactorsIterative:
		opts.SizeFactors = sf
	default:
		return opts, fmt.Errorf("unknown size factor method %q", mf.SizeFactors)
	}
	if mf.MinDisp <= 0 || mf.MaxDisp <= mf.MinDisp {
		return opts, errors.New("need 0 < -min-disp < -max-disp")
	}
	opts.MinMu = mf.MinMu
	opts.MinDisp = mf.MinDisp
	opts.MaxDisp = mf.MaxDisp
	opts.BetaTol = mf.BetaTol
	opts.MinReplicates = mf.MinReplicates
	opts.RefitCooks = mf.RefitCooks
	opts.IgnoreCNV = mf.NoCNV
	opts.Threads = mf.Threads
	opts.Quiet = mf.Quiet
	return opts, nil
}

// servePprof serves Go profile data at addr, if addr is not empty.
func servePprof(addr string) {
	if addr != "" {
		go func() {
			log.Println(http.ListenAndServe(addr, nil))
		}()
	}
}
