// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"fmt"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Metadata is a per-sample table of string-valued columns.
type Metadata struct {
	Samples []string
	Columns map[string][]string
}

// RefLevel names the reference (control) level of a categorical
// factor.
type RefLevel struct {
	Factor string
	Level  string
}

// DesignMatrix is a samples × covariates model matrix with an
// intercept in column 0.
type DesignMatrix struct {
	Columns []string
	X       *mat.Dense
}

// Intercept returns an intercept-only design for n samples.
func Intercept(n int) *DesignMatrix {
	x := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
	}
	return &DesignMatrix{Columns: []string{"intercept"}, X: x}
}

// BuildDesignMatrix encodes the named factors of md. Continuous
// factors are parsed as numbers and used as is. Each categorical
// factor contributes one column per non-reference level, named
// "factor_level_vs_ref"; the reference level is ref.Level when
// ref.Factor matches, otherwise the first level in sorted order.
func BuildDesignMatrix(md *Metadata, factors, continuous []string, ref *RefLevel) (*DesignMatrix, error) {
	n := len(md.Samples)
	isContinuous := map[string]bool{}
	for _, f := range continuous {
		isContinuous[f] = true
	}
	if ref != nil {
		found := false
		for _, f := range factors {
			found = found || f == ref.Factor
		}
		if !found {
			return nil, fmt.Errorf("reference level factor %q is not a design factor", ref.Factor)
		}
	}

	columns := []string{"intercept"}
	data := [][]float64{make([]float64, n)}
	for i := range data[0] {
		data[0][i] = 1
	}
	for _, factor := range factors {
		values, ok := md.Columns[factor]
		if !ok {
			return nil, fmt.Errorf("design factor %q not found in metadata", factor)
		}
		if isContinuous[factor] {
			col := make([]float64, n)
			for i, s := range values {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, fmt.Errorf("continuous factor %q, sample %s: %w", factor, md.Samples[i], err)
				}
				col[i] = v
			}
			columns = append(columns, factor)
			data = append(data, col)
			continue
		}
		levelSet := map[string]bool{}
		for _, v := range values {
			levelSet[v] = true
		}
		levels := make([]string, 0, len(levelSet))
		for l := range levelSet {
			levels = append(levels, l)
		}
		sort.Strings(levels)
		refLevel := levels[0]
		if ref != nil && ref.Factor == factor {
			if !levelSet[ref.Level] {
				return nil, fmt.Errorf("reference level %q not found in factor %q", ref.Level, factor)
			}
			refLevel = ref.Level
		}
		if len(levels) < 2 {
			return nil, fmt.Errorf("factor %q has a single level %q", factor, refLevel)
		}
		for _, level := range levels {
			if level == refLevel {
				continue
			}
			col := make([]float64, n)
			for i, v := range values {
				if v == level {
					col[i] = 1
				}
			}
			columns = append(columns, fmt.Sprintf("%s_%s_vs_%s", factor, level, refLevel))
			data = append(data, col)
		}
	}

	x := mat.NewDense(n, len(columns), nil)
	for j, col := range data {
		x.SetCol(j, col)
	}
	return &DesignMatrix{Columns: columns, X: x}, nil
}

// Rank returns the numerical column rank of the design.
func (dm *DesignMatrix) Rank() int {
	return matrixRank(dm.X)
}

// matrixRank counts the singular values of x above rankTolerance.
func matrixRank(x mat.Matrix) int {
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDNone) {
		return 0
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0
	}
	n, p := x.Dims()
	tol := rankTolerance(values[0], n, p)
	rank := 0
	for _, v := range values {
		if v > tol {
			rank++
		}
	}
	return rank
}

// rankTolerance is the threshold below which a singular value of a
// rows × cols matrix with largest singular value s0 counts as zero.
func rankTolerance(s0 float64, rows, cols int) float64 {
	return s0 * float64(max(rows, cols)) * 2.220446049250313e-16
}

// FullRank reports whether the design has full column rank.
func (dm *DesignMatrix) FullRank() bool {
	_, p := dm.X.Dims()
	return dm.Rank() == p
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
