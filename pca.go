// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"fmt"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// SamplePCA projects the rows (samples) of x onto the first
// components principal components of the column (gene) space and
// returns a samples × components matrix.
func SamplePCA(x mat.Matrix, components int) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if components < 1 || components > rows || components > cols {
		return nil, fmt.Errorf("cannot compute %d principal components of a %dx%d matrix", components, rows, cols)
	}
	log.Printf("fitting PCA: %d samples, %d genes, %d components", rows, cols, components)
	// nlp treats columns as observations
	transformer := nlp.NewPCA(components)
	mtx, err := transformer.FitTransform(x.T())
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(mtx.T()), nil
}
