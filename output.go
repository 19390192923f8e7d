// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// writeNumpy writes m as a float64 numpy array.
func writeNumpy(fnm string, m mat.Matrix) error {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = m.At(i, j)
		}
	}
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return fmt.Errorf("gonpy.NewWriter: %w", err)
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing numpy %s: %d rows, %d cols", fnm, rows, cols)
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeCSV(fnm string, header []string, rows func(yield func([]string) error) error) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(bufio.NewWriter(f))
	if err = w.Write(header); err != nil {
		return err
	}
	if err = rows(w.Write); err != nil {
		return err
	}
	w.Flush()
	if err = w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// WriteDispersions writes one row per gene with every dispersion
// estimate and flag.
func WriteDispersions(fnm string, res *Results) error {
	header := []string{"gene", "non_zero", "normed_mean", "mom_dispersion", "genewise_dispersion", "genewise_converged", "fitted_dispersion", "map_dispersion", "map_converged", "dispersion", "outlier", "replaced", "refitted"}
	return writeCSV(fnm, header, func(yield func([]string) error) error {
		for j, gene := range res.Genes {
			err := yield([]string{
				gene,
				strconv.FormatBool(res.NonZero[j]),
				formatFloat(res.NormedMeans[j]),
				formatFloat(res.MoMDispersions[j]),
				formatFloat(res.GenewiseDispersions[j]),
				strconv.FormatBool(res.GenewiseConverged[j]),
				formatFloat(res.FittedDispersions[j]),
				formatFloat(res.MAPDispersions[j]),
				strconv.FormatBool(res.MAPConverged[j]),
				formatFloat(res.Dispersions[j]),
				strconv.FormatBool(res.OutlierGenes[j]),
				strconv.FormatBool(res.Replaced[j]),
				strconv.FormatBool(res.Refitted[j]),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteLFC writes the natural-log coefficients of each gene, one
// column per design column, followed by the fit method.
func WriteLFC(fnm string, res *Results) error {
	header := append([]string{"gene"}, res.Design.Columns...)
	header = append(header, "converged", "method")
	_, p := res.LFC.Dims()
	return writeCSV(fnm, header, func(yield func([]string) error) error {
		for j, gene := range res.Genes {
			rec := []string{gene}
			for c := 0; c < p; c++ {
				rec = append(rec, formatFloat(res.LFC.At(j, c)))
			}
			rec = append(rec, strconv.FormatBool(res.LFCConverged[j]), string(res.LFCMethod[j]))
			if err := yield(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// InputDigest identifies an input file by content.
type InputDigest struct {
	File    string
	Blake2b string
}

// Summary is the machine-readable record of a run.
type Summary struct {
	Version       string
	Inputs        []InputDigest
	Samples       int
	Genes         int
	NonZeroGenes  int
	Design        []string
	SizeFactors   []float64
	Trend         Trend
	SquaredLogRes float64
	PriorDispVar  float64
	OutlierGenes  int
	ReplacedGenes int
	RefitGenes    int
	Warnings      []Warning
}

// digestFile returns the hex blake2b-256 digest of a file's contents.
func digestFile(fnm string) (string, error) {
	f, err := open(fnm)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func count(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// NewSummary summarizes res, recording digests of the input files.
func NewSummary(res *Results, inputs ...string) (*Summary, error) {
	s := &Summary{
		Version:       cmd.Version.String(),
		Samples:       len(res.Samples),
		Genes:         len(res.Genes),
		NonZeroGenes:  count(res.NonZero),
		Design:        res.Design.Columns,
		SizeFactors:   res.SizeFactors,
		Trend:         res.Trend,
		SquaredLogRes: res.SquaredLogRes,
		PriorDispVar:  res.PriorDispVar,
		OutlierGenes:  count(res.OutlierGenes),
		ReplacedGenes: count(res.Replaced),
		RefitGenes:    count(res.Refitted),
		Warnings:      res.Warnings,
	}
	for _, fnm := range inputs {
		if fnm == "" {
			continue
		}
		digest, err := digestFile(fnm)
		if err != nil {
			return nil, err
		}
		s.Inputs = append(s.Inputs, InputDigest{File: fnm, Blake2b: digest})
	}
	return s, nil
}

func (s *Summary) WriteFile(fnm string) error {
	buf, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fnm, append(buf, '\n'), 0666)
}

// WriteResults writes the standard output files of a fit into dir.
func WriteResults(dir string, res *Results) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	if err := WriteDispersions(filepath.Join(dir, "dispersions.csv"), res); err != nil {
		return err
	}
	if err := WriteLFC(filepath.Join(dir, "lfc.csv"), res); err != nil {
		return err
	}
	if err := writeNumpy(filepath.Join(dir, "mu.npy"), res.Mu); err != nil {
		return err
	}
	cooks := res.Cooks
	if res.ReplaceCooks != nil {
		cooks = res.ReplaceCooks
	}
	return writeNumpy(filepath.Join(dir, "cooks.npy"), cooks)
}
