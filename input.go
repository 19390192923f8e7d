// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// LabeledMatrix is a samples × genes matrix with row and column
// names.
type LabeledMatrix struct {
	Rows []string
	Cols []string
	Data *mat.Dense
}

// ReadMatrix loads a samples × genes matrix. Files ending in .npy (or
// .npy.gz) are read as numpy arrays and get generated names;
// anything else is read as CSV with sample names in the first column
// and gene names in the header.
func ReadMatrix(fnm string) (*LabeledMatrix, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m *LabeledMatrix
	if strings.HasSuffix(strings.TrimSuffix(fnm, ".gz"), ".npy") {
		m, err = readNumpyMatrix(bufio.NewReader(f))
	} else {
		m, err = readCSVMatrix(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	rows, cols := m.Data.Dims()
	log.WithFields(log.Fields{"file": fnm, "rows": rows, "cols": cols}).Info("loaded matrix")
	return m, nil
}

func readNumpyMatrix(r io.Reader) (*LabeledMatrix, error) {
	npy, err := gonpy.NewReader(r)
	if err != nil {
		return nil, err
	}
	if len(npy.Shape) != 2 {
		return nil, fmt.Errorf("expected a 2-dimensional array, got shape %v", npy.Shape)
	}
	rows, cols := npy.Shape[0], npy.Shape[1]
	data := make([]float64, rows*cols)
	switch npy.Dtype {
	case "f8":
		data, err = npy.GetFloat64()
	case "f4":
		var v []float32
		v, err = npy.GetFloat32()
		for i, x := range v {
			data[i] = float64(x)
		}
	case "i8":
		var v []int64
		v, err = npy.GetInt64()
		for i, x := range v {
			data[i] = float64(x)
		}
	case "i4":
		var v []int32
		v, err = npy.GetInt32()
		for i, x := range v {
			data[i] = float64(x)
		}
	default:
		return nil, fmt.Errorf("unsupported numpy dtype %q", npy.Dtype)
	}
	if err != nil {
		return nil, err
	}
	var m *mat.Dense
	if npy.ColumnMajor {
		m = mat.DenseCopyOf(mat.NewDense(cols, rows, data).T())
	} else {
		m = mat.NewDense(rows, cols, data)
	}
	return &LabeledMatrix{
		Rows: generatedNames("sample", rows),
		Cols: generatedNames("gene", cols),
		Data: m,
	}, nil
}

func generatedNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = prefix + strconv.Itoa(i)
	}
	return names
}

func readCSVMatrix(r io.Reader) (*LabeledMatrix, error) {
	rdr := csv.NewReader(bufio.NewReader(r))
	header, err := rdr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("header has %d fields, need a sample column and at least one gene", len(header))
	}
	m := &LabeledMatrix{Cols: header[1:]}
	var data []float64
	for line := 2; ; line++ {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		m.Rows = append(m.Rows, rec[0])
		for j, s := range rec[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d, column %q: %w", line, m.Cols[j], err)
			}
			data = append(data, v)
		}
	}
	if len(m.Rows) == 0 {
		return nil, fmt.Errorf("no data rows")
	}
	m.Data = mat.NewDense(len(m.Rows), len(m.Cols), data)
	return m, nil
}

// ReadMetadata loads a CSV table with sample names in the first
// column and one column per covariate.
func ReadMetadata(fnm string) (*Metadata, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := csv.NewReader(bufio.NewReader(f))
	records, err := rdr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if len(records) < 2 || len(records[0]) < 2 {
		return nil, fmt.Errorf("%s: metadata needs a header, at least one sample and one covariate", fnm)
	}
	header := records[0]
	md := &Metadata{Columns: map[string][]string{}}
	for _, rec := range records[1:] {
		md.Samples = append(md.Samples, rec[0])
		for c, name := range header[1:] {
			md.Columns[name] = append(md.Columns[name], rec[c+1])
		}
	}
	return md, nil
}

// reorder returns m with rows and columns arranged in the given
// order.
func (m *LabeledMatrix) reorder(rows, cols []string) (*mat.Dense, error) {
	rowIdx := make(map[string]int, len(m.Rows))
	for i, r := range m.Rows {
		rowIdx[r] = i
	}
	colIdx := make(map[string]int, len(m.Cols))
	for j, c := range m.Cols {
		colIdx[c] = j
	}
	out := mat.NewDense(len(rows), len(cols), nil)
	for i, r := range rows {
		ri, ok := rowIdx[r]
		if !ok {
			return nil, fmt.Errorf("%w: sample %q missing", ErrShapeMismatch, r)
		}
		for j, c := range cols {
			cj, ok := colIdx[c]
			if !ok {
				return nil, fmt.Errorf("%w: gene %q missing", ErrShapeMismatch, c)
			}
			out.Set(i, j, m.Data.At(ri, cj))
		}
	}
	return out, nil
}

// LoadDataset reads the count, CNV and metadata files concurrently
// and aligns the CNV matrix to the count matrix by sample and gene
// name. cnvFile and metadataFile may be empty.
func LoadDataset(countsFile, cnvFile, metadataFile string) (*Dataset, error) {
	var counts, cnv *LabeledMatrix
	var md *Metadata
	var t throttle
	t.Max = 3
	t.Go(func() (err error) {
		counts, err = ReadMatrix(countsFile)
		return
	})
	if cnvFile != "" {
		t.Go(func() (err error) {
			cnv, err = ReadMatrix(cnvFile)
			return
		})
	}
	if metadataFile != "" {
		t.Go(func() (err error) {
			md, err = ReadMetadata(metadataFile)
			return
		})
	}
	if err := t.Wait(); err != nil {
		return nil, err
	}
	ds := &Dataset{
		Samples:  counts.Rows,
		Genes:    counts.Cols,
		Counts:   counts.Data,
		Metadata: md,
	}
	if cnv != nil {
		var err error
		ds.CNV, err = cnv.reorder(counts.Rows, counts.Cols)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cnvFile, err)
		}
	}
	return ds, nil
}
