// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type cmdSuite struct{}

var _ = check.Suite(&cmdSuite{})

func (s *cmdSuite) TestSimulateFit(c *check.C) {
	tmpdir := c.MkDir()
	simdir := filepath.Join(tmpdir, "sim")
	var stdout, stderr bytes.Buffer
	exited := handler.RunCommand("deconveil", []string{
		"simulate",
		"-samples=8",
		"-genes=60",
		"-random-seed=4",
		"-output-dir=" + simdir,
	}, &bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	for _, fnm := range []string{"counts.csv", "cnv.csv", "metadata.csv", "truth.csv"} {
		_, err := os.Stat(filepath.Join(simdir, fnm))
		c.Check(err, check.IsNil)
	}

	outdir := filepath.Join(tmpdir, "out")
	exited = handler.RunCommand("deconveil", []string{
		"fit",
		"-counts=" + filepath.Join(simdir, "counts.csv"),
		"-cnv=" + filepath.Join(simdir, "cnv.csv"),
		"-metadata=" + filepath.Join(simdir, "metadata.csv"),
		"-output-dir=" + outdir,
		"-pca-components=2",
		"-threads=2",
		"-quiet",
	}, &bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	for _, fnm := range []string{"dispersions.csv", "lfc.csv", "mu.npy", "cooks.npy", "vst.npy", "pca.npy", "summary.json"} {
		_, err := os.Stat(filepath.Join(outdir, fnm))
		c.Check(err, check.IsNil, check.Commentf("%s", fnm))
	}

	mu, err := ReadMatrix(filepath.Join(outdir, "mu.npy"))
	c.Assert(err, check.IsNil)
	rows, cols := mu.Data.Dims()
	c.Check(rows, check.Equals, 8)
	c.Check(cols, check.Equals, 60)

	buf, err := ioutil.ReadFile(filepath.Join(outdir, "summary.json"))
	c.Assert(err, check.IsNil)
	var summary Summary
	c.Assert(json.Unmarshal(buf, &summary), check.IsNil)
	c.Check(summary.Samples, check.Equals, 8)
	c.Check(summary.Genes, check.Equals, 60)
	c.Check(summary.Design, check.DeepEquals, []string{"intercept", "condition_B_vs_A"})
	c.Check(summary.Inputs, check.HasLen, 3)
	c.Check(summary.Inputs[0].Blake2b, check.HasLen, 64)
}

func (s *cmdSuite) TestVSTCommand(c *check.C) {
	tmpdir := c.MkDir()
	sim := simulated(6, 40, 5)
	counts := filepath.Join(tmpdir, "counts.csv")
	c.Assert(writeLabeledCSV(counts, sim.Dataset.Samples, sim.Dataset.Genes, sim.Dataset.Counts), check.IsNil)
	var stderr bytes.Buffer
	exited := handler.RunCommand("deconveil", []string{
		"vst",
		"-counts=" + counts,
		"-output-dir=" + tmpdir,
		"-fit-type=mean",
		"-quiet",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	vst, err := ReadMatrix(filepath.Join(tmpdir, "vst.npy"))
	c.Assert(err, check.IsNil)
	rows, cols := vst.Data.Dims()
	c.Check(rows, check.Equals, 6)
	c.Check(cols, check.Equals, 40)
}

func (s *cmdSuite) TestUsageErrors(c *check.C) {
	var stderr bytes.Buffer
	exited := handler.RunCommand("deconveil", []string{"fit", "-no-such-flag"}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 2)
	stderr.Reset()
	exited = handler.RunCommand("deconveil", []string{"fit", "-counts=x.csv"}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*must provide -cnv.*`)
	stderr.Reset()
	exited = handler.RunCommand("deconveil", []string{"fit", "-counts=x.csv", "-no-cnv", "-fit-type=local"}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
}
