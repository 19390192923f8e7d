// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type simulateCmd struct{}

func (cmd *simulateCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errUsage {
		return 2
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *simulateCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg := DefaultSimulationConfig()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.IntVar(&cfg.Samples, "samples", cfg.Samples, "number of `samples` (first half condition A, second half B)")
	flags.IntVar(&cfg.Genes, "genes", cfg.Genes, "number of `genes`")
	flags.Float64Var(&cfg.FracDE, "frac-de", cfg.FracDE, "fraction of differentially expressed genes")
	flags.Float64Var(&cfg.LFC, "lfc", cfg.LFC, "natural-log fold change of differentially expressed genes")
	flags.Float64Var(&cfg.CNVRate, "cnv-rate", cfg.CNVRate, "probability that a gene is not diploid in a sample")
	flags.Uint64Var(&cfg.Seed, "random-seed", cfg.Seed, "PRNG seed")
	outputDir := flags.String("output-dir", "./sim", "output `directory`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if cfg.Samples < 2 || cfg.Genes < 1 {
		return fmt.Errorf("need at least 2 samples and 1 gene")
	}

	sim := Simulate(cfg)
	ds := sim.Dataset
	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return err
	}
	for _, m := range []struct {
		name string
		data *mat.Dense
	}{{"counts.csv", ds.Counts}, {"cnv.csv", ds.CNV}} {
		err = writeLabeledCSV(filepath.Join(*outputDir, m.name), ds.Samples, ds.Genes, m.data)
		if err != nil {
			return err
		}
	}
	err = writeCSV(filepath.Join(*outputDir, "metadata.csv"), []string{"sample", "condition"}, func(yield func([]string) error) error {
		for i, s := range ds.Samples {
			if err := yield([]string{s, ds.Metadata.Columns["condition"][i]}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = writeCSV(filepath.Join(*outputDir, "truth.csv"), []string{"gene", "lfc", "dispersion"}, func(yield func([]string) error) error {
		for j, g := range ds.Genes {
			if err := yield([]string{g, formatFloat(sim.TrueLFC[j]), formatFloat(sim.TrueDispersions[j])}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"samples": cfg.Samples, "genes": cfg.Genes}).Infof("wrote simulated data to %s", *outputDir)
	return nil
}

// writeLabeledCSV writes m in the layout ReadMatrix expects.
func writeLabeledCSV(fnm string, rows, cols []string, m *mat.Dense) error {
	header := append([]string{"sample"}, cols...)
	return writeCSV(fnm, header, func(yield func([]string) error) error {
		for i, r := range rows {
			rec := []string{r}
			for j := range cols {
				rec = append(rec, strconv.FormatFloat(m.At(i, j), 'f', -1, 64))
			}
			if err := yield(rec); err != nil {
				return err
			}
		}
		return nil
	})
}
