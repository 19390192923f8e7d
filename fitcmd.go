// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

type fitCmd struct {
	model modelFlags
}

func (cmd *fitCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errUsage {
		return 2
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

var errUsage = errors.New("usage error")

func (cmd *fitCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	countsFilename := flags.String("counts", "", "count matrix `file` (samples × genes, .csv or .npy, optionally .gz)")
	cnvFilename := flags.String("cnv", "", "copy number matrix `file`, same layout as -counts")
	metadataFilename := flags.String("metadata", "", "sample metadata csv `file`")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
	vst := flags.Bool("vst", false, "also write variance stabilized counts (vst.npy)")
	pcaComponents := flags.Int("pca-components", 0, "also write a sample PCA of the VST counts with `N` components (pca.npy; implies -vst)")
	cmd.model.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return errUsage
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *countsFilename == "" {
		return errors.New("must provide -counts")
	}
	if *cnvFilename == "" && !cmd.model.NoCNV {
		return errors.New("must provide -cnv, or -no-cnv to fit without copy number")
	}
	opts, err := cmd.model.Options()
	if err != nil {
		return err
	}
	if len(opts.DesignFactors) > 0 && *metadataFilename == "" {
		return errors.New("must provide -metadata with a non-empty -design")
	}
	servePprof(*pprof)

	cnvFile := *cnvFilename
	if cmd.model.NoCNV {
		cnvFile = ""
	}
	ds, err := LoadDataset(*countsFilename, cnvFile, *metadataFilename)
	if err != nil {
		return err
	}
	pipeline, err := NewPipeline(ds, opts)
	if err != nil {
		return err
	}
	err = pipeline.Run()
	if err != nil {
		return err
	}
	res := pipeline.Results()
	err = WriteResults(*outputDir, res)
	if err != nil {
		return err
	}
	if *vst || *pcaComponents > 0 {
		err = writeVST(pipeline, *outputDir, false, opts.FitType, *pcaComponents)
		if err != nil {
			return err
		}
	}
	summary, err := NewSummary(res, *countsFilename, cnvFile, *metadataFilename)
	if err != nil {
		return err
	}
	err = summary.WriteFile(filepath.Join(*outputDir, "summary.json"))
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"genes":    summary.Genes,
		"outliers": summary.OutlierGenes,
		"refit":    summary.RefitGenes,
		"warnings": len(summary.Warnings),
	}).Infof("wrote results to %s", *outputDir)
	return nil
}

// writeVST writes vst.npy and, if components > 0, pca.npy into dir.
func writeVST(pipeline *Pipeline, dir string, useDesign bool, fitType FitType, components int) error {
	vst, err := pipeline.VST(useDesign, fitType)
	if err != nil {
		return err
	}
	err = writeNumpy(filepath.Join(dir, "vst.npy"), vst.Counts)
	if err != nil {
		return err
	}
	if components < 1 {
		return nil
	}
	pca, err := SamplePCA(vst.Counts, components)
	if err != nil {
		return err
	}
	return writeNumpy(filepath.Join(dir, "pca.npy"), pca)
}
