// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

type vstCmd struct {
	model modelFlags
}

func (cmd *vstCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errUsage {
		return 2
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *vstCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	countsFilename := flags.String("counts", "", "count matrix `file` (samples × genes, .csv or .npy, optionally .gz)")
	metadataFilename := flags.String("metadata", "", "sample metadata csv `file` (needed with -use-design)")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
	useDesign := flags.Bool("use-design", false, "fit the VST dispersions with the full design instead of an intercept")
	pcaComponents := flags.Int("pca-components", 0, "also write a sample PCA with `N` components")
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
	opts, err := cmd.model.Options()
	if err != nil {
		return err
	}
	// the transformation does not use copy number
	opts.IgnoreCNV = true
	if !*useDesign {
		opts.DesignFactors = nil
	} else if *metadataFilename == "" {
		return errors.New("must provide -metadata with -use-design")
	}
	servePprof(*pprof)

	ds, err := LoadDataset(*countsFilename, "", *metadataFilename)
	if err != nil {
		return err
	}
	pipeline, err := NewPipeline(ds, opts)
	if err != nil {
		return err
	}
	err = pipeline.FitSizeFactors()
	if err != nil {
		return err
	}
	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return err
	}
	return writeVST(pipeline, *outputDir, *useDesign, opts.FitType, *pcaComponents)
}
