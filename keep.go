// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconveil

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

// collectionInPathRe matches a path that goes through an Arvados
// collection, identified by portable data hash or UUID.
var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// keepBlocks is the number of 64 MiB blocks the Keep client caches
// while no collection file is open; each open file adds
// keepBlocksPerFile more.
const (
	keepBlocks        = 4
	keepBlocksPerFile = 2
)

var (
	keepClient *keepclient.KeepClient
	siteFS     arvados.CustomFileSystem
	siteFSMtx  sync.Mutex
)

// open opens a local file, or, when ARVADOS_API_HOST is set and fnm
// refers to a collection, reads it through the Arvados API instead of
// a FUSE mount.
func open(fnm string) (io.ReadCloser, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	collectionID, collectionPath := m[2], m[3]

	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		client := arvados.NewClientFromEnv()
		ac, err := arvadosclient.New(client)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		keepClient = keepclient.New(ac)
		// keepclient's default timeouts are too short for large
		// count matrices
		keepClient.HTTPClient = arvados.DefaultSecureClient
		keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: keepBlocks}
		siteFS = client.SiteFileSystem(keepClient)
	}
	log.Infof("reading %q from %s using Arvados client", collectionPath, collectionID)
	f, err := siteFS.Open("by_id/" + collectionID + collectionPath)
	if err != nil {
		return nil, err
	}
	keepClient.BlockCache.MaxBlocks += keepBlocksPerFile
	return &shrinkCacheOnClose{ReadCloser: f}, nil
}

// shrinkCacheOnClose gives back the cache blocks reserved for a
// collection file when it is closed.
type shrinkCacheOnClose struct {
	io.ReadCloser
	once sync.Once
}

func (sc *shrinkCacheOnClose) Close() error {
	sc.once.Do(func() {
		siteFSMtx.Lock()
		defer siteFSMtx.Unlock()
		keepClient.BlockCache.MaxBlocks -= keepBlocksPerFile
	})
	return sc.ReadCloser.Close()
}

// zopen opens fnm with open, transparently decompressing it if the
// name ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr presents a decompressing reader and its underlying file as a
// single ReadCloser.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}
