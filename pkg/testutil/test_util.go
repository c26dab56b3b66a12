// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package testutil has a few functions to help writing tests. Anything a test
// writes to disk should go in TempDir(), or a directory within it. Put this in
// a file named main_test.go in your package, and temp directories will be
// cleaned up automatically on successful runs:
/*

package mypkg

import (
	"testing"

	"github.com/westerndigitalcorporation/rtdb/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

*/
package testutil

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/golang/glog"
)

var tempDir, createdBase string

// TempDir gets a temp directory that's exclusive to this process (but not
// necessarily other tests in the same process). Use TempSubDir for a directory
// exclusive to a particular test.
func TempDir() string {
	if tempDir == "" {
		var err error
		tempDir, err = os.MkdirTemp(getBase(), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("Couldn't create temp dir: %s", err)
		}
	}
	return tempDir
}

// TempSubDir creates a fresh directory under TempDir for one test.
func TempSubDir(t testing.TB, name string) string {
	dir, err := os.MkdirTemp(TempDir(), name)
	if err != nil {
		t.Fatalf("creating temp dir: %s", err)
	}
	return dir
}

// Get a base temp dir. Create one if it doesn't exist.
func getBase() string {
	// Try TMPDIR first.
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return tmp
	}
	// Otherwise just make one in the current directory.
	wd, err := os.Getwd()
	if nil != err {
		log.Fatalf("could not get the current dir: %s", err)
	}
	// "*.test" is in .gitignore.
	base := time.Now().Format("20060102.150405.test")
	tmp := filepath.Join(wd, base)
	if err := os.Mkdir(tmp, 0755); nil != err && !os.IsExist(err) {
		log.Fatalf("failed to create tmp dir: %s", tmp)
	}
	createdBase = tmp
	return tmp
}

func cleanup() {
	if tempDir != "" {
		os.RemoveAll(tempDir)
	}
	if createdBase != "" {
		os.RemoveAll(createdBase)
	}
}

// TestMain should be called from your package TestMain to ensure that the process
// temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 {
		cleanup()
	}
	os.Exit(ret)
}
