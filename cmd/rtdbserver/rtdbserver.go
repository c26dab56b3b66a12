// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/rtdb/internal/realtime"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'realtime.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be specified via command-line flag '-rtdbCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in the previous two steps, e.g., '-addr=":4080"'.

*/

var (
	// Default configuration. This is the default configuration for production.
	cfg = realtime.DefaultProdConfig

	// Config file name.
	rtdbFile = flag.String("rtdbCfg", "", "configuration file for rtdbserver")

	// Server config parameters.
	addr       = flag.String("addr", "", "service address")
	schemaFile = flag.String("schema", "", "schema declaration to install or migrate to at startup")
	engine     = flag.String("engine", "", "storage engine: bolt, sqlite or mem")
	dbPath     = flag.String("db", "", "database file")
	useFailure = flag.Bool("useFailure", false, "whether to enable the failure service")
	workers    = flag.Int("workers", 0, "number of mutation workers")
)

// Initialize config parameters. It first tries to read from configuration files
// and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	// Read from configuration file.
	if "" != *rtdbFile {
		f, err := os.Open(*rtdbFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&cfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Override values from command-line flags.
	// NOTE: Because of how Go's flag package works, there is no way to tell
	// if a value is set by the user or not. Therefore, we use meaningless
	// default values to check whether a particular flag is set, and only
	// override the corresponding value if so.
	if "" != *addr {
		cfg.Addr = *addr
	}
	if "" != *schemaFile {
		cfg.SchemaFile = *schemaFile
	}
	if "" != *engine {
		cfg.Store.Engine = *engine
	}
	if "" != *dbPath {
		cfg.Store.Path = *dbPath
	}
	if *useFailure {
		cfg.UseFailure = *useFailure
	}
	if *workers != 0 {
		cfg.Workers = *workers
	}
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Failed to validate configurations: %v", err)
	}

	server, err := realtime.NewServer(&cfg)
	if err != nil {
		log.Fatalf("couldn't open database: %s", err)
	}

	// Close the store cleanly on INT or TERM.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-c
		log.Infof("got %s, shutting down", sig)
		server.Close()
	}()

	log.Infof("starting rtdbserver...")
	if e := server.Start(); nil != e {
		log.Fatalf("couldn't start rtdbserver: %s", e.Error())
	}
	log.Flush()
}
