// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package realtime

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/rtdb/internal/observable"
	"github.com/westerndigitalcorporation/rtdb/internal/store"
)

// Config encapsulates parameters for the realtime server.
type Config struct {
	Addr       string // Address for RPC, websocket and status pages.
	SchemaFile string // Declaration to install at startup. Optional once the store holds one.
	UseFailure bool   // Whether to enable /_failures for fault injection.

	// --- Storage ---
	Store store.Config

	// --- Mutations ---
	Workers            int // Mutation workers; records are sharded over them by id.
	QueueLen           int // Pending jobs per worker before submitters block.
	RejectReqThreshold int // Pending RPCs are rejected after this threshold.
	MaxRecordSize      int // Largest encoded record accepted or stored.

	// --- Queries ---
	ProgramCacheSize int // Compiled programs kept per server.
	Observable       observable.Config

	// --- Websocket sessions ---
	ReadTimeout  time.Duration // A session that sends nothing, pongs included, for this long is dropped.
	WriteTimeout time.Duration // Deadline of a single frame write.
	PingInterval time.Duration // How often the server pings idle sessions.
	SendBuffer   int           // Frames queued per session before pushes block.
	FrameRate    float32       // Client frames per second a session may sustain.
	FrameBurst   float32       // Client frames a session may send in a burst.
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("address of the server can not be empty")
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Observable.Validate(); err != nil {
		return err
	}
	if c.Workers <= 0 || c.QueueLen <= 0 {
		return fmt.Errorf("Workers and QueueLen must be positive")
	}
	if c.RejectReqThreshold <= 0 {
		return fmt.Errorf("RejectReqThreshold must be positive")
	}
	if c.MaxRecordSize < 64 {
		return fmt.Errorf("MaxRecordSize %d is too small", c.MaxRecordSize)
	}
	if c.ProgramCacheSize < 0 {
		return fmt.Errorf("negative ProgramCacheSize")
	}
	if c.PingInterval <= 0 || c.ReadTimeout <= c.PingInterval {
		return fmt.Errorf("ReadTimeout (%s) must exceed PingInterval (%s)", c.ReadTimeout, c.PingInterval)
	}
	if c.SendBuffer <= 0 || c.FrameRate <= 0 || c.FrameBurst < 1 {
		return fmt.Errorf("SendBuffer, FrameRate and FrameBurst must be positive")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	Addr:  ":4080",
	Store: store.Config{Engine: store.EngineBolt, Path: "rtdb.db"},

	Workers:            8,
	QueueLen:           256,
	RejectReqThreshold: 1000,
	MaxRecordSize:      1 << 20,

	ProgramCacheSize: 4096,
	Observable:       observable.DefaultProdConfig,

	ReadTimeout:  60 * time.Second,
	WriteTimeout: 10 * time.Second,
	PingInterval: 20 * time.Second,
	SendBuffer:   256,
	FrameRate:    200,
	FrameBurst:   400,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing.
var DefaultTestConfig = Config{
	Addr:  "localhost:0",
	Store: store.Config{Engine: store.EngineMem},

	Workers:            2,
	QueueLen:           16,
	RejectReqThreshold: 100,
	MaxRecordSize:      64 << 10,

	ProgramCacheSize: 64,
	Observable:       observable.DefaultTestConfig,

	ReadTimeout:  5 * time.Second,
	WriteTimeout: time.Second,
	PingInterval: time.Second,
	SendBuffer:   64,
	FrameRate:    1000,
	FrameBurst:   1000,
}
