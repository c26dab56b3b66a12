// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// OpFailure maps operation names to errors they should fail with. Servers
// started with fault injection enabled consult it at the top of each handler,
// so tests can exercise client retries and error pushes.
type OpFailure struct {
	lock     sync.Mutex
	failures map[string]core.Error
}

// NewOpFailure creates a new OpFailure with no failures registered.
func NewOpFailure() *OpFailure {
	return &OpFailure{failures: make(map[string]core.Error)}
}

// Get returns the registered error for the operation 'op'. NoError is
// returned if no error is registered for 'op'.
func (f *OpFailure) Get(op string) core.Error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.failures[op]
}

// Check returns the registered error for 'op' as a Go error, or nil.
func (f *OpFailure) Check(op string) error {
	if e := f.Get(op); e != core.NoError {
		return e.Errorf("injected failure for %s", op)
	}
	return nil
}

// Update replaces the failure configuration. 'config' is a JSON object from
// operation name to error code; nil clears every failure.
func (f *OpFailure) Update(config json.RawMessage) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	log.Infof("received new failure config: %s", string(config))
	if config == nil {
		f.failures = make(map[string]core.Error)
		return nil
	}

	var failures map[string]core.Error
	if err := json.Unmarshal(config, &failures); nil != err {
		log.Errorf("failed to unmarshal config: %s", err)
		return err
	}
	f.failures = failures
	return nil
}

// ServeHTTP implements /_failures: POST replaces the configuration with the
// request body, DELETE clears it, GET returns it.
func (f *OpFailure) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f.lock.Lock()
		b, err := json.Marshal(f.failures)
		f.lock.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	case http.MethodDelete:
		f.Update(nil)
	case http.MethodPost:
		b, err := io.ReadAll(r.Body)
		if err == nil {
			err = f.Update(b)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	default:
		http.Error(w, "method must be GET, POST or DELETE", http.StatusMethodNotAllowed)
	}
}
