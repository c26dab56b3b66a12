// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"net/http"

	log "github.com/golang/glog"
)

// QuitHandler kills the process on a POST, without closing the store. It
// exists so tests can crash a server and check what survives a restart.
func QuitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method must be POST", http.StatusMethodNotAllowed)
		return
	}
	log.Fatalf("Received a quit request from %s, kill the process.", r.RemoteAddr)
}
