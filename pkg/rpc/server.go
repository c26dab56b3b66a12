// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"io"
	"net/http"
	"net/rpc"

	log "github.com/golang/glog"
)

const (
	// BulkRPCPath is where Server expects CONNECT requests.
	BulkRPCPath     = "/_goRPC_bulk_crc_"
	connectedStatus = "200 Connected to Go RPC" // rpc.connected is not exported
)

// Server serves Go RPC over the bulk codec. It is an http.Handler to be
// mounted at BulkRPCPath, so RPC shares a port with the status pages.
type Server struct {
	srv *rpc.Server
}

// NewServer returns a server with no services.
func NewServer() *Server {
	return &Server{srv: rpc.NewServer()}
}

// RegisterName publishes the methods of rcvr under name.
func (s *Server) RegisterName(name string, rcvr interface{}) error {
	return s.srv.RegisterName(name, rcvr)
}

// ServeConn serves one connection that has already been hijacked, blocking
// until the client hangs up.
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	s.srv.ServeCodec(newBulkGobCodec(conn))
}

// ServeHTTP handles a CONNECT request by switching the connection over to RPC.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Adapted from net/rpc/server.go, replacing ServeConn with ServeCodec.
	if req.Method != "CONNECT" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		io.WriteString(w, "405 must CONNECT\n")
		return
	}
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		log.Errorf("rpc hijacking %s: %s", req.RemoteAddr, err)
		return
	}
	io.WriteString(conn, "HTTP/1.0 "+connectedStatus+"\n\n")
	s.ServeConn(conn)
}
