// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package realtime

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/trace"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/server"
	"github.com/westerndigitalcorporation/rtdb/internal/store"
	"github.com/westerndigitalcorporation/rtdb/pkg/rpc"
)

// Server serves a DB: the RtdbSrvHandler RPC service, websocket sessions on
// /subscribe and the administrative pages.
type Server struct {
	cfg *Config
	st  store.Store
	db  *DB

	// Service handler.
	srvHandler *RtdbSrvHandler
	rpcServer  *rpc.Server

	// Failure injection, nil unless cfg.UseFailure.
	failures *server.OpFailure

	mux     *http.ServeMux
	httpSrv *http.Server

	// Canceled on Close to end the websocket sessions.
	ctx      context.Context
	cancel   context.CancelFunc
	sessLock sync.Mutex
	closed   bool
	sessions sync.WaitGroup

	closeOnce sync.Once
}

// NewServer opens the store and the database described by cfg. The schema in
// cfg.SchemaFile, if any, is installed or migrated to.
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.ErrInvalidArgument.Errorf("%s", err)
	}
	var decl []byte
	if cfg.SchemaFile != "" {
		var err error
		if decl, err = os.ReadFile(cfg.SchemaFile); err != nil {
			return nil, core.ErrSchema.Errorf("reading %s: %s", cfg.SchemaFile, err)
		}
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	db, err := Open(cfg, st, decl)
	if err != nil {
		st.Close()
		return nil, err
	}
	return newServer(cfg, st, db), nil
}

func newServer(cfg *Config, st store.Store, db *DB) *Server {
	s := &Server{cfg: cfg, st: st, db: db, rpcServer: rpc.NewServer(), mux: http.NewServeMux()}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if cfg.UseFailure {
		s.failures = server.NewOpFailure()
	}
	s.srvHandler = newSrvHandler(db, cfg, s.failures)
	if err := s.rpcServer.RegisterName("RtdbSrvHandler", s.srvHandler); nil != err {
		// Only fails if the handler has no suitable methods.
		log.Fatalf("failed to register RtdbSrvHandler: %s", err)
	}

	// Set up status page.
	s.mux.HandleFunc("/", s.statusHandler)
	s.mux.Handle("/metrics", promhttp.Handler())

	// Endpoint for shutting down the server.
	s.mux.HandleFunc("/_quit", server.QuitHandler)

	s.mux.HandleFunc("/migrate", func(w http.ResponseWriter, r *http.Request) {
		server.MigrateHandler(w, r, s)
	})
	s.mux.HandleFunc("/subscribe", s.subscribeHandler)

	s.mux.HandleFunc("/debug/requests", trace.Traces)
	s.mux.HandleFunc("/debug/events", trace.Events)

	s.mux.Handle(rpc.BulkRPCPath, s.rpcServer)

	if s.failures != nil {
		s.mux.Handle("/_failures", s.failures)
	}
	return s
}

// DB returns the database served.
func (s *Server) DB() *DB {
	return s.db
}

// Handler returns the handler of every endpoint.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on cfg.Addr until Close.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until Close.
func (s *Server) Serve(l net.Listener) error {
	s.httpSrv = &http.Server{Handler: s.mux}
	log.Infof("serving on %s", l.Addr())
	err := s.httpSrv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops serving, ends every session and closes the database and the
// store.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.httpSrv != nil {
			s.httpSrv.Close()
		}
		s.sessLock.Lock()
		s.closed = true
		s.sessLock.Unlock()
		s.cancel()
		s.sessions.Wait()
		s.db.Close()
		if err := s.st.Close(); err != nil {
			log.Errorf("closing store: %s", err)
		}
	})
}

func (s *Server) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	s.sessLock.Lock()
	if s.closed {
		s.sessLock.Unlock()
		http.Error(w, core.ErrClosed.String(), http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.sessLock.Unlock()
	defer s.sessions.Done()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has replied already.
		log.Errorf("websocket upgrade from %s: %s", r.RemoteAddr, err)
		return
	}
	newSession(s.db, s.cfg, ws).run(s.ctx)
}

//----------
// Migrator
//----------

// Schema returns the current declaration and its checksum.
func (s *Server) Schema() ([]byte, uint64) {
	sch := s.db.Schema()
	b, err := sch.Decl().JSON()
	if err != nil {
		log.Errorf("encoding schema: %s", err)
	}
	return b, sch.Checksum()
}

// Migrating reports whether a migration is running.
func (s *Server) Migrating() bool {
	return s.db.Coordinator().Migrating()
}

// Migrate installs a new declaration.
func (s *Server) Migrate(ctx context.Context, decl []byte) (uint64, error) {
	return s.db.Migrate(ctx, decl)
}
