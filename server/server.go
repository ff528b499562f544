// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server provides the HTTP front end that binds the network
// controller and the evidence transfer service to the wire.
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/azera85/rcs-collector/core/log"
	"github.com/azera85/rcs-collector/evidence"
	"github.com/azera85/rcs-collector/nc"
	"github.com/azera85/rcs-collector/nc/config"
	"github.com/azera85/rcs-collector/nc/instrument"
)

const shutdownTimeout = 30 * time.Second

// Server is the network controller daemon.
type Server struct {
	cfg        *config.Config
	db         nc.DB
	logBackend *log.Backend
	log        *logging.Logger

	transfer *evidence.Transfer
	servers  []*http.Server

	haltOnce sync.Once
}

// New constructs the daemon from its collaborators: db serves the
// controller, edb and mgr the evidence transfer service.
func New(cfg *config.Config, db nc.DB, edb evidence.DB, mgr evidence.Manager, logBackend *log.Backend) *Server {
	s := &Server{
		cfg:        cfg,
		db:         db,
		logBackend: logBackend,
		log:        logBackend.GetLogger("http"),
		transfer:   evidence.NewTransfer(edb, mgr, cfg, logBackend),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.onRequest)
	for _, addr := range cfg.Server.Addresses {
		s.servers = append(s.servers, &http.Server{Addr: addr, Handler: mux})
	}
	return s
}

// Start seeds the transfer queue from the local store, launches the
// transfer supervisor and the HTTP listeners.
func (s *Server) Start() error {
	if err := s.transfer.SendCached(); err != nil {
		return err
	}
	s.transfer.Start()

	if s.cfg.Server.MetricsAddress != "" {
		instrument.Init(s.cfg.Server.MetricsAddress)
	}

	for _, srv := range s.servers {
		srv := srv
		s.log.Noticef("listening on %v", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Errorf("listener %v failed: %v", srv.Addr, err)
			}
		}()
	}
	return nil
}

// Shutdown stops the listeners, then halts the transfer service, leaving
// the queued evidence for the next process start.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range s.servers {
			if err := srv.Shutdown(ctx); err != nil {
				s.log.Errorf("listener %v shutdown: %v", srv.Addr, err)
			}
		}
		s.transfer.Halt()
		s.log.Notice("shutdown complete")
	})
}

// Transfer returns the evidence transfer service handle.
func (s *Server) Transfer() *evidence.Transfer {
	return s.transfer
}

// onRequest binds a fresh controller to each inbound request. Controllers
// share no mutable state, so concurrent requests are safe.
func (s *Server) onRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// PUSH originates from the local DB over trusted transport only.
	if r.Method == nc.MethodPush && !isLoopback(r.RemoteAddr) {
		s.log.Warningf("rejecting PUSH from non-local peer %v", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	ctrl, err := nc.NewController(s.db, s.cfg, s.logBackend)
	if err != nil {
		s.log.Errorf("controller construction failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	meta := &nc.RequestMeta{
		Cookie:       r.Header.Get("Cookie"),
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RemoteAddr:   r.RemoteAddr,
	}
	result := ctrl.Act(r.Method, r.URL.Path, body, meta)
	if result == nil {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if result.SetCookie != "" {
		w.Header().Set("Set-Cookie", "ID="+result.SetCookie)
	}
	w.WriteHeader(result.Status)
	io.WriteString(w, result.Body)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
