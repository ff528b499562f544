// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/azera85/rcs-collector/core/log"
	"github.com/azera85/rcs-collector/db"
	"github.com/azera85/rcs-collector/evidence/boltstore"
	"github.com/azera85/rcs-collector/nc/config"
	"github.com/azera85/rcs-collector/server"
)

func main() {
	cfgFile := flag.String("f", "rcs-nc.toml", "Path to the controller config file.")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(-1)
	}
	defer logBackend.Close()

	store, err := boltstore.New(cfg.Transfer.EvidenceDB, logBackend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open evidence store: %v\n", err)
		os.Exit(-1)
	}
	defer store.Close()

	client := db.New(cfg.Server.DBAddress, logBackend)

	svr := server.New(cfg, client, client, store, logBackend)
	if err := svr.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(-1)
	}
	defer svr.Shutdown()

	// Halt gracefully on SIGINT/SIGTERM.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh
}
