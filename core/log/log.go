// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the logging backend, based around the go-logging
// package.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

const fmtStr = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend.
type Backend struct {
	logging.LeveledBackend

	w io.WriteCloser
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func logLevelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.ERROR, fmt.Errorf("log: invalid level: '%v'", l)
	}
}

// New initializes a logging backend. If f is the empty string, output goes
// to stdout; disable suppresses all output.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	switch {
	case disable:
		b.w = discardCloser{}
	case f == "":
		b.w = nopCloser{os.Stdout}
	default:
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.w, err = os.OpenFile(f, flags, 0600)
		if err != nil {
			return nil, fmt.Errorf("log: failed to open log file: %v", err)
		}
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(fmtStr))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	b.LeveledBackend = leveled

	return b, nil
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.LeveledBackend)
	return l
}

// Close closes the log backend output.
func (b *Backend) Close() error {
	return b.w.Close()
}
