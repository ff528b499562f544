// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the controller's prometheus metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Init exposes the registered metrics via HTTP on the given address.
func Init(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(address, mux)
}
