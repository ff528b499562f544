// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package registry provides the in-memory view of the network element set
// and the anonymizer forwarding chain derived from it.
package registry

import (
	"errors"
	"strings"

	"github.com/azera85/rcs-collector/nc/envelope"
)

var (
	// ErrInvalidCookie is returned when no element matches a session cookie.
	ErrInvalidCookie = errors.New("registry: invalid cookie")

	// ErrUnknownAnon is returned when an id matches no known anonymizer.
	ErrUnknownAnon = errors.New("registry: unknown anonymizer")

	// ErrNoLocalElement is returned when no anonymizer record matches the
	// configured local instance.
	ErrNoLocalElement = errors.New("registry: no element matches the local instance")

	// ErrInvalidKey is returned when an element record carries a key of
	// the wrong size.
	ErrInvalidKey = errors.New("registry: element key has invalid size")
)

// Kind discriminates the two classes of network element.
type Kind int

const (
	// Anonymizer is a traffic-relay node with a stored endpoint, a member
	// of the forwarding chain.
	Anonymizer Kind = iota

	// Injector is an agent-side element whose endpoint is observed
	// per-request rather than stored.
	Injector
)

// Element is an immutable snapshot of one network element record.
type Element struct {
	ID       string
	Name     string
	Kind     Kind
	Cookie   string
	Key      []byte
	Address  string
	Port     int
	Instance string
	Next     []string
}

// DisplayName is the tag written verbatim into upstream status records and
// logs.
func (e *Element) DisplayName() string {
	if e.Kind == Anonymizer {
		return "RCS::ANON::" + e.Name
	}
	return "RCS::NI::" + e.Name
}

// KindTag is the element class string expected by the upstream store.
func (e *Element) KindTag() string {
	if e.Kind == Anonymizer {
		return "anonymizer"
	}
	return "injector"
}

// Registry is a per-request snapshot of the element set. It is immutable
// after construction and safe for concurrent readers.
type Registry struct {
	anonymizers []*Element
	injectors   []*Element
	chain       []*Element
}

// New builds a registry from the anonymizer and injector snapshots and
// freezes the local forwarding chain. With a non-empty anonymizer set,
// construction fails if no record matches localInstance: a node whose own
// record is missing cannot answer chain-routed traffic.
func New(anonymizers, injectors []*Element, localInstance string) (*Registry, error) {
	for _, e := range append(append([]*Element{}, anonymizers...), injectors...) {
		if len(e.Key) != envelope.KeySize {
			return nil, ErrInvalidKey
		}
	}

	r := &Registry{
		anonymizers: anonymizers,
		injectors:   injectors,
	}
	chain, err := buildChain(anonymizers, localInstance)
	if err != nil {
		return nil, err
	}
	r.chain = chain
	return r, nil
}

// CookieValue extracts the cookie token from a Cookie or Set-Cookie header
// value: whatever follows the final '='.
func CookieValue(header string) string {
	if i := strings.LastIndex(header, "="); i >= 0 {
		return header[i+1:]
	}
	return header
}

// BindByCookie resolves the element authenticated by the supplied cookie
// header. Anonymizers are searched first; the first match wins.
func (r *Registry) BindByCookie(header string) (*Element, error) {
	token := CookieValue(header)
	for _, e := range r.anonymizers {
		if e.Cookie == token {
			return e, nil
		}
	}
	for _, e := range r.injectors {
		if e.Cookie == token {
			return e, nil
		}
	}
	return nil, ErrInvalidCookie
}

// FindByID resolves an anonymizer by id.
func (r *Registry) FindByID(id string) (*Element, error) {
	for _, e := range r.anonymizers {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, ErrUnknownAnon
}
