// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package evidence implements the asynchronous upload of locally cached
// evidence artifacts to the upstream store, in per-agent sessions.
package evidence

import "errors"

// ErrZeroBid is returned when the upstream store cannot resolve an agent's
// backend id; the instance's dispatch aborts and its queue is preserved.
var ErrZeroBid = errors.New("evidence: agent bid is unresolved")

// Meta describes a locally cached agent instance.
type Meta struct {
	Ident    string
	Instance string
	Subtype  string

	// Bid is the agent's backend id; 0 means unresolved.
	Bid int64

	Version  string
	User     string
	Device   string
	Source   string
	SyncTime int64
}

// Session is the per-instance dispatch context bracketing one sequence of
// evidence uploads.
type Session struct {
	Bid      int64
	Ident    string
	Subtype  string
	Instance string
	Version  string
	User     string
	Device   string
	Source   string
	SyncTime int64
}

func (m *Meta) session() *Session {
	return &Session{
		Bid:      m.Bid,
		Ident:    m.Ident,
		Subtype:  m.Subtype,
		Instance: m.Instance,
		Version:  m.Version,
		User:     m.User,
		Device:   m.Device,
		Source:   m.Source,
		SyncTime: m.SyncTime,
	}
}

// Manager is the local evidence store the Transfer service drains.
type Manager interface {
	// Instances returns the instance ids with cached state.
	Instances() ([]string, error)

	// Meta returns the metadata record of an instance.
	Meta(instance string) (*Meta, error)

	// SetBid persists a resolved backend id for an instance.
	SetBid(instance string, bid int64) error

	// IDs returns the cached evidence ids of an instance, oldest first.
	IDs(instance string) ([]string, error)

	// Blob returns the raw evidence artifact.
	Blob(instance, id string) ([]byte, error)

	// Del removes an uploaded artifact from the local store.
	Del(instance, id string) error
}

// DB is the slice of the upstream metadata store consumed by the Transfer
// service.
type DB interface {
	// Connected reports whether the upstream store is reachable.
	Connected() bool

	// AgentStatus resolves an agent's status and backend id.
	AgentStatus(ident, instance, subtype string) (string, int64, error)

	// SyncStart opens an upload session.
	SyncStart(s *Session) error

	// SyncEnd closes an upload session.
	SyncEnd(s *Session) error

	// SendEvidence uploads one evidence artifact.
	SendEvidence(instance string, blob []byte) error
}
