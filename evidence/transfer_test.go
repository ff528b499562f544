// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

package evidence

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/azera85/rcs-collector/core/log"
	"github.com/azera85/rcs-collector/nc/config"
)

type fakeManager struct {
	sync.Mutex

	metas map[string]*Meta
	blobs map[string]map[string][]byte
	order map[string][]string
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		metas: make(map[string]*Meta),
		blobs: make(map[string]map[string][]byte),
		order: make(map[string][]string),
	}
}

func (m *fakeManager) add(meta *Meta, ids ...string) {
	m.metas[meta.Instance] = meta
	m.blobs[meta.Instance] = make(map[string][]byte)
	for _, id := range ids {
		m.blobs[meta.Instance][id] = []byte("blob-" + id)
		m.order[meta.Instance] = append(m.order[meta.Instance], id)
	}
}

func (m *fakeManager) Instances() ([]string, error) {
	m.Lock()
	defer m.Unlock()
	var instances []string
	for instance := range m.metas {
		instances = append(instances, instance)
	}
	return instances, nil
}

func (m *fakeManager) Meta(instance string) (*Meta, error) {
	m.Lock()
	defer m.Unlock()
	meta, ok := m.metas[instance]
	if !ok {
		return nil, errors.New("no such instance")
	}
	clone := *meta
	return &clone, nil
}

func (m *fakeManager) SetBid(instance string, bid int64) error {
	m.Lock()
	defer m.Unlock()
	m.metas[instance].Bid = bid
	return nil
}

func (m *fakeManager) IDs(instance string) ([]string, error) {
	m.Lock()
	defer m.Unlock()
	var ids []string
	for _, id := range m.order[instance] {
		if _, ok := m.blobs[instance][id]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *fakeManager) Blob(instance, id string) ([]byte, error) {
	m.Lock()
	defer m.Unlock()
	blob, ok := m.blobs[instance][id]
	if !ok {
		return nil, errors.New("no such evidence")
	}
	return blob, nil
}

func (m *fakeManager) Del(instance, id string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.blobs[instance], id)
	return nil
}

type fakeStoreDB struct {
	sync.Mutex

	connected bool
	bid       int64
	failSend  map[string]bool

	calls []string
}

func newFakeStoreDB() *fakeStoreDB {
	return &fakeStoreDB{connected: true, failSend: make(map[string]bool)}
}

func (d *fakeStoreDB) record(call string) {
	d.Lock()
	defer d.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeStoreDB) callLog() []string {
	d.Lock()
	defer d.Unlock()
	calls := make([]string, len(d.calls))
	copy(calls, d.calls)
	return calls
}

func (d *fakeStoreDB) Connected() bool {
	d.Lock()
	defer d.Unlock()
	return d.connected
}

func (d *fakeStoreDB) AgentStatus(ident, instance, subtype string) (string, int64, error) {
	d.record(fmt.Sprintf("agent_status %v %v %v", ident, instance, subtype))
	return "OK", d.bid, nil
}

func (d *fakeStoreDB) SyncStart(s *Session) error {
	d.record(fmt.Sprintf("sync_start bid=%d", s.Bid))
	return nil
}

func (d *fakeStoreDB) SyncEnd(s *Session) error {
	d.record(fmt.Sprintf("sync_end bid=%d", s.Bid))
	return nil
}

func (d *fakeStoreDB) SendEvidence(instance string, blob []byte) error {
	d.record(fmt.Sprintf("send_evidence %v %s", instance, blob))
	d.Lock()
	defer d.Unlock()
	if d.failSend[string(blob)] {
		return errors.New("upstream refused")
	}
	return nil
}

func testTransferConfig() *config.Config {
	return &config.Config{
		Transfer: &config.Transfer{Interval: 10, NumWorkers: 4},
	}
}

func testLogBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func TestColdStartWithZeroBid(t *testing.T) {
	require := require.New(t)

	mgr := newFakeManager()
	mgr.add(&Meta{Ident: "RCS_001", Instance: "inst-1", Subtype: "desktop", Bid: 0}, "e1", "e2")
	db := newFakeStoreDB()
	db.bid = 42

	tr := NewTransfer(db, mgr, testTransferConfig(), testLogBackend(t))
	require.NoError(tr.SendCached())
	require.NoError(tr.dispatch("inst-1"))

	require.Equal([]string{
		"agent_status RCS_001 inst-1 desktop",
		"sync_start bid=42",
		"send_evidence inst-1 blob-e1",
		"send_evidence inst-1 blob-e2",
		"sync_end bid=42",
	}, db.callLog())

	// Both artifacts were deleted locally and the bid was persisted.
	ids, err := mgr.IDs("inst-1")
	require.NoError(err)
	require.Empty(ids)
	meta, err := mgr.Meta("inst-1")
	require.NoError(err)
	require.Equal(int64(42), meta.Bid)
}

func TestQueueFIFOAndDedup(t *testing.T) {
	require := require.New(t)

	mgr := newFakeManager()
	mgr.add(&Meta{Instance: "inst-1", Bid: 7}, "a", "b", "c")
	db := newFakeStoreDB()

	tr := NewTransfer(db, mgr, testTransferConfig(), testLogBackend(t))
	tr.Queue("inst-1", "a")
	tr.Queue("inst-1", "b")
	tr.Queue("inst-1", "a") // duplicate, dropped
	tr.Queue("inst-1", "c")

	require.NoError(tr.dispatch("inst-1"))
	require.Equal([]string{
		"sync_start bid=7",
		"send_evidence inst-1 blob-a",
		"send_evidence inst-1 blob-b",
		"send_evidence inst-1 blob-c",
		"sync_end bid=7",
	}, db.callLog())
}

func TestZeroBidAbortsAndPreservesQueue(t *testing.T) {
	require := require.New(t)

	mgr := newFakeManager()
	mgr.add(&Meta{Ident: "RCS_001", Instance: "inst-1", Bid: 0}, "e1")
	db := newFakeStoreDB()
	db.bid = 0

	tr := NewTransfer(db, mgr, testTransferConfig(), testLogBackend(t))
	require.NoError(tr.SendCached())

	err := tr.dispatch("inst-1")
	require.ErrorIs(err, ErrZeroBid)

	// No session was opened, nothing was drained.
	require.Equal([]string{"agent_status RCS_001 inst-1 "}, db.callLog())
	tr.Lock()
	require.Equal(1, tr.queues["inst-1"].Len())
	tr.Unlock()
}

func TestSendFailureRetainsEvidence(t *testing.T) {
	require := require.New(t)

	mgr := newFakeManager()
	mgr.add(&Meta{Instance: "inst-1", Bid: 7}, "e1", "e2")
	db := newFakeStoreDB()
	db.failSend["blob-e1"] = true

	tr := NewTransfer(db, mgr, testTransferConfig(), testLogBackend(t))
	require.NoError(tr.SendCached())
	require.NoError(tr.dispatch("inst-1"))

	// e1 failed and stays local; the drain continued through e2 and the
	// session still closed.
	ids, err := mgr.IDs("inst-1")
	require.NoError(err)
	require.Equal([]string{"e1"}, ids)
	calls := db.callLog()
	require.Equal("sync_end bid=7", calls[len(calls)-1])
}

func TestEmptyQueueIsNoOp(t *testing.T) {
	require := require.New(t)

	mgr := newFakeManager()
	mgr.add(&Meta{Instance: "inst-1", Bid: 7})
	db := newFakeStoreDB()

	tr := NewTransfer(db, mgr, testTransferConfig(), testLogBackend(t))
	require.NoError(tr.dispatch("inst-1"))
	require.Empty(db.callLog())
}

func TestSupervisorSkipsWhenDisconnected(t *testing.T) {
	require := require.New(t)

	mgr := newFakeManager()
	mgr.add(&Meta{Instance: "inst-1", Bid: 7}, "e1")
	db := newFakeStoreDB()
	db.Lock()
	db.connected = false
	db.Unlock()

	tr := NewTransfer(db, mgr, testTransferConfig(), testLogBackend(t))
	require.NoError(tr.SendCached())
	tr.Start()
	time.Sleep(100 * time.Millisecond)
	tr.Halt()

	require.Empty(db.callLog(), "no dispatch while the upstream store is down")
	ids, err := mgr.IDs("inst-1")
	require.NoError(err)
	require.Equal([]string{"e1"}, ids)
}

func TestSupervisorDrainsAllInstances(t *testing.T) {
	require := require.New(t)

	mgr := newFakeManager()
	mgr.add(&Meta{Instance: "inst-1", Bid: 1}, "a")
	mgr.add(&Meta{Instance: "inst-2", Bid: 2}, "b")
	db := newFakeStoreDB()

	tr := NewTransfer(db, mgr, testTransferConfig(), testLogBackend(t))
	require.NoError(tr.SendCached())
	tr.Start()

	require.Eventually(func() bool {
		one, err := mgr.IDs("inst-1")
		require.NoError(err)
		two, err := mgr.IDs("inst-2")
		require.NoError(err)
		return len(one) == 0 && len(two) == 0
	}, 5*time.Second, 10*time.Millisecond)
	tr.Halt()
}
