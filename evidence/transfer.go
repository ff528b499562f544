// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

package evidence

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/channels"
	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/azera85/rcs-collector/core/log"
	"github.com/azera85/rcs-collector/core/worker"
	"github.com/azera85/rcs-collector/nc/config"
)

var (
	evidenceSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rcs_transfer_evidence_sent_total",
			Help: "Number of evidence artifacts uploaded to the upstream store.",
		},
	)
	evidenceFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rcs_transfer_evidence_failed_total",
			Help: "Number of evidence uploads that failed and were retained locally.",
		},
	)
)

func init() {
	prometheus.MustRegister(evidenceSent)
	prometheus.MustRegister(evidenceFailed)
}

// Transfer is the evidence transfer service. One instance exists per
// process; its lifecycle is bound to the process via Start and Halt.
//
// Each instance owns an unbounded FIFO channel whose only receiver is the
// dispatch task of the current tick, so at most one drainer per instance
// ever exists. The pending sets guard against re-enqueueing an id that is
// already queued.
type Transfer struct {
	worker.Worker
	sync.Mutex

	db  DB
	mgr Manager
	log *logging.Logger

	interval time.Duration
	pool     *workerpool.WorkerPool

	queues  map[string]*channels.InfiniteChannel
	pending map[string]map[string]bool
}

// NewTransfer constructs the transfer service.
func NewTransfer(db DB, mgr Manager, cfg *config.Config, logBackend *log.Backend) *Transfer {
	return &Transfer{
		db:       db,
		mgr:      mgr,
		log:      logBackend.GetLogger("transfer"),
		interval: time.Duration(cfg.Transfer.Interval) * time.Millisecond,
		pool:     workerpool.New(cfg.Transfer.NumWorkers),
		queues:   make(map[string]*channels.InfiniteChannel),
		pending:  make(map[string]map[string]bool),
	}
}

// Start launches the supervisor loop.
func (t *Transfer) Start() {
	t.Go(t.supervisor)
}

// Halt stops new ticks, waits for the in-flight dispatch tasks and leaves
// the remaining queue entries for the next process start.
func (t *Transfer) Halt() {
	t.Worker.Halt()
	t.pool.StopWait()
}

// SendCached seeds the queue with every evidence artifact already present
// in the local store. Called once at startup.
func (t *Transfer) SendCached() error {
	instances, err := t.mgr.Instances()
	if err != nil {
		return err
	}
	n := 0
	for _, instance := range instances {
		ids, err := t.mgr.IDs(instance)
		if err != nil {
			return err
		}
		for _, id := range ids {
			t.Queue(instance, id)
			n++
		}
	}
	t.log.Infof("seeded %d cached evidences from %d instances", n, len(instances))
	return nil
}

// Queue appends an evidence id to an instance's upload queue. Ids already
// queued are dropped.
func (t *Transfer) Queue(instance, id string) {
	t.Lock()
	defer t.Unlock()

	if t.pending[instance][id] {
		return
	}
	ch, ok := t.queues[instance]
	if !ok {
		ch = channels.NewInfiniteChannel()
		t.queues[instance] = ch
		t.pending[instance] = make(map[string]bool)
	}
	t.pending[instance][id] = true
	ch.In() <- id
}

// supervisor wakes up once per interval and spawns one dispatch task per
// known instance, waiting for all of them before the next tick.
func (t *Transfer) supervisor() {
	defer t.log.Debugf("Halting transfer supervisor.")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.HaltCh():
			return
		case <-ticker.C:
		}

		if !t.db.Connected() {
			continue
		}

		t.Lock()
		instances := make([]string, 0, len(t.queues))
		for instance := range t.queues {
			instances = append(instances, instance)
		}
		t.Unlock()
		if len(instances) == 0 {
			continue
		}

		var wg sync.WaitGroup
		var errLock sync.Mutex
		var merr *multierror.Error
		for _, instance := range instances {
			instance := instance
			wg.Add(1)
			t.pool.Submit(func() {
				defer wg.Done()
				if err := t.dispatch(instance); err != nil {
					errLock.Lock()
					merr = multierror.Append(merr, fmt.Errorf("instance %v: %w", instance, err))
					errLock.Unlock()
				}
			})
		}
		wg.Wait()

		if err := merr.ErrorOrNil(); err != nil {
			t.log.Errorf("transfer tick failed: %v", err)
		}
	}
}

// dispatch drains one instance's queue inside a sync_start/sync_end
// bracket. Failures abort the task without propagating; whatever is still
// queued is retried on the next tick.
func (t *Transfer) dispatch(instance string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()

	t.Lock()
	ch := t.queues[instance]
	t.Unlock()
	if ch == nil || ch.Len() == 0 {
		return nil
	}

	meta, err := t.mgr.Meta(instance)
	if err != nil {
		return err
	}
	if meta.Bid == 0 {
		_, bid, err := t.db.AgentStatus(meta.Ident, meta.Instance, meta.Subtype)
		if err != nil {
			return err
		}
		if bid == 0 {
			return ErrZeroBid
		}
		meta.Bid = bid
		if err := t.mgr.SetBid(instance, bid); err != nil {
			t.log.Errorf("cannot persist bid for %v: %v", instance, err)
		}
	}

	session := meta.session()
	if err := t.db.SyncStart(session); err != nil {
		return fmt.Errorf("sync start: %w", err)
	}
	for ch.Len() > 0 {
		id := (<-ch.Out()).(string)
		t.Lock()
		delete(t.pending[instance], id)
		t.Unlock()
		t.transfer(instance, id, ch.Len())
	}
	if err := t.db.SyncEnd(session); err != nil {
		return fmt.Errorf("sync end: %w", err)
	}
	return nil
}

// transfer uploads one artifact. On success the local copy is deleted; on
// failure it is retained and the drain continues with the next id.
func (t *Transfer) transfer(instance, id string, left int) {
	blob, err := t.mgr.Blob(instance, id)
	if err != nil {
		evidenceFailed.Inc()
		t.log.Errorf("cannot read evidence %v of %v: %v", id, instance, err)
		return
	}
	if err := t.db.SendEvidence(instance, blob); err != nil {
		evidenceFailed.Inc()
		t.log.Errorf("unable to send evidence %v of %v: %v", id, instance, err)
		return
	}
	if err := t.mgr.Del(instance, id); err != nil {
		t.log.Errorf("cannot delete evidence %v of %v: %v", id, instance, err)
	}
	evidenceSent.Inc()
	t.log.Debugf("sent evidence %v of %v (%d left)", id, instance, left)
}
