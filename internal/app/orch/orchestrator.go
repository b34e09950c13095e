// Package orch drives every connection through its lifecycle on a single
// event loop. Read pumps post events; store calls run on worker goroutines
// and post their results back as events.
package orch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dkeye/wigma-ws/internal/app"
	"github.com/dkeye/wigma-ws/internal/auth"
	"github.com/dkeye/wigma-ws/internal/core"
	"github.com/dkeye/wigma-ws/internal/domain"
	"github.com/dkeye/wigma-ws/internal/persistence"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped      = errors.New("orchestrator stopped")
	ErrAccessDenied = errors.New("access denied")
)

type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	LoadState(ctx context.Context, projectID string) persistence.State
	PersistUpdate(ctx context.Context, projectID string, data []byte) bool
	UpdateCount(projectID string) int
	LastUpdateID(ctx context.Context, projectID string) (int64, bool)
	Compact(ctx context.Context, projectID string, merged []byte, uptoID int64) bool
	CheckAccess(ctx context.Context, projectID, userID string) bool
	Stats() persistence.Stats
}

// Submitter runs store calls off the loop.
type Submitter interface {
	Submit(task func()) error
	Pending() int
	NumWorkers() int
}

type Options struct {
	Registry *app.Registry
	Rooms    *app.RoomManager
	Policy   app.Policy
	Verifier TokenVerifier
	Store    Store
	Workers  Submitter

	MaxPeers            int
	CompactionThreshold int
	SweepInterval       time.Duration
	CompactionTimeout   time.Duration
	QueueSize           int
}

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomManager
	Policy   app.Policy

	verifier TokenVerifier
	store    Store
	workers  Submitter

	maxPeers          int
	threshold         int
	sweepInterval     time.Duration
	compactionTimeout time.Duration

	events chan event
	done   chan struct{}
	// taskCtx outlives the loop so queued writes can finish during shutdown.
	taskCtx context.Context

	// loop-owned
	nextReq     uint64
	pending     map[uint64]pendingReq
	compacting  map[domain.ProjectID]*compactJob
	nextCompact uint64
	lastTarget  map[domain.ProjectID]core.ConnID
	persisting  map[domain.ProjectID]int
	synced      map[core.ConnID]bool

	inflight atomic.Int64
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		Registry:          opts.Registry,
		Rooms:             opts.Rooms,
		Policy:            opts.Policy,
		verifier:          opts.Verifier,
		store:             opts.Store,
		workers:           opts.Workers,
		maxPeers:          opts.MaxPeers,
		threshold:         opts.CompactionThreshold,
		sweepInterval:     opts.SweepInterval,
		compactionTimeout: opts.CompactionTimeout,
		done:              make(chan struct{}),
		taskCtx:           context.Background(),
		pending:           make(map[uint64]pendingReq),
		compacting:        make(map[domain.ProjectID]*compactJob),
		lastTarget:        make(map[domain.ProjectID]core.ConnID),
		persisting:        make(map[domain.ProjectID]int),
		synced:            make(map[core.ConnID]bool),
	}
	if o.Registry == nil {
		o.Registry = app.NewRegistry()
	}
	if o.Policy == nil {
		o.Policy = app.SimplePolicy{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if o.compactionTimeout <= 0 {
		o.compactionTimeout = 30 * time.Second
	}
	o.events = make(chan event, opts.QueueSize)
	return o
}

type event interface{}

type (
	connOpened struct{ conn core.Connection }
	textMsg    struct {
		id   core.ConnID
		data []byte
	}
	binaryMsg struct {
		id   core.ConnID
		data []byte
	}
	connClosed   struct{ id core.ConnID }
	accessResult struct {
		req     uint64
		allowed bool
	}
	stateLoaded struct {
		req   uint64
		state persistence.State
	}
	persisted struct{ project domain.ProjectID }
	markRead  struct {
		project domain.ProjectID
		job     *compactJob
		upto    int64
		ok      bool
	}
	compactDone struct {
		project domain.ProjectID
		ok      bool
	}
	evictReq struct {
		project domain.ProjectID
		reply   chan int
	}
	sweepNow struct{}
)

type reqKind int

const (
	reqAccess reqKind = iota
	reqLoad
)

// pendingReq correlates an asynchronous store call with the connection
// that caused it.
type pendingReq struct {
	kind    reqKind
	conn    core.ConnID
	user    domain.UserID
	project domain.ProjectID
	// clean marks a load issued while no update of the project was being
	// written.
	clean bool
}

// Open registers a freshly accepted connection. It must be called before
// any other event for that connection.
func (o *Orchestrator) Open(c core.Connection) { o.post(connOpened{conn: c}) }

func (o *Orchestrator) OnText(id core.ConnID, data []byte) { o.post(textMsg{id: id, data: data}) }

func (o *Orchestrator) OnBinary(id core.ConnID, data []byte) { o.post(binaryMsg{id: id, data: data}) }

func (o *Orchestrator) OnClose(id core.ConnID) { o.post(connClosed{id: id}) }

// Evict disconnects every peer of a room and drops it. It returns the number
// of connections closed, and false if the room did not exist.
func (o *Orchestrator) Evict(ctx context.Context, project domain.ProjectID) (int, bool, error) {
	reply := make(chan int, 1)
	if !o.post(evictReq{project: project, reply: reply}) {
		return 0, false, ErrStopped
	}
	select {
	case n := <-reply:
		if n < 0 {
			return 0, false, nil
		}
		return n, true, nil
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case <-o.done:
		return 0, false, ErrStopped
	}
}

// InFlight is the number of store calls submitted and not yet completed.
func (o *Orchestrator) InFlight() int64 { return o.inflight.Load() }

func (o *Orchestrator) post(ev event) bool {
	select {
	case o.events <- ev:
		return true
	case <-o.done:
		return false
	}
}

// Run is the event loop. It returns when ctx is done, after closing every
// remaining connection.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	var tick <-chan time.Time
	if o.sweepInterval > 0 && o.threshold > 0 {
		t := time.NewTicker(o.sweepInterval)
		defer t.Stop()
		tick = t.C
	}
	log.Info().Str("module", "orch").Dur("sweep", o.sweepInterval).Int("threshold", o.threshold).Msg("event loop started")

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case now := <-tick:
			o.sweep(now)
		case ev := <-o.events:
			o.dispatch(ev)
		}
	}
}

func (o *Orchestrator) dispatch(ev event) {
	switch e := ev.(type) {
	case connOpened:
		o.Registry.Bind(e.conn)
	case textMsg:
		o.handleText(e.id, e.data)
	case binaryMsg:
		o.handleBinary(e.id, e.data)
	case connClosed:
		o.handleClosed(e.id)
	case accessResult:
		o.onAccessResult(e)
	case stateLoaded:
		o.onStateLoaded(e)
	case persisted:
		o.donePersisting(e.project)
	case markRead:
		o.onMarkRead(e)
	case compactDone:
		o.onCompactDone(e)
	case evictReq:
		e.reply <- o.evict(e.project)
	case sweepNow:
		o.sweep(time.Now())
	default:
		log.Error().Str("module", "orch").Interface("event", ev).Msg("unknown event")
	}
}

// submit runs fn on a worker and posts its result event back to the loop.
func (o *Orchestrator) submit(fn func(ctx context.Context) event) bool {
	o.inflight.Add(1)
	err := o.workers.Submit(func() {
		defer o.inflight.Add(-1)
		if ev := fn(o.taskCtx); ev != nil {
			o.post(ev)
		}
	})
	if err != nil {
		o.inflight.Add(-1)
		log.Warn().Str("module", "orch").Err(err).Msg("submit failed")
		return false
	}
	return true
}

func (o *Orchestrator) newRequest(r pendingReq) uint64 {
	o.nextReq++
	o.pending[o.nextReq] = r
	return o.nextReq
}

func (o *Orchestrator) takeRequest(id uint64) (pendingReq, bool) {
	r, ok := o.pending[id]
	delete(o.pending, id)
	return r, ok
}

func (o *Orchestrator) shutdown() {
	conns := o.Registry.Conns()
	for _, c := range conns {
		c.Close()
	}
	o.Rooms.ForEach(func(s *core.Session) { o.Rooms.StopRoom(s.ID()) })
	log.Info().Str("module", "orch").Int("closed", len(conns)).Msg("event loop stopped")
}

// Stats is a point-in-time view for the admin API.
type Stats struct {
	Rooms       int               `json:"rooms"`
	Connections map[string]int    `json:"connections"`
	InFlight    int64             `json:"inFlight"`
	Workers     WorkerStats       `json:"workers"`
	Persistence persistence.Stats `json:"persistence"`
}

type WorkerStats struct {
	Size   int `json:"size"`
	Queued int `json:"queued"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Rooms:       o.Rooms.Count(),
		Connections: o.Registry.CountByPhase(),
		InFlight:    o.InFlight(),
		Workers:     WorkerStats{Size: o.workers.NumWorkers(), Queued: o.workers.Pending()},
		Persistence: o.store.Stats(),
	}
}
