package orch

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/dkeye/wigma-ws/internal/app"
	"github.com/dkeye/wigma-ws/internal/core"
	"github.com/dkeye/wigma-ws/internal/domain"
	"github.com/dkeye/wigma-ws/internal/protocol"
	"github.com/rs/zerolog/log"
)

// compactJob tracks one compaction per room. It starts by reading the log's
// high-water id, then asks one peer for its merged state; only updates up
// to that id are cleared.
type compactJob struct {
	id       uint64
	target   core.ConnID
	upto     int64
	deadline time.Time
	marking  bool
	running  bool
}

// handleBinary relays a frame from an authenticated peer verbatim and
// persists document updates.
func (o *Orchestrator) handleBinary(id core.ConnID, data []byte) {
	st, ok := o.Registry.State(id)
	if !ok || st.Phase != app.Authenticated {
		return
	}
	msg, err := protocol.DecodeFrame(data)
	if err != nil {
		log.Debug().Str("module", "orch").Str("conn", string(id)).Err(err).Msg("frame dropped")
		return
	}
	room, ok := o.Rooms.Get(st.ProjectID)
	if !ok {
		return
	}
	o.broadcast(room, id, data, true)

	if msg.Type != protocol.Update {
		return
	}
	project := st.ProjectID
	payload := msg.Payload
	o.persisting[project]++
	if !o.submit(func(ctx context.Context) event {
		o.store.PersistUpdate(ctx, string(project), payload)
		return persisted{project: project}
	}) {
		o.donePersisting(project)
	}
}

func (o *Orchestrator) donePersisting(project domain.ProjectID) {
	if o.persisting[project]--; o.persisting[project] <= 0 {
		delete(o.persisting, project)
	}
}

// onStateLoaded delivers the stored document to the peer that joined: the
// snapshot as one Sync frame, then one Update frame per stored update.
func (o *Orchestrator) onStateLoaded(ev stateLoaded) {
	req, ok := o.takeRequest(ev.req)
	if !ok {
		return
	}
	st, ok := o.Registry.State(req.conn)
	if !ok || st.Phase != app.Authenticated || st.ProjectID != req.project {
		return
	}
	// The peer holds the whole document only if nothing relayed before it
	// joined was still being written when the state was read.
	if req.clean && !ev.state.Partial {
		o.synced[req.conn] = true
	}
	if ev.state.Empty() {
		return
	}
	if ev.state.HasSnapshot {
		o.sendTo(req.conn, core.Frame{Data: protocol.EncodeFrame(protocol.Sync, ev.state.Snapshot), Binary: true})
	}
	for _, u := range ev.state.Updates {
		o.sendTo(req.conn, core.Frame{Data: protocol.EncodeFrame(protocol.Update, u), Binary: true})
	}
	log.Debug().Str("module", "orch").Str("conn", string(req.conn)).Bool("snapshot", ev.state.HasSnapshot).Int("updates", len(ev.state.Updates)).Msg("initial state sent")
}

// sweep starts a compaction for every room over the threshold and expires
// requests nobody answered.
func (o *Orchestrator) sweep(now time.Time) {
	if o.threshold <= 0 {
		return
	}
	for project, job := range o.compacting {
		if !job.running && now.After(job.deadline) {
			delete(o.compacting, project)
			log.Warn().Str("module", "orch").Str("project", string(project)).Str("conn", string(job.target)).Msg("compaction request timed out")
		}
	}
	o.Rooms.ForEach(func(room *core.Session) {
		project := room.ID()
		if _, busy := o.compacting[project]; busy {
			return
		}
		if o.store.UpdateCount(string(project)) < o.threshold {
			return
		}
		o.nextCompact++
		job := &compactJob{id: o.nextCompact, marking: true, deadline: now.Add(o.compactionTimeout)}
		o.compacting[project] = job
		if !o.submit(func(ctx context.Context) event {
			upto, ok := o.store.LastUpdateID(ctx, string(project))
			return markRead{project: project, job: job, upto: upto, ok: ok}
		}) {
			delete(o.compacting, project)
		}
	})
}

// onMarkRead sends the compact-request once the high-water id is known.
// Every update at or below it was relayed before the request goes out.
func (o *Orchestrator) onMarkRead(ev markRead) {
	job := ev.job
	if o.compacting[ev.project] != job {
		return
	}
	logger := log.With().Str("module", "orch").Str("project", string(ev.project)).Logger()
	if !ev.ok || ev.upto == 0 {
		delete(o.compacting, ev.project)
		logger.Debug().Bool("read", ev.ok).Msg("compaction skipped: no update log")
		return
	}
	room, ok := o.Rooms.Get(ev.project)
	if !ok {
		delete(o.compacting, ev.project)
		return
	}
	target := o.pickTarget(ev.project, room.Conns())
	if target == "" {
		delete(o.compacting, ev.project)
		logger.Debug().Msg("compaction skipped: no synced peer")
		return
	}
	o.lastTarget[ev.project] = target
	if !o.sendTo(target, core.Frame{Data: protocol.EncodeCompactRequest(string(ev.project), job.id)}) {
		delete(o.compacting, ev.project)
		return
	}
	job.target, job.upto, job.marking = target, ev.upto, false
	job.deadline = time.Now().Add(o.compactionTimeout)
	logger.Info().Str("conn", string(target)).Int64("upto", ev.upto).Uint64("request", job.id).Msg("compaction requested")
}

// pickTarget rotates through the synced peers of a room, starting after the
// peer asked last time, so one unresponsive client cannot stall compaction.
func (o *Orchestrator) pickTarget(project domain.ProjectID, conns []core.ConnID) core.ConnID {
	var eligible []core.ConnID
	for _, id := range conns {
		if o.synced[id] {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return ""
	}
	last := o.lastTarget[project]
	for _, id := range eligible {
		if id > last {
			return id
		}
	}
	return eligible[0]
}

// acceptCompact takes the merged state from the peer that was asked. A reply
// carrying a stale request id is ignored.
func (o *Orchestrator) acceptCompact(id core.ConnID, st app.ConnState, msg protocol.Control) {
	job, ok := o.compacting[st.ProjectID]
	if !ok || job.marking || job.running || job.target != id {
		return
	}
	if msg.RequestID != 0 && msg.RequestID != job.id {
		log.Debug().Str("module", "orch").Str("conn", string(id)).Uint64("request", msg.RequestID).Msg("stale compact reply ignored")
		return
	}
	merged, err := base64.StdEncoding.DecodeString(msg.State)
	if err != nil || len(merged) == 0 {
		log.Debug().Str("module", "orch").Str("conn", string(id)).Msg("invalid compact state ignored")
		return
	}
	project, upto := st.ProjectID, job.upto
	job.running = true
	if !o.submit(func(ctx context.Context) event {
		return compactDone{project: project, ok: o.store.Compact(ctx, string(project), merged, upto)}
	}) {
		delete(o.compacting, project)
	}
}

func (o *Orchestrator) onCompactDone(ev compactDone) {
	delete(o.compacting, ev.project)
	if !ev.ok {
		log.Warn().Str("module", "orch").Str("project", string(ev.project)).Msg("compaction failed")
	}
}

// RequestCompaction queues an immediate sweep pass on the loop.
func (o *Orchestrator) RequestCompaction() bool {
	return o.post(sweepNow{})
}
