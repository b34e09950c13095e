package orch

import (
	"context"
	"errors"

	"github.com/dkeye/wigma-ws/internal/app"
	"github.com/dkeye/wigma-ws/internal/auth"
	"github.com/dkeye/wigma-ws/internal/core"
	"github.com/dkeye/wigma-ws/internal/domain"
	"github.com/dkeye/wigma-ws/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleText(id core.ConnID, data []byte) {
	st, ok := o.Registry.State(id)
	if !ok || st.Phase == app.Closed {
		return
	}
	msg := protocol.DecodeControl(data)
	if !msg.Valid() {
		log.Debug().Str("module", "orch").Str("conn", string(id)).Msg("invalid control message dropped")
		return
	}
	switch msg.Type {
	case protocol.KindPing:
		o.sendTo(id, core.Frame{Data: protocol.EncodePong()})
	case protocol.KindJoin:
		if st.Phase == app.Unauthenticated {
			o.join(id, msg)
		}
	case protocol.KindCompact:
		if st.Phase == app.Authenticated {
			o.acceptCompact(id, st, msg)
		}
	default:
		log.Debug().Str("module", "orch").Str("conn", string(id)).Str("type", string(msg.Type)).Msg("control message ignored")
	}
}

// join verifies the token, then checks project access on a worker. The
// connection stays in Joining until the result comes back.
func (o *Orchestrator) join(id core.ConnID, msg protocol.Control) {
	logger := log.With().Str("module", "orch").Str("conn", string(id)).Logger()

	claims, err := o.verifier.Verify(msg.Token)
	if err != nil {
		logger.Info().Str("reason", auth.Reason(err)).Err(err).Msg("join rejected: token")
		o.reject(id, protocol.CodeAuthFailed, "Invalid or expired token")
		return
	}
	project, err := domain.ParseProjectID(msg.ProjectID)
	if err != nil {
		logger.Info().Err(err).Msg("join rejected: project id")
		o.reject(id, protocol.CodeAccessDenied, "No access to this project")
		return
	}
	user := domain.UserID(claims.Subject)
	o.Registry.SetState(id, app.ConnState{Phase: app.Joining, UserID: user, ProjectID: project})

	req := o.newRequest(pendingReq{kind: reqAccess, conn: id, user: user, project: project})
	submitted := o.submit(func(ctx context.Context) event {
		return accessResult{req: req, allowed: o.store.CheckAccess(ctx, string(project), string(user))}
	})
	if !submitted {
		o.takeRequest(req)
		o.reject(id, protocol.CodeAccessDenied, "No access to this project")
	}
}

func (o *Orchestrator) onAccessResult(ev accessResult) {
	req, ok := o.takeRequest(ev.req)
	if !ok {
		return
	}
	st, ok := o.Registry.State(req.conn)
	if !ok || st.Phase != app.Joining {
		// closed while the check was in flight
		return
	}
	logger := log.With().Str("module", "orch").Str("conn", string(req.conn)).Str("project", string(req.project)).Str("user", string(req.user)).Logger()

	if !ev.allowed {
		logger.Info().Err(ErrAccessDenied).Msg("join rejected")
		o.reject(req.conn, protocol.CodeAccessDenied, "No access to this project")
		return
	}
	room, err := o.admit(req.project)
	if err != nil {
		logger.Warn().Err(err).Msg("join rejected")
		o.reject(req.conn, protocol.CodeRoomLimit, roomLimitMessage(err))
		return
	}

	room.AddPeer(req.conn, req.user)
	o.Registry.SetState(req.conn, app.ConnState{Phase: app.Authenticated, UserID: req.user, ProjectID: req.project})

	o.sendTo(req.conn, core.Frame{Data: protocol.EncodeJoined(string(req.user), userStrings(room.PeerIDs()))})
	o.broadcast(room, req.conn, protocol.EncodePeerJoined(string(req.user)), false)
	logger.Info().Int("peers", room.PeerCount()).Msg("joined")

	load := o.newRequest(pendingReq{
		kind:    reqLoad,
		conn:    req.conn,
		user:    req.user,
		project: req.project,
		clean:   o.persisting[req.project] == 0,
	})
	if !o.submit(func(ctx context.Context) event {
		return stateLoaded{req: load, state: o.store.LoadState(ctx, string(req.project))}
	}) {
		o.takeRequest(load)
	}
}

// admit returns the room for project if it can take one more peer.
func (o *Orchestrator) admit(project domain.ProjectID) (*core.Session, error) {
	room, err := o.Rooms.GetOrCreate(project)
	if err != nil {
		return nil, err
	}
	if o.maxPeers > 0 && room.PeerCount() >= o.maxPeers {
		return nil, app.ErrRoomFull
	}
	return room, nil
}

func roomLimitMessage(err error) string {
	if errors.Is(err, app.ErrRoomFull) {
		return "Room peer limit reached"
	}
	return "Server room limit reached"
}

func (o *Orchestrator) handleClosed(id core.ConnID) {
	st, ok := o.Registry.State(id)
	if !ok {
		return
	}
	if st.Phase != app.Closed {
		o.leave(id, st)
	}
	o.Registry.Unbind(id)
	delete(o.synced, id)
	log.Debug().Str("module", "orch").Str("conn", string(id)).Str("phase", st.Phase.String()).Msg("connection closed")
}

// leave removes an authenticated connection from its room and tells the
// remaining peers. An emptied room is dropped.
func (o *Orchestrator) leave(id core.ConnID, st app.ConnState) {
	if st.Phase != app.Authenticated {
		return
	}
	room, ok := o.Rooms.Get(st.ProjectID)
	if !ok || !room.Has(id) {
		return
	}
	delete(o.synced, id)
	if room.RemovePeer(id) {
		o.Rooms.RemoveIfEmpty(st.ProjectID)
		delete(o.lastTarget, st.ProjectID)
	} else {
		o.broadcast(room, "", protocol.EncodePeerLeft(string(st.UserID)), false)
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("project", string(st.ProjectID)).Str("user", string(st.UserID)).Msg("left room")
}

// disconnect leaves the room now and closes the transport; the close event
// that follows only unbinds.
func (o *Orchestrator) disconnect(id core.ConnID, reason string) {
	st, ok := o.Registry.State(id)
	if !ok || st.Phase == app.Closed {
		return
	}
	o.leave(id, st)
	st.Phase = app.Closed
	o.Registry.SetState(id, st)
	if c, ok := o.Registry.Conn(id); ok {
		c.Close()
	}
	log.Debug().Str("module", "orch").Str("conn", string(id)).Str("reason", reason).Msg("disconnect")
}

// reject sends an error control message and closes the connection. The
// transport flushes queued frames before closing.
func (o *Orchestrator) reject(id core.ConnID, code, message string) {
	o.sendTo(id, core.Frame{Data: protocol.EncodeError(code, message)})
	o.disconnect(id, code)
}

func (o *Orchestrator) evict(project domain.ProjectID) int {
	room, ok := o.Rooms.Get(project)
	if !ok {
		return -1
	}
	conns := room.Conns()
	o.Rooms.StopRoom(project)
	delete(o.compacting, project)
	delete(o.lastTarget, project)
	for _, id := range conns {
		room.RemovePeer(id)
		delete(o.synced, id)
		if st, ok := o.Registry.State(id); ok {
			st.Phase = app.Closed
			o.Registry.SetState(id, st)
		}
		if c, ok := o.Registry.Conn(id); ok {
			c.Close()
		}
	}
	log.Info().Str("module", "orch").Str("project", string(project)).Int("closed", len(conns)).Msg("room evicted")
	return len(conns)
}

func (o *Orchestrator) sendTo(id core.ConnID, f core.Frame) bool {
	c, ok := o.Registry.Conn(id)
	if !ok {
		return false
	}
	if err := c.TrySend(f); err != nil {
		log.Debug().Str("module", "orch").Str("conn", string(id)).Err(err).Msg("send failed")
		return false
	}
	return true
}

// broadcast fans payload out to every peer but from, then applies the
// backpressure policy to peers whose outbox was full.
func (o *Orchestrator) broadcast(room *core.Session, from core.ConnID, payload []byte, binary bool) {
	var slow []core.ConnID
	room.Broadcast(from, payload, binary, func(to core.ConnID, f core.Frame) {
		c, ok := o.Registry.Conn(to)
		if !ok {
			return
		}
		if err := c.TrySend(f); errors.Is(err, core.ErrBackpressure) {
			slow = append(slow, to)
		}
	})
	for _, id := range slow {
		switch o.Policy.OnBackPressure(room, id) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("conn", string(id)).Str("project", string(room.ID())).Msg("slow peer kicked")
			o.disconnect(id, "backpressure")
		case app.DropFrame:
			// a peer that missed a frame cannot stand in for the document
			delete(o.synced, id)
			log.Debug().Str("module", "orch").Str("conn", string(id)).Msg("frame dropped for slow peer")
		case app.NoAction:
		}
	}
}

func userStrings(ids []domain.UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
