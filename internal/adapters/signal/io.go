package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	logger := log.With().Str("module", "signal").Str("conn", string(c.id)).Logger()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			ctl.writeClose(c, websocket.CloseGoingAway)
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				logger.Debug().Err(err).Msg("writePump ping")
				return
			}
		case <-c.wake:
			for {
				f, ok, done := c.next()
				if done {
					ctl.writeClose(c, websocket.CloseNormalClosure)
					logger.Debug().Msg("writePump drained")
					return
				}
				if !ok {
					break
				}
				if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
					logger.Error().Err(err).Msg("writePump set deadline")
					return
				}
				typ := websocket.TextMessage
				if f.Binary {
					typ = websocket.BinaryMessage
				}
				if err := c.conn.WriteMessage(typ, f.Data); err != nil {
					logger.Debug().Err(err).Msg("writePump write error")
					return
				}
			}
		}
	}
}

func (ctl *SignalWSController) writeClose(c *WsSignalConn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.opts.WriteTimeout))
}

// readPump forwards every message to the orchestrator and reports the close
// exactly once.
func (ctl *SignalWSController) readPump(c *WsSignalConn) {
	logger := log.With().Str("module", "signal").Str("conn", string(c.id)).Logger()
	defer func() {
		logger.Debug().Msg("readPump closing")
		c.Close()
		_ = c.conn.Close()
		ctl.Orch.OnClose(c.id)
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.IdleTimeout)) }
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				logger.Debug().Int("code", ce.Code).Msg("readPump peer closed")
			} else {
				logger.Debug().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = extend()
		switch typ {
		case websocket.TextMessage:
			ctl.Orch.OnText(c.id, data)
		case websocket.BinaryMessage:
			ctl.Orch.OnBinary(c.id, data)
		}
	}
}
