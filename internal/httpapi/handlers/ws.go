package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/portfolio-chat/internal/common"
	"github.com/suPer8Hu/portfolio-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"github.com/suPer8Hu/portfolio-chat/internal/session"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Live upgrades to a websocket and runs one live session on it. Browsers
// cannot set headers on a websocket, so the token comes as ?token=.
func (h *Handler) Live(c *gin.Context) {
	tok := middleware.BearerToken(c)
	if tok == "" {
		common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
		return
	}
	auth, err := h.Identity.Authenticate(c.Request.Context(), tok)
	if err != nil {
		failErr(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.Cfg.WSOriginPatterns,
	})
	if err != nil {
		// Accept already wrote the response
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sess, err := session.Start(ctx, h.sessionDeps(), auth)
	if err != nil {
		log.Printf("[ws] start user=%s err=%v", auth.Identity.ID, err)
		_ = conn.Close(websocket.StatusPolicyViolation, identity.UserMessage(err))
		return
	}
	defer sess.Close()

	go h.writeLoop(ctx, cancel, conn, sess)
	go keepAlive(ctx, conn)

	for {
		var cmd session.Command
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Printf("[ws] read user=%s err=%v", auth.Identity.ID, err)
			}
			return
		}
		err := sess.Handle(ctx, cmd)
		switch {
		case err == nil, cmd.Type == session.CmdSend:
			// send failures are reported by the session with the draft
		case errors.Is(err, session.ErrClosed):
			return
		default:
			wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
			_ = wsjson.Write(wctx, conn, session.Event{Type: session.EvError, Error: err.Error()})
			wcancel()
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session.Session) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			// flush what was queued before the end, e.g. the signed-out identity
			for {
				select {
				case ev := <-sess.Events():
					wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
					_ = wsjson.Write(wctx, conn, ev)
					wcancel()
					continue
				default:
				}
				break
			}
			_ = conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		case ev := <-sess.Events():
			wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

func keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
