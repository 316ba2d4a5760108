package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/voicerelay/internal/logx"
)

const streamWriteTimeout = 5 * time.Second

// stream pushes a caller's results over a websocket as they arrive.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	caller := chi.URLParam(r, "caller")
	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	defer c.CloseNow()

	results, unsubscribe := h.hub.Subscribe(caller)
	defer unsubscribe()
	log := logx.Log.With().Str("caller", caller).Logger()
	log.Debug().Msg("result stream opened")

	// the client sends nothing; CloseRead ends ctx when it goes away
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("result stream closed")
			return
		case res := <-results:
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, c, res)
			cancel()
			if err != nil {
				unsubscribe(res)
				if !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("result stream write failed")
				}
				return
			}
		}
	}
}
