package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gaspardpetit/voicerelay/internal/logx"
	"github.com/gaspardpetit/voicerelay/internal/relay"
)

type submitBody struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Caller  string          `json:"caller,omitempty"`
}

type submitReply struct {
	OK            bool   `json:"ok"`
	CorrelationID string `json:"correlationId"`
	Caller        string `json:"caller"`
}

type submitFailure struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Caller string `json:"caller"`
}

// submit accepts a request and answers before the host does. The result is
// delivered to the caller's mailbox, except when the host cannot be reached
// at all: that failure is the HTTP reply itself.
func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	if h.drain.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "draining"})
		return
	}
	var body submitBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", relay.ErrInvalidRequest, err))
		return
	}
	if body.Caller == "" {
		body.Caller = uuid.NewString()
	}
	// a result without an id can only be the connect failure, delivered
	// before Submit returns
	unsent := make(chan relay.Result, 1)
	mailbox := h.hub.Caller(body.Caller)
	caller := relay.CallerFunc(func(res relay.Result) {
		if res.CorrelationID == "" {
			select {
			case unsent <- res:
			default:
			}
			return
		}
		mailbox.Deliver(res)
	})
	id, err := h.relay.Submit(r.Context(), relay.Request{Command: body.Command, Payload: body.Payload}, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	if id == "" {
		res := relay.Result{Error: relay.Code(relay.ErrConnectFailed)}
		select {
		case res = <-unsent:
		default:
		}
		writeJSON(w, http.StatusBadGateway, submitFailure{Error: res.Error, Caller: body.Caller})
		return
	}
	logx.Log.Debug().Str("caller", body.Caller).Str("command", body.Command).Str("correlation_id", id).Msg("request accepted")
	writeJSON(w, http.StatusAccepted, submitReply{OK: true, CorrelationID: id, Caller: body.Caller})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	if !h.relay.Cancel(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handler) results(w http.ResponseWriter, r *http.Request) {
	out := h.hub.Poll(chi.URLParam(r, "caller"))
	if out == nil {
		out = []relay.Result{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) native(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	switch action {
	case relay.ControlStart, relay.ControlStop:
		status, err := h.relay.Control(r.Context(), action)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": status})
	case "reconnect":
		if err := h.relay.Reconnect(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "disconnect":
		was := h.relay.Disconnect()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "wasConnected": was})
	default:
		writeError(w, fmt.Errorf("%w: unknown action %q", relay.ErrInvalidRequest, action))
	}
}

type stateReply struct {
	relay.Status
	Host any `json:"host,omitempty"`
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	st := h.relay.Status()
	if h.stateStore != nil {
		st = h.stateStore.Load()
	}
	reply := stateReply{Status: st}
	if st.HostPid > 0 {
		stats, err := h.hostStats(r.Context(), st.HostPid)
		if err == nil {
			reply.Host = stats
		} else if !errors.Is(err, r.Context().Err()) {
			logx.Log.Debug().Err(err).Int("pid", st.HostPid).Msg("host stats unavailable")
		}
	}
	writeJSON(w, http.StatusOK, reply)
}
