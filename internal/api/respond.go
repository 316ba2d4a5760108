package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gaspardpetit/voicerelay/internal/logx"
	"github.com/gaspardpetit/voicerelay/internal/relay"
)

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, relay.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, relay.ErrConnectFailed), errors.Is(err, relay.ErrDisconnected):
		status = http.StatusBadGateway
	case errors.Is(err, relay.ErrDispatcherClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logx.Log.Warn().Err(err).Msg("api error")
	}
	writeJSON(w, status, errorBody{Error: relay.Code(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
