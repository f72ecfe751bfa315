package controller

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"betterclock/internal/api"
	"betterclock/internal/clocksync"
	"betterclock/internal/model"
	"betterclock/internal/scheduler"
	"betterclock/internal/session"
)

const isoLocalLayout = "2006-01-02T15:04:05.000-07:00"

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.IndexResponse{
		Service: api.ServiceName,
		Version: api.ServiceVersion,
		Endpoints: []string{
			"GET /healthz",
			"GET /v1/state",
			"GET /v1/state/stream",
			"GET /v1/clients",
			"POST /v1/clients/connect",
			"POST /v1/clients/disconnect",
			"GET /v1/alarms",
			"POST /v1/alarms/acknowledge",
		},
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	received := s.clock.Now()
	resp := s.state(received)
	sent := s.clock.Now()
	resp.ResponseSendUnixMs = clocksync.UnixMs(sent)
	resp.ServerProcessingMs = float64(sent.Sub(received).Microseconds()) / 1000.0
	writeJSON(w, http.StatusOK, resp)
}

// state builds the payload for instant now; the send fields are left to the caller.
func (s *Server) state(now time.Time) api.StateResponse {
	counts := s.sched.Counts()
	local := now.In(s.loc)
	return api.StateResponse{
		Runtime:               runtimeFrom(counts, local),
		ServerTimeUnixMs:      clocksync.UnixMs(now),
		RequestReceivedUnixMs: clocksync.UnixMs(now),
		ClientsConnected:      s.sessions.Count(),
	}
}

func runtimeFrom(c model.RuntimeCounts, local time.Time) api.Runtime {
	rt := api.Runtime{
		ISOLocal:           local.Format(isoLocalLayout),
		Hour:               local.Hour(),
		Minute:             local.Minute(),
		Second:             local.Second(),
		SourceLabel:        c.SourceLabel,
		WarningEnabled:     c.WarningEnabled,
		WarningActiveCount: c.WarningActiveCount,
		WarningPulseOn:     c.WarningPulseOn,
		WarningLeadTimeMs:  c.WarningLeadTimeMs,
		WarningPulseTimeMs: c.WarningPulseTimeMs,
		ArmedCount:         c.ArmedCount,
		TriggeredCount:     c.TriggeredCount,
	}
	if !c.UpdatedAt.IsZero() {
		rt.UpdatedUnixMs = c.UpdatedAt.UnixMilli()
	}
	return rt
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	list := s.sessions.List()
	resp := api.ClientsResponse{Count: len(list), Clients: make([]api.ClientInfo, 0, len(list))}
	for _, c := range list {
		resp.Clients = append(resp.Clients, api.ClientInfo{
			ClientID:          c.ClientID,
			InstanceID:        c.InstanceID,
			ConnectedAtUnixMs: c.ConnectedAt.UnixMilli(),
			ConnectedForMs:    now.Sub(c.ConnectedAt).Milliseconds(),
			RemoteAddr:        c.RemoteAddr,
			Metadata:          c.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req api.ConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)

	sess, err := s.sessions.Connect(req.ClientID, strings.TrimSpace(req.InstanceID), r.RemoteAddr, req.Metadata)
	if err != nil {
		if errors.Is(err, session.ErrInvalid) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str("client_id", sess.ClientID).Str("instance_id", sess.InstanceID).Str("remote", r.RemoteAddr).Msg("client connected")
	writeJSON(w, http.StatusOK, api.ConnectResponse{
		ClientID:          sess.ClientID,
		InstanceID:        sess.InstanceID,
		ConnectedAtUnixMs: sess.ConnectedAt.UnixMilli(),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req api.DisconnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID == "" || req.InstanceID == "" {
		writeJSONError(w, http.StatusBadRequest, "client_id and instance_id are required")
		return
	}

	if err := s.sessions.Disconnect(req.ClientID, req.InstanceID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, api.DisconnectResponse{Disconnected: false})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str("client_id", req.ClientID).Str("instance_id", req.InstanceID).Msg("client disconnected")
	writeJSON(w, http.StatusOK, api.DisconnectResponse{Disconnected: true})
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	windows := s.sched.Windows()
	resp := api.AlarmsResponse{Count: len(windows), Alarms: make([]api.AlarmInfo, 0, len(windows))}
	for _, win := range windows {
		resp.Alarms = append(resp.Alarms, api.AlarmInfo{
			ID:                win.ID,
			State:             win.State.String(),
			StartAtUnixMs:     win.StartAt.UnixMilli(),
			LeadTimeMs:        win.LeadTime.Milliseconds(),
			PulseTimeMs:       win.PulseTime.Milliseconds(),
			RingDurationMs:    win.RingDuration.Milliseconds(),
			Recurring:         win.Recurring,
			AutoAcknowledge:   win.AutoAcknowledge,
			ArmedAtUnixMs:     unixMs(win.ArmedAt),
			TriggeredAtUnixMs: unixMs(win.TriggeredAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req api.AcknowledgeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	ok, err := s.sched.Acknowledge(req.ID)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownWindow) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.AcknowledgeResponse{Acknowledged: ok})
}
