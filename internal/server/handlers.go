package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charging-platform/ocpp-proxy/internal/backend"
	"github.com/charging-platform/ocpp-proxy/internal/sessionlog"
)

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>OCPP Proxy</title></head>
<body>
  <h1>OCPP Proxy</h1>
  <p>Charger status: %s</p>
  <p>Control holder: %s</p>
  <ul>
    <li><a href="/status">/status</a> (JSON status)</li>
    <li><a href="/sessions">/sessions</a> (JSON session list)</li>
    <li><a href="/sessions.csv">/sessions.csv</a> (CSV export)</li>
    <li><a href="/metrics">/metrics</a> (Prometheus metrics)</li>
    <li>/override (POST to toggle administrative override)</li>
  </ul>
</body>
</html>`

// handleIndex 人类可读的状态页
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	status := "disconnected"
	if sess := s.chargers.Current(); sess != nil {
		status = string(sess.Status())
	}
	holder := s.engine.Snapshot().Holder
	if holder == "" {
		holder = "none"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, indexHTML, status, holder)
}

// parseFilter 解析from/to/backend_id查询参数
func parseFilter(r *http.Request) (sessionlog.Filter, error) {
	var f sessionlog.Filter
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, fmt.Errorf("invalid from: %w", err)
		}
		f.From = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, fmt.Errorf("invalid to: %w", err)
		}
		f.To = &t
	}
	f.BackendID = r.URL.Query().Get("backend_id")
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// handleSessions 会话JSON列表
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*sessionlog.Session{}
	}
	writeJSON(w, sessions)
}

// handleSession 按ID查询单个会话，未知ID返回404
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sess)
}

// handleSessionsCSV CSV导出，列序为公开契约
func (s *Server) handleSessionsCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="sessions.csv"`)
	if err := s.store.ExportCSV(r.Context(), w, filter); err != nil {
		s.log.Errorf("csv export: %v", err)
	}
}

// statusResponse /status的应答结构
type statusResponse struct {
	ChargerStatus string         `json:"charger_status"`
	ControlHolder string         `json:"control_holder,omitempty"`
	LockState     string         `json:"lock_state"`
	Override      bool           `json:"override"`
	Backends      []backend.Info `json:"backends"`
	Version       string         `json:"version,omitempty"`
}

// handleStatus JSON状态快照
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lock := s.engine.Snapshot()
	resp := statusResponse{
		ChargerStatus: "disconnected",
		ControlHolder: lock.Holder,
		LockState:     string(lock.State),
		Override:      lock.Override,
		Backends:      s.registry.Snapshot(),
	}
	if sess := s.chargers.Current(); sess != nil {
		resp.ChargerStatus = string(sess.Status())
		resp.Version = sess.Version()
	}
	if s.supervisor != nil {
		resp.Backends = append(resp.Backends, s.supervisor.Snapshot()...)
	}
	if resp.Backends == nil {
		resp.Backends = []backend.Info{}
	}
	writeJSON(w, resp)
}

// handleOverride 管理员覆盖开关
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Active == nil {
		http.Error(w, `body must be {"active":bool}`, http.StatusBadRequest)
		return
	}
	s.setLocalOverride(*body.Active)
	writeJSON(w, map[string]bool{"active": *body.Active})
}

// handleHealth 健康检查
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
