package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/orchestrator"
	"github.com/zhubert/swarm/internal/session"
	"github.com/zhubert/swarm/internal/store"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := s.orch.ListSessions(store.Filter{ActiveOnly: true})
	s.jsonResponse(w, http.StatusOK, map[string]any{"status": "ok", "active_sessions": len(active)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	sessions := s.orch.ListSessions(f)
	if sessions == nil {
		sessions = []*session.Session{}
	}
	s.jsonResponse(w, http.StatusOK, sessions)
}

func filterFromQuery(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		AgentType:  session.AgentType(q.Get("agent")),
		WorkingDir: q.Get("working_dir"),
		TaskPath:   q.Get("task_path"),
	}
	if f.WorkingDir == "" {
		f.WorkingDir = r.Header.Get(HeaderWorkingDir)
	}
	if raw := q.Get("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st := session.Status(strings.TrimSpace(name))
			if !st.Valid() {
				return f, badRequest("unknown status " + string(st))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return f, badRequest("active must be a boolean")
		}
		f.ActiveOnly = active
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, badRequest("limit must be a non-negative integer")
		}
		f.Limit = limit
	}
	return f, nil
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var p orchestrator.SpawnParams
	if err := decodeBody(r, &p); err != nil {
		s.errorResponse(w, err)
		return
	}
	if p.WorkingDir == "" {
		p.WorkingDir = r.Header.Get(HeaderWorkingDir)
	}
	if p.SessionID == "" {
		p.SessionID = r.Header.Get(HeaderSessionID)
	}
	if p.WorkingDir == "" && p.SessionID == "" {
		s.errorResponse(w, badRequest("working_dir is required (body or "+HeaderWorkingDir+" header)"))
		return
	}

	d, err := s.orch.Spawn(r.Context(), p)
	if err != nil {
		if d.SessionID != "" {
			// The session exists but its agent failed to start.
			s.jsonResponse(w, statusFor(errors.GetKind(err)), map[string]any{"session": d, "error": err.Error()})
			return
		}
		s.errorResponse(w, err)
		return
	}
	status := http.StatusCreated
	if d.FollowUp || p.SessionID != "" {
		status = http.StatusOK
	}
	s.jsonResponse(w, status, d)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.GetSession(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

type messageRequest struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.orch.Send(r.PathValue("id"), req.Content, req.ClientMessageID); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Finish(r.PathValue("id")); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "finishing"})
}

// outputResponse carries Next, the offset to ask for on the following poll.
type outputResponse struct {
	Chunks []session.OutputChunk `json:"chunks"`
	Next   int                   `json:"next"`
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()

	from := 0
	if raw := q.Get("from"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.errorResponse(w, badRequest("from must be an integer"))
			return
		}
		from = n
	}
	var wait time.Duration
	if raw := q.Get("wait"); raw != "" {
		d, err := parseWait(raw)
		if err != nil {
			s.errorResponse(w, badRequest("wait must be a duration"))
			return
		}
		wait = d
	}

	var (
		chunks []session.OutputChunk
		err    error
	)
	if wait > 0 {
		chunks, err = s.orch.WaitOutput(r.Context(), id, from, wait)
	} else {
		chunks, err = s.orch.TailOutput(r.Context(), id, from)
	}
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if chunks == nil {
		chunks = []session.OutputChunk{}
	}
	next := from
	if n := len(chunks); n > 0 {
		next = chunks[n-1].Index + 1
	}
	s.jsonResponse(w, http.StatusOK, outputResponse{Chunks: chunks, Next: next})
}

// parseWait accepts a Go duration or a bare number of seconds.
func parseWait(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

type displayRequest struct {
	Pending []session.Message `json:"pending"`
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	var req displayRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	items, err := s.orch.DisplayOutput(r.Context(), r.PathValue("id"), req.Pending)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, items)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.orch.GetChangedFiles(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if files == nil {
		files = []session.EditedFileInfo{}
	}
	s.jsonResponse(w, http.StatusOK, files)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	events, err := s.orch.ReplayRegistry()
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if events == nil {
		events = []session.RegistryEvent{}
	}
	s.jsonResponse(w, http.StatusOK, events)
}
