package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"talkready/internal/analytics"
	"talkready/internal/auth"
	"talkready/internal/capture"
	"talkready/internal/practice"
	"talkready/internal/session"
	"talkready/internal/storage"
)

type startSessionRequest struct {
	InquiryType string `json:"inquiry_type"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type retryResponse struct {
	Removed int `json:"removed"`
}

type endResponse struct {
	Session  storage.SessionRecord   `json:"session"`
	Analysis *storage.AnalysisRecord `json:"analysis,omitempty"`
}

type newTestRequest struct {
	Difficulty string `json:"difficulty"`
}

type scenarioView struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	Counterpart string `json:"counterpart"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json body: %v", errBadRequest, err)
	}
	return nil
}

// session looks up a live session owned by the caller.
func (s *Server) session(r *http.Request) (*session.Session, error) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if uid := auth.UserIDFrom(r.Context()); uid != "" && sess.UserID() != "" && sess.UserID() != uid {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessions.Start(r.Context(), auth.UserIDFrom(r.Context()), strings.TrimSpace(req.InquiryType))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// handleGetSession serves live sessions from memory and ended ones from the store.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err == nil {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	if !errors.Is(err, session.ErrNotFound) {
		writeError(w, err)
		return
	}
	rec, err := s.sessions.Store().GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if uid := auth.UserIDFrom(r.Context()); uid != "" && rec.UserID != "" && rec.UserID != uid {
		writeError(w, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot{SessionRecord: rec})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	turn, err := sess.SendText(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

// handleSubmitAudio accepts a whole recording as multipart field "audio". The reply arrives
// on the live channel.
func (s *Server) handleSubmitAudio(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	blob, err := s.readAudio(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.SubmitAudio(r.Context(), blob); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) readAudio(w http.ResponseWriter, r *http.Request) (capture.Blob, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	f, hdr, err := r.FormFile("audio")
	if err != nil {
		return capture.Blob{}, fmt.Errorf("%w: multipart field audio: %v", errBadRequest, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return capture.Blob{}, fmt.Errorf("%w: read audio: %v", errBadRequest, err)
	}
	if len(data) == 0 {
		return capture.Blob{}, capture.ErrNoAudioCaptured
	}
	mime := hdr.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = capture.DefaultMIMEType
	}
	return capture.Blob{Data: data, MIMEType: mime}, nil
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := sess.Retry(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{Removed: n})
}

// handleEnd ends the call and returns the saved transcript with its analysis.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.End(r.Context(), session.ReasonUser); err != nil {
		writeError(w, err)
		return
	}
	resp := endResponse{Session: sess.Record()}
	if a, ok := sess.Analysis(); ok {
		resp.Analysis = &a
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sess, err := s.session(r); err == nil {
		if a, ok := sess.Analysis(); ok {
			writeJSON(w, http.StatusOK, a)
			return
		}
		writeError(w, fmt.Errorf("%w: session %s has no analysis yet", storage.ErrNotFound, id))
		return
	}
	a, err := s.sessions.Store().GetAnalysis(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	cat := s.sessions.Scenarios()
	out := make([]scenarioView, 0)
	for _, key := range cat.Keys() {
		sc, _ := cat.Get(key)
		out = append(out, scenarioView{Key: sc.Key, Title: sc.Title, Counterpart: sc.Counterpart})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNewTest(w http.ResponseWriter, r *http.Request) {
	var req newTestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := practice.ParseDifficulty(req.Difficulty)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.practice.NewTest(r.Context(), auth.UserIDFrom(r.Context()), d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	t, err := s.practice.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSubmitTest(w http.ResponseWriter, r *http.Request) {
	blob, err := s.readAudio(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.practice.Submit(r.Context(), r.PathValue("id"), blob)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDailyReport aggregates the sessions of ?date=YYYY-MM-DD (today by default).
// ?format=text returns the plain summary.
func (s *Server) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	day := time.Now().In(s.reportLoc)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, s.reportLoc)
		if err != nil {
			writeError(w, fmt.Errorf("%w: date must be YYYY-MM-DD", errBadRequest))
			return
		}
		day = parsed
	}
	stats, err := analytics.Daily(r.Context(), s.sessions.Store(), day)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, stats.Summary())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
