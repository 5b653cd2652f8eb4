package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"talkready/internal/auth"
	"talkready/internal/capture"
	"talkready/internal/conversation"
	"talkready/internal/history"
	"talkready/internal/llm"
	"talkready/internal/metrics"
	"talkready/internal/practice"
	"talkready/internal/session"
	"talkready/internal/speech"
	"talkready/internal/storage"
	"talkready/internal/transcribe"
	"talkready/internal/upload"
)

type fakeLLM struct {
	mu sync.Mutex
	n  int
}

func (f *fakeLLM) Generate(ctx context.Context, msgs []llm.Message) (llm.Response, error) {
	f.mu.Lock()
	f.n++
	n := f.n
	f.mu.Unlock()
	return llm.Response{Content: fmt.Sprintf("Reply number %d.", n)}, nil
}

type fakeUploader struct{}

func (fakeUploader) Upload(ctx context.Context, b capture.Blob) (string, error) {
	if b.Size() == 0 {
		return "", upload.ErrEmptyBlob
	}
	return "https://cdn.example.com/rec.wav", nil
}

type fakeTranscriber struct{}

func (fakeTranscriber) ProviderName() string { return "fake" }

func (fakeTranscriber) Transcribe(ctx context.Context, url string) (transcribe.Outcome, error) {
	return transcribe.Outcome{
		Kind: transcribe.OutcomeCompleted,
		Job:  transcribe.Job{ID: "job-1", SourceAudioURL: url, Status: transcribe.StatusCompleted, ResultText: "My parcel is late"},
	}, nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, text string) (speech.Audio, error) {
	return speech.Audio{Text: text, Data: []byte("mp3:" + text), MIMEType: "audio/mpeg"}, nil
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	mgr   *session.Manager
	store *storage.MemoryStore
}

func newTestEnv(t *testing.T, allowed ...string) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	client := &fakeLLM{}
	m := metrics.New("talkready_test")
	mgr := session.NewManager(session.Config{
		LLM:         client,
		Uploader:    fakeUploader{},
		Transcriber: fakeTranscriber{},
		Synthesizer: fakeSynth{},
		Store:       store,
		Metrics:     m,
		Duration:    time.Minute,
	})
	authSvc, err := auth.NewWithRepo(nil, allowed)
	require.NoError(t, err)
	srv := New(Deps{
		Sessions: mgr,
		Practice: practice.NewService(client, llm.GenerateOptions{}, fakeUploader{}, fakeTranscriber{}, store, nil, m),
		Auth:     authSvc,
		Metrics:  m,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = mgr.Shutdown(context.Background())
	})
	return &testEnv{srv: srv, http: hs, mgr: mgr, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set(auth.HeaderUserID, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) postAudio(t *testing.T, path string, data []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "rec.wav")
	require.NoError(t, err)
	_, _ = fw.Write(data)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(auth.HeaderUserID, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func (e *testEnv) start(t *testing.T) *session.Session {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/sessions", startSessionRequest{InquiryType: conversation.ScenarioCustomerService})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Equal(t, storage.StateActive, snap.State)
	require.Equal(t, "alice", snap.UserID)
	sess, err := e.mgr.Get(snap.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sess.Turns()) == 1 }, 2*time.Second, 5*time.Millisecond)
	return sess
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok\n", string(body))
	require.NotEmpty(t, resp.Header.Get(headerRequestID))

	resp, body = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "talkready_test_http_requests_total")
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	sess := e.start(t)
	base := "/api/sessions/" + sess.ID()

	resp, body := e.do(t, http.MethodPost, base+"/messages", messageRequest{Text: "Where is my order?"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var reply history.Turn
	require.NoError(t, json.Unmarshal(body, &reply))
	require.Equal(t, history.SenderCounterpart, reply.Sender)

	resp, body = e.do(t, http.MethodPost, base+"/messages", messageRequest{Text: "Where is my order?"})
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, body = e.postAudio(t, base+"/audio", []byte("RIFF...."))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	require.Eventually(t, func() bool { return len(sess.Turns()) == 5 }, 2*time.Second, 5*time.Millisecond)
	turns := sess.Turns()
	require.Equal(t, "My parcel is late", turns[3].Text)
	require.Equal(t, "https://cdn.example.com/rec.wav", turns[3].AudioURL)

	resp, body = e.do(t, http.MethodPost, base+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rr retryResponse
	require.NoError(t, json.Unmarshal(body, &rr))
	require.Equal(t, 2, rr.Removed)

	resp, body = e.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Len(t, snap.Turns, 3)

	resp, body = e.do(t, http.MethodPost, base+"/end", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var ended endResponse
	require.NoError(t, json.Unmarshal(body, &ended))
	require.Equal(t, storage.StateEnded, ended.Session.State)
	require.NotNil(t, ended.Analysis)

	// ended sessions are served from the store
	resp, body = e.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Equal(t, storage.StateEnded, snap.State)

	resp, _ = e.do(t, http.MethodGet, base+"/analysis", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, base+"/end", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", decodeError(t, body).Type)
}

func TestStartSessionValidation(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/sessions", startSessionRequest{InquiryType: "karaoke"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", decodeError(t, body).Type)

	resp, _ = e.do(t, http.MethodGet, "/api/sessions/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAudioRequiresData(t *testing.T) {
	e := newTestEnv(t)
	sess := e.start(t)

	resp, body := e.postAudio(t, "/api/sessions/"+sess.ID()+"/audio", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
}

func TestAllowlist(t *testing.T) {
	e := newTestEnv(t, "bob")

	resp, body := e.do(t, http.MethodPost, "/api/sessions", startSessionRequest{InquiryType: conversation.ScenarioCustomerService})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "forbidden", decodeError(t, body).Type)

	resp, _ = e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSpeakingTests(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/tests", newTestRequest{Difficulty: "expert"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodPost, "/api/tests", newTestRequest{Difficulty: "easy"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var test storage.SpeakingTest
	require.NoError(t, json.Unmarshal(body, &test))
	require.NotEmpty(t, test.Phrase)

	resp, body = e.postAudio(t, "/api/tests/"+test.ID+"/audio", []byte("RIFF...."))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &test))
	require.Equal(t, "My parcel is late", test.Transcription)
	require.NotEmpty(t, test.Feedback)

	resp, _ = e.do(t, http.MethodGet, "/api/tests/"+test.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDailyReport(t *testing.T) {
	e := newTestEnv(t)
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, e.store.UpsertSession(context.Background(), storage.SessionRecord{
		ID: "s1", UserID: "alice", InquiryType: "customer_service", StartedAt: day,
	}))

	resp, body := e.do(t, http.MethodGet, "/api/reports/daily?date=2024-05-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var stats struct {
		Date     string `json:"date"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Equal(t, "2024-05-01", stats.Date)
	require.Equal(t, 1, stats.Sessions)

	resp, body = e.do(t, http.MethodGet, "/api/reports/daily?date=2024-05-01&format=text", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "customer_service: 1")

	resp, _ = e.do(t, http.MethodGet, "/api/reports/daily?date=May1", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecoverWritesEnvelope(t *testing.T) {
	h := Recover(discardLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal_error", decodeError(t, rec.Body.Bytes()).Type)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{session.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", storage.ErrNotFound), http.StatusNotFound},
		{session.ErrUnknownScenario, http.StatusBadRequest},
		{session.ErrCaptureInProgress, http.StatusConflict},
		{conversation.ErrDuplicateTurn, http.StatusConflict},
		{capture.ErrNoAudioCaptured, http.StatusUnprocessableEntity},
		{transcribe.ErrTimeoutExceeded, http.StatusGatewayTimeout},
		{upload.ErrUploadFailed, http.StatusBadGateway},
		{conversation.ErrGenerationFailed, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		require.Equal(t, tc.want, got, tc.err.Error())
	}
}

func TestRequestIDReuse(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, RequestIDFrom(r.Context()))
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRequestID, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, strings.HasPrefix(rec.Body.String(), "req_"))
}
