package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"talkready/internal/history"
	"talkready/internal/llm"
	"talkready/internal/metrics"
	"talkready/internal/storage"
)

const analysisPrompt = `You are an English language assessor reviewing a learner's side of a customer service call.
Evaluate grammar, vocabulary and sentence structure. Reply with a JSON object only:
{"grammar": "...", "vocabulary": "...", "structure": "...", "details": "..."}
where details holds concrete suggestions for improvement.`

const noSpeechDetails = "No learner speech was recorded in this session."

// Recorder writes sessions through to the store and produces the end-of-call analysis.
type Recorder struct {
	store   storage.Store
	client  llm.Client
	opts    llm.GenerateOptions
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRecorder(store storage.Store, client llm.Client, opts llm.GenerateOptions, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, client: client, opts: opts, logger: logger, metrics: m, now: time.Now}
}

// Persist upserts rec keyed by its id.
func (r *Recorder) Persist(ctx context.Context, rec storage.SessionRecord) error {
	if err := r.store.UpsertSession(ctx, rec); err != nil {
		r.metrics.RecordPersistError()
		r.logger.Error("persist session failed", "session_id", rec.ID, "error", err)
		return err
	}
	return nil
}

type analysisReply struct {
	Grammar    string `json:"grammar"`
	Vocabulary string `json:"vocabulary"`
	Structure  string `json:"structure"`
	Details    string `json:"details"`
}

// Analyze sends the learner's turns to the provider in one request and stores the feedback
// keyed by session id.
func (r *Recorder) Analyze(ctx context.Context, rec storage.SessionRecord) (storage.AnalysisRecord, error) {
	out := storage.AnalysisRecord{SessionID: rec.ID, CreatedAt: r.now().UTC()}

	transcript := learnerSpeech(rec.Turns)
	if transcript == "" {
		out.Details = noSpeechDetails
		out.Feedback = noSpeechDetails
	} else {
		started := time.Now()
		resp, err := llm.GenerateWith(ctx, r.client, []llm.Message{
			{Role: llm.RoleSystem, Content: analysisPrompt},
			{Role: llm.RoleUser, Content: transcript},
		}, r.opts)
		r.metrics.ObserveStage("analysis", time.Since(started))
		if err != nil {
			r.metrics.RecordFailure("analysis")
			r.logger.Error("analysis request failed", "session_id", rec.ID, "error", err)
			return storage.AnalysisRecord{}, fmt.Errorf("analyze session %s: %w", rec.ID, err)
		}
		parseAnalysis(resp.Content, &out)
	}

	if err := r.store.SaveAnalysis(ctx, out); err != nil {
		r.metrics.RecordPersistError()
		r.logger.Error("persist analysis failed", "session_id", rec.ID, "error", err)
		return out, err
	}
	return out, nil
}

func learnerSpeech(turns []history.Turn) string {
	var parts []string
	for _, t := range turns {
		if t.Sender == history.SenderUser && strings.TrimSpace(t.Text) != "" {
			parts = append(parts, strings.TrimSpace(t.Text))
		}
	}
	return strings.Join(parts, "\n")
}

// parseAnalysis fills out from a JSON reply. Anything else is kept verbatim in Details.
func parseAnalysis(raw string, out *storage.AnalysisRecord) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		var a analysisReply
		if err := json.Unmarshal([]byte(text[i:j+1]), &a); err == nil && (a.Grammar != "" || a.Vocabulary != "" || a.Structure != "" || a.Details != "") {
			out.Scores = storage.Scores{Grammar: a.Grammar, Vocabulary: a.Vocabulary, Structure: a.Structure}
			out.Details = a.Details
			out.Feedback = formatFeedback(a)
			return
		}
	}
	out.Details = strings.TrimSpace(raw)
	out.Feedback = out.Details
}

func formatFeedback(a analysisReply) string {
	var b strings.Builder
	for _, part := range [][2]string{
		{"Grammar", a.Grammar},
		{"Vocabulary", a.Vocabulary},
		{"Structure", a.Structure},
		{"Details", a.Details},
	} {
		if part[1] == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part[0])
		b.WriteString(": ")
		b.WriteString(part[1])
	}
	return b.String()
}
