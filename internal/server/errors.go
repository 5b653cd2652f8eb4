package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"talkready/internal/capture"
	"talkready/internal/conversation"
	"talkready/internal/practice"
	"talkready/internal/session"
	"talkready/internal/storage"
	"talkready/internal/transcribe"
	"talkready/internal/upload"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusFor maps domain errors to an HTTP status and an error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrUnknownScenario),
		errors.Is(err, practice.ErrInvalidDifficulty):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrCaptureInProgress),
		errors.Is(err, session.ErrNoCapture),
		errors.Is(err, capture.ErrCaptureInProgress),
		errors.Is(err, conversation.ErrDuplicateTurn),
		errors.Is(err, conversation.ErrSuperseded),
		errors.Is(err, conversation.ErrClosed):
		return http.StatusConflict, "conflict"
	case errors.Is(err, capture.ErrNoAudioCaptured),
		errors.Is(err, capture.ErrPermissionDenied),
		errors.Is(err, conversation.ErrEmptyTurn),
		errors.Is(err, transcribe.ErrEmptyTranscription):
		return http.StatusUnprocessableEntity, "unprocessable"
	case errors.Is(err, transcribe.ErrTimeoutExceeded), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, upload.ErrUploadFailed),
		errors.Is(err, upload.ErrInvalidResponse),
		errors.Is(err, upload.ErrEmptyBlob),
		errors.Is(err, transcribe.ErrTranscriptionFailed),
		errors.Is(err, transcribe.ErrInvalidResponse),
		errors.Is(err, conversation.ErrGenerationFailed),
		errors.Is(err, practice.ErrGenerationFailed),
		errors.Is(err, practice.ErrFeedbackFailed):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, typ := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeErrorStatus(w, status, typ, msg)
}

func writeErrorStatus(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Type: typ, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
