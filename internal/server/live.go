package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"talkready/internal/session"
)

const (
	liveWriteTimeout = 5 * time.Second
	livePingInterval = 20 * time.Second
	liveReadTimeout  = 60 * time.Second
	liveMaxFrame     = 1 << 20
)

// Client command types on the live socket.
const (
	cmdStartCapture     = "start_capture"
	cmdStopCapture      = "stop_capture"
	cmdPermissionDenied = "permission_denied"
	cmdMessage          = "message"
	cmdRetry            = "retry"
	cmdEnd              = "end"
)

type liveCommand struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// liveFrame is a server-to-client JSON frame that is not a session event.
type liveFrame struct {
	Type     string     `json:"type"`
	Command  string     `json:"command,omitempty"`
	Error    *errorBody `json:"error,omitempty"`
	Text     string     `json:"text,omitempty"`
	MIMEType string     `json:"mime_type,omitempty"`
	Bytes    int        `json:"bytes,omitempty"`
}

type outbound struct {
	json   any
	binary []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleLive bridges a session to a WebSocket. Binary frames from the client are audio chunks
// of the open recording; text frames are commands. The server sends session events as JSON
// and synthesized speech as a speech header frame followed by one binary frame.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(liveMaxFrame)

	log := s.logger.With("session_id", sess.ID(), "request_id", RequestIDFrom(r.Context()))
	log.Info("live channel opened")

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replies := make(chan outbound, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		s.liveWriter(ctx, conn, events, replies)
		// unblocks the reader when the session ends first
		_ = conn.Close()
	}()

	reply := func(o outbound) {
		select {
		case replies <- o:
		case <-ctx.Done():
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
		switch mt {
		case websocket.BinaryMessage:
			if err := sess.PushAudio(data); err != nil {
				reply(errorFrame("audio", err))
			}
		case websocket.TextMessage:
			var cmd liveCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				reply(outbound{json: liveFrame{Type: "error", Error: &errorBody{Type: "invalid_request", Message: "invalid command frame"}}})
				continue
			}
			s.dispatch(ctx, sess, cmd, reply)
		}
	}

	cancel()
	<-writerDone
	log.Info("live channel closed")
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, cmd liveCommand, reply func(outbound)) {
	ack := func(err error) {
		if err != nil {
			reply(errorFrame(cmd.Type, err))
			return
		}
		reply(outbound{json: liveFrame{Type: "ack", Command: cmd.Type}})
	}
	switch cmd.Type {
	case cmdStartCapture:
		if cmd.MIMEType != "" {
			sess.SetAudioMIMEType(cmd.MIMEType)
		}
		ack(sess.StartCapture(ctx))
	case cmdStopCapture:
		ack(sess.StopCapture(ctx))
	case cmdPermissionDenied:
		sess.DenyMicrophone()
		// surfaces the permission notice on the event stream
		_ = sess.StartCapture(ctx)
		ack(nil)
	case cmdMessage:
		// the reply turn arrives as an event
		go func() {
			if _, err := sess.SendText(ctx, cmd.Text); err != nil && !errors.Is(err, context.Canceled) {
				reply(errorFrame(cmd.Type, err))
			}
		}()
	case cmdRetry:
		_, err := sess.Retry(ctx)
		ack(err)
	case cmdEnd:
		go func() {
			ack(sess.End(context.WithoutCancel(ctx), session.ReasonUser))
		}()
	default:
		reply(outbound{json: liveFrame{Type: "error", Command: cmd.Type, Error: &errorBody{Type: "invalid_request", Message: "unknown command"}}})
	}
}

func errorFrame(command string, err error) outbound {
	_, typ := statusFor(err)
	return outbound{json: liveFrame{Type: "error", Command: command, Error: &errorBody{Type: typ, Message: err.Error()}}}
}

// liveWriter owns all writes to conn. It returns when the session's event stream closes or
// ctx is cancelled.
func (s *Server) liveWriter(ctx context.Context, conn *websocket.Conn, events <-chan session.Event, replies <-chan outbound) {
	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	write := func(o outbound) error {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if o.binary != nil {
			return conn.WriteMessage(websocket.BinaryMessage, o.binary)
		}
		return conn.WriteJSON(o.json)
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(liveWriteTimeout))
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), time.Now().Add(liveWriteTimeout))
				return
			}
			if ev.Audio != nil {
				hdr := liveFrame{Type: string(session.EventSpeech), Text: ev.Audio.Text, MIMEType: ev.Audio.MIMEType, Bytes: len(ev.Audio.Data)}
				if write(outbound{json: hdr}) != nil || write(outbound{binary: ev.Audio.Data}) != nil {
					return
				}
				continue
			}
			if write(outbound{json: ev}) != nil {
				return
			}
		case o := <-replies:
			if write(o) != nil {
				return
			}
		case <-ping.C:
			if conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)) != nil {
				return
			}
		}
	}
}
