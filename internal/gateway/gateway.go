// Package gateway serves the client-facing WebSocket endpoint. Each
// connection maps to exactly one session: binary frames carry PCM16 audio in
// both directions, text frames carry JSON control messages in and JSON
// events out.
//
// The handler owns the connection pumps only. Session semantics — turn
// fusion, barge-in, reconnects — live in the session drivers; the gateway
// translates between the wire protocol and the driver's control surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aurelay/aurelay/internal/config"
	"github.com/aurelay/aurelay/internal/emotion"
	"github.com/aurelay/aurelay/internal/resilience"
	"github.com/aurelay/aurelay/internal/session"
	"github.com/aurelay/aurelay/pkg/audio"
)

// configWait bounds how long the handler waits for the client's first
// message before opening a session in the default mode.
const configWait = 5 * time.Second

// terminateTimeout bounds session teardown when a connection drops.
const terminateTimeout = 10 * time.Second

// Session is the control surface the gateway needs from a session driver.
// Both the voice and the duplex driver satisfy it.
type Session interface {
	SendAudio(data []byte) error
	SendText(text string) error
	Commit() error
	CancelReply() error
	Events() <-chan session.Event
	Audio() <-chan audio.AudioFrame
	Terminate(ctx context.Context) error
}

// DuplexSession extends [Session] with the controls only a realtime bridge
// supports.
type DuplexSession interface {
	Session
	ClearInput() error
	CreateReply() error
	UpdateInstructions(instructions string) error
	SendFunctionResult(callID, result string) error
}

// EmotionSession is satisfied by drivers that can recolor synthesis
// mid-session (the voice driver).
type EmotionSession interface {
	SetEmotion(cfg *emotion.Config) error
}

// Opener creates and tracks sessions. Implemented by the app's session
// manager; the returned session must already be started.
type Opener interface {
	OpenSession(ctx context.Context, mode config.Mode) (id string, sess Session, err error)
	CloseSession(id string)
}

// HandlerConfig configures a [Handler].
type HandlerConfig struct {
	// Opener creates sessions for incoming connections. Required.
	Opener Opener

	// DefaultMode is used when the client's config message omits the mode
	// or never arrives. Defaults to voice.
	DefaultMode config.Mode

	// Limiter rejects oversized control messages at decode, before they
	// reach a provider. Required.
	Limiter *resilience.Limiter

	// OriginPatterns allows cross-origin browser clients. Empty means
	// same-origin only.
	OriginPatterns []string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler upgrades /v1/session requests and runs the connection pumps.
type Handler struct {
	opener      Opener
	defaultMode config.Mode
	limiter     *resilience.Limiter
	origins     []string
	logger      *slog.Logger
}

// New creates a gateway handler.
func New(cfg HandlerConfig) (*Handler, error) {
	if cfg.Opener == nil {
		return nil, errors.New("gateway: Opener is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("gateway: Limiter is required")
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = config.ModeVoice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		opener:      cfg.Opener,
		defaultMode: cfg.DefaultMode,
		limiter:     cfg.Limiter,
		origins:     cfg.OriginPatterns,
		logger:      cfg.Logger,
	}, nil
}

// Register adds the /v1/session route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/session", h.ServeHTTP)
}

// ServeHTTP upgrades the connection and serves it until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(h.readLimit())

	if err := h.serve(r.Context(), conn); err != nil {
		h.logger.Info("connection closed", "err", err)
		conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

// readLimit sizes the per-message read cap from the configured request caps,
// with headroom for JSON framing. Audio frames stay well under it.
func (h *Handler) readLimit() int64 {
	caps := h.limiter.Caps()
	limit := caps.MaxTextBytes
	if caps.MaxInstructionBytes > limit {
		limit = caps.MaxInstructionBytes
	}
	if caps.MaxFunctionResultBytes > limit {
		limit = caps.MaxFunctionResultBytes
	}
	return int64(limit) + 4096
}

// serve opens the session and runs the read and write pumps until one side
// finishes.
func (h *Handler) serve(ctx context.Context, conn *websocket.Conn) error {
	// The first message may be a config selecting the session mode. Anything
	// else (or silence) opens the default mode and is then handled normally.
	mode := h.defaultMode
	var pending *wsMessage

	firstCtx, cancel := context.WithTimeout(ctx, configWait)
	typ, data, err := conn.Read(firstCtx)
	cancel()
	switch {
	case err == nil:
		if typ == websocket.MessageText {
			var msg clientMessage
			if jerr := json.Unmarshal(data, &msg); jerr == nil && msg.Type == msgConfig {
				if msg.Mode != "" {
					m := config.Mode(msg.Mode)
					if !m.IsValid() {
						return fmt.Errorf("gateway: unknown session mode %q", msg.Mode)
					}
					mode = m
				}
			} else {
				pending = &wsMessage{typ: typ, data: data}
			}
		} else {
			pending = &wsMessage{typ: typ, data: data}
		}
	case errors.Is(err, context.DeadlineExceeded):
		// No config within the grace period; proceed with the default mode.
	default:
		return fmt.Errorf("gateway: read initial message: %w", err)
	}

	id, sess, err := h.opener.OpenSession(ctx, mode)
	if err != nil {
		return fmt.Errorf("gateway: open session: %w", err)
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), terminateTimeout)
		defer tcancel()
		if terr := sess.Terminate(tctx); terr != nil {
			h.logger.Warn("session terminate failed", "session_id", id, "err", terr)
		}
		h.opener.CloseSession(id)
	}()

	log := h.logger.With("session_id", id, "mode", string(mode))
	log.Info("session opened")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.readPump(gctx, conn, sess, id, pending, log)
	})
	g.Go(func() error {
		return h.writePump(gctx, conn, sess, id)
	})

	err = g.Wait()
	if errors.Is(err, errSessionDone) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

// errSessionDone signals that the session's event channel closed: the
// session ended on its own and the pumps should wind down cleanly.
var errSessionDone = errors.New("session finished")

// wsMessage holds one raw websocket message.
type wsMessage struct {
	typ  websocket.MessageType
	data []byte
}

// readPump forwards client messages into the session until the connection
// closes.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, sess Session, id string, pending *wsMessage, log *slog.Logger) error {
	if pending != nil {
		if err := h.dispatch(ctx, conn, sess, id, pending.typ, pending.data, log); err != nil {
			return err
		}
	}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := h.dispatch(ctx, conn, sess, id, typ, data, log); err != nil {
			return err
		}
	}
}

// dispatch routes one client message to the matching session control.
// Per-message failures (bad JSON, oversized text, controls the mode does not
// support) are reported back as error events without dropping the
// connection; only transport and session-fatal errors propagate.
func (h *Handler) dispatch(ctx context.Context, conn *websocket.Conn, sess Session, id string, typ websocket.MessageType, data []byte, log *slog.Logger) error {
	if typ == websocket.MessageBinary {
		if err := sess.SendAudio(data); err != nil {
			return fmt.Errorf("gateway: forward audio: %w", err)
		}
		return nil
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return h.sendError(ctx, conn, id, fmt.Sprintf("malformed control message: %v", err))
	}

	var err error
	switch msg.Type {
	case msgConfig:
		return h.sendError(ctx, conn, id, "config is only valid as the first message")

	case msgText:
		if cerr := h.limiter.CheckText("gateway", msg.Text); cerr != nil {
			return h.sendError(ctx, conn, id, cerr.Error())
		}
		err = sess.SendText(msg.Text)

	case msgCreateResponse:
		if d, ok := sess.(DuplexSession); ok {
			err = d.CreateReply()
		} else {
			// Voice mode: force the turn closed; the reply follows from the
			// committed buffer.
			err = sess.Commit()
		}

	case msgCancelResponse:
		err = sess.CancelReply()

	case msgCommitAudio:
		err = sess.Commit()

	case msgClearAudio:
		d, ok := sess.(DuplexSession)
		if !ok {
			return h.sendError(ctx, conn, id, "clear_audio requires a duplex session")
		}
		err = d.ClearInput()

	case msgFunctionResult:
		d, ok := sess.(DuplexSession)
		if !ok {
			return h.sendError(ctx, conn, id, "function_result requires a duplex session")
		}
		if cerr := h.limiter.CheckFunctionResult("gateway", msg.Result); cerr != nil {
			return h.sendError(ctx, conn, id, cerr.Error())
		}
		err = d.SendFunctionResult(msg.CallID, string(msg.Result))

	case msgUpdateSession:
		return h.updateSession(ctx, conn, sess, id, msg)

	default:
		return h.sendError(ctx, conn, id, fmt.Sprintf("unknown message type %q", msg.Type))
	}

	if err != nil {
		return fmt.Errorf("gateway: %s: %w", msg.Type, err)
	}
	return nil
}

// updateSession applies the mid-session changes an update_session message
// carries: instructions for duplex bridges, emotion for voice sessions.
func (h *Handler) updateSession(ctx context.Context, conn *websocket.Conn, sess Session, id string, msg clientMessage) error {
	if msg.Instructions != "" {
		d, ok := sess.(DuplexSession)
		if !ok {
			return h.sendError(ctx, conn, id, "instructions require a duplex session")
		}
		if cerr := h.limiter.CheckInstructions("gateway", msg.Instructions); cerr != nil {
			return h.sendError(ctx, conn, id, cerr.Error())
		}
		if err := d.UpdateInstructions(msg.Instructions); err != nil {
			return fmt.Errorf("gateway: update instructions: %w", err)
		}
	}

	if msg.Emotion != nil {
		e, ok := sess.(EmotionSession)
		if !ok {
			return h.sendError(ctx, conn, id, "emotion requires a voice session")
		}
		label, ok := emotion.ParseEmotion(msg.Emotion.Emotion)
		if !ok {
			return h.sendError(ctx, conn, id, fmt.Sprintf("unknown emotion %q", msg.Emotion.Emotion))
		}
		cfg := &emotion.Config{
			Emotion:           label,
			Intensity:         msg.Emotion.Intensity,
			DeliveryStyle:     msg.Emotion.DeliveryStyle,
			CustomDescription: msg.Emotion.CustomDescription,
		}
		if err := e.SetEmotion(cfg); err != nil {
			return fmt.Errorf("gateway: set emotion: %w", err)
		}
	}
	return nil
}

// writePump forwards session events and synthesized audio to the client.
// It returns errSessionDone when the session's event channel closes.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, sess Session, id string) error {
	events := sess.Events()
	frames := sess.Audio()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return errSessionDone
			}
			if err := h.writeEvent(ctx, conn, id, ev); err != nil {
				return err
			}

		case frame, ok := <-frames:
			if !ok {
				// Audio stream ended; events decide when the session is done.
				frames = nil
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, frame.Data); err != nil {
				return err
			}
		}
	}
}

// writeEvent encodes one session event as a JSON text frame.
func (h *Handler) writeEvent(ctx context.Context, conn *websocket.Conn, id string, ev session.Event) error {
	out := serverMessage{Type: ev.Type.String()}

	switch ev.Type {
	case session.EventSessionCreated:
		out.SessionID = id
	case session.EventTranscript:
		out.Text = ev.Transcript.Text
		out.Final = ev.Transcript.IsFinal
		out.TurnID = ev.Transcript.TurnID
		out.Role = string(ev.Role)
	case session.EventSpeech:
		out.Speech = string(ev.Speech)
	case session.EventFunctionCall:
		out.CallID = ev.Call.CallID
		out.Name = ev.Call.Name
		out.Arguments = ev.Call.Arguments
	case session.EventResponseStarted, session.EventResponseDone:
		out.ResponseID = ev.ResponseID
		out.Interrupted = ev.Interrupted
	case session.EventError:
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("gateway: encode event: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// sendError reports a per-message failure to the client without dropping
// the connection.
func (h *Handler) sendError(ctx context.Context, conn *websocket.Conn, id string, text string) error {
	h.logger.Debug("rejected client message", "session_id", id, "reason", text)
	data, err := json.Marshal(serverMessage{Type: "error", Error: text})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
