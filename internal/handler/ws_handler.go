package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"golang.org/x/time/rate"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// StreamConfig tunes the client stream.
type StreamConfig struct {
	AllowedOrigins []string
	// SourceTimeout is how long the stream may stay silent before the
	// capture source counts as lost.
	SourceTimeout time.Duration
	// SampleInterval caps the accepted sample rate; faster samples are dropped.
	SampleInterval time.Duration
	MaxMessageSize int64
}

// WSHandler handles the proctoring client stream.
type WSHandler struct {
	sessions SessionManager
	cfg      StreamConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions SessionManager, cfg StreamConfig, log zerolog.Logger) *WSHandler {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 16 * time.Millisecond
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 << 20
	}
	return &WSHandler{
		sessions: sessions,
		cfg:      cfg,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(cfg.AllowedOrigins),
	}
}

// ProctorStream godoc
// WS /ws/v1/proctor/sessions/:session_id/stream
// Upgrades to WebSocket and feeds detection samples into the session.
func (h *WSHandler) ProctorStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	userID := claims.UserID
	wsLog := h.log.With().
		Int("user_id", userID).
		Str("session_id", sessionID.String()).
		Logger()

	client := newStreamClient(conn, wsLog)
	defer client.Close()

	source := proctor.NewStreamSource(h.cfg.SourceTimeout, nil)
	sess, detach, err := h.sessions.Attach(c.Request.Context(), userID, sessionID, source, source, client)
	if err != nil {
		wsLog.Warn().Err(err).Msg("Attach rejected")
		ws.WriteError(conn, attachError(err))
		ws.WriteClose(conn, "not running")
		return
	}
	defer detach()

	wsLog.Info().Msg("Client connected")
	client.Send(ws.SimpleResponse{Event: ws.EventFullscreen})

	// dispatchMu orders terminal shutdown after any in-flight action reply.
	var dispatchMu sync.Mutex
	go func() {
		select {
		case <-sess.Done():
			// The terminal notice is queued by the goroutine that ended the session.
			select {
			case <-client.ended:
			case <-time.After(time.Second):
			}
			dispatchMu.Lock()
			client.Finish(string(sess.State()))
			dispatchMu.Unlock()
		case <-client.closed:
		}
	}()

	limiter := rate.NewLimiter(rate.Every(h.cfg.SampleInterval), 4)
	ctx := context.Background()

	for {
		data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			client.Send(ws.ErrorResponse{Event: ws.EventError, Error: "invalid message"})
			continue
		}

		if env.Action == ws.ActionSample {
			if !limiter.Allow() {
				continue
			}
			var req ws.SampleRequest
			if err := json.Unmarshal(data, &req); err != nil {
				client.Send(ws.ErrorResponse{Event: ws.EventError, Error: "invalid sample"})
				continue
			}
			frame, spectrum := ws.ToSample(req, time.Now())
			if !source.Push(frame, spectrum) {
				wsLog.Debug().Uint64("seq", frame.Seq).Msg("Resent sample dropped")
			}
			continue
		}

		dispatchMu.Lock()
		h.dispatch(ctx, wsLog, client, source, userID, sessionID, env.Action, data)
		dispatchMu.Unlock()
	}

	wsLog.Info().Msg("Client disconnected")
}

func (h *WSHandler) dispatch(ctx context.Context, wsLog zerolog.Logger, client *streamClient, source *proctor.StreamSource, userID int, sessionID uuid.UUID, action ws.Action, data []byte) {
	switch action {
	case ws.ActionPing:
		client.Send(ws.SimpleResponse{Event: ws.EventPong})

	case ws.ActionSourceLost:
		wsLog.Warn().Msg("Client reported capture source lost")
		source.MarkLost()

	case ws.ActionWindowEvent:
		var req ws.WindowEventRequest
		if err := json.Unmarshal(data, &req); err != nil || !req.Type.Valid() {
			client.Send(ws.ErrorResponse{Event: ws.EventError, Error: "invalid window event"})
			return
		}
		if _, err := h.sessions.WindowEvent(ctx, userID, sessionID, req.Type); err != nil {
			client.Send(ws.ErrorResponse{Event: ws.EventError, Error: err.Error()})
		}

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if err := json.Unmarshal(data, &req); err != nil || req.QuestionID == "" || req.Choice == nil || *req.Choice < 0 {
			client.Send(ws.ErrorResponse{Event: ws.EventError, Error: "question_id and choice are required"})
			return
		}
		if _, err := h.sessions.Answer(ctx, userID, sessionID, req.QuestionID, *req.Choice); err != nil {
			client.Send(ws.ErrorResponse{Event: ws.EventError, Error: err.Error()})
			return
		}
		client.Send(ws.SavedResponse{Event: ws.EventSaved, QuestionID: req.QuestionID})

	case ws.ActionSubmit:
		answers, err := h.sessions.Submit(ctx, userID, sessionID)
		if err != nil {
			client.Send(ws.ErrorResponse{Event: ws.EventError, Error: err.Error()})
			return
		}
		wsLog.Info().Int("answered", len(answers)).Msg("Exam submitted")
		client.Send(ws.SubmittedResponse{Event: ws.EventSubmitted, Answers: answers})

	default:
		wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
		client.Send(ws.ErrorResponse{Event: ws.EventError, Error: "unknown action: " + string(action)})
	}
}

func attachError(err error) string {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, service.ErrSessionForbidden):
		return "forbidden"
	case errors.Is(err, proctor.ErrNotRunning):
		return "session is not running"
	default:
		return "attach failed"
	}
}

// streamClient serializes writes to one connection through a single writer
// goroutine. It implements proctor.Notifier.
type streamClient struct {
	conn *websocket.Conn
	log  zerolog.Logger
	send chan interface{}

	mu      sync.Mutex
	closing bool
	closed  chan struct{}
	once    sync.Once

	ended   chan struct{}
	endOnce sync.Once
}

// closeFrame tells the writer to send a close frame and stop.
type closeFrame struct{ reason string }

func newStreamClient(conn *websocket.Conn, log zerolog.Logger) *streamClient {
	c := &streamClient{
		conn:   conn,
		log:    log,
		send:   make(chan interface{}, 64),
		closed: make(chan struct{}),
		ended:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *streamClient) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if cf, ok := msg.(closeFrame); ok {
				ws.WriteClose(c.conn, cf.reason)
				c.conn.Close()
				c.Close()
				return
			}
			if err := ws.WriteTyped(c.conn, msg); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.conn.Close()
				c.Close()
				return
			}
		}
	}
}

// Notify implements proctor.Notifier.
func (c *streamClient) Notify(n proctor.Notice) {
	c.Send(ws.EventFromNotice(n))
	if n.Kind == proctor.NoticeBlocked || n.Kind == proctor.NoticeFinished {
		c.endOnce.Do(func() { close(c.ended) })
	}
}

// Send queues msg without blocking. Messages are dropped once the client is
// finishing or the buffer is full.
func (c *streamClient) Send(msg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("Client send buffer full, dropping message")
	}
}

// Finish flushes queued messages and then closes the connection.
func (c *streamClient) Finish(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.closing = true
	select {
	case c.send <- closeFrame{reason: reason}:
	default:
		c.conn.Close()
	}
}

// Close stops the writer.
func (c *streamClient) Close() {
	c.once.Do(func() { close(c.closed) })
}

var _ proctor.Notifier = (*streamClient)(nil)
