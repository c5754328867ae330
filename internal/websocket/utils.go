package websocket

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

const (
	writeWait = 10 * time.Second
	readWait  = 2 * time.Minute
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// WriteClose sends a normal closure frame.
func WriteClose(conn *websocket.Conn, reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// ReadMessage reads one raw message. It sets a read deadline.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	return data, err
}

// EventFromNotice converts a session notice into its wire event.
func EventFromNotice(n proctor.Notice) interface{} {
	switch n.Kind {
	case proctor.NoticeViolation:
		resp := ViolationResponse{Event: EventViolation, Session: n.View}
		if n.Event != nil {
			resp.Violation = *n.Event
		}
		return resp
	case proctor.NoticeTick:
		return TickResponse{Event: EventTick, Remaining: n.View.DurationRemaining}
	case proctor.NoticeBlocked:
		return SessionResponse{Event: EventBlocked, Session: n.View}
	case proctor.NoticeFinished:
		return SessionResponse{Event: EventFinished, Session: n.View}
	default:
		return SessionResponse{Event: EventStarted, Session: n.View}
	}
}

// ToSample converts a sample request into the frame and spectrum fed to the
// stream source. Spectrum bins are clamped to a byte.
func ToSample(req SampleRequest, now time.Time) (model.Frame, model.Spectrum) {
	captured := now
	if req.CapturedAt > 0 {
		captured = time.UnixMilli(req.CapturedAt)
	}

	spectrum := make(model.Spectrum, len(req.Spectrum))
	for i, v := range req.Spectrum {
		switch {
		case v < 0:
			v = 0
		case v > 255:
			v = 255
		}
		spectrum[i] = byte(v)
	}

	return model.Frame{
		Seq:        req.Seq,
		CapturedAt: captured,
		Image:      req.Image,
		Detections: model.Detections{
			Faces:   req.Faces,
			Objects: req.Objects,
		},
	}, spectrum
}
