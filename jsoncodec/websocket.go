// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package jsoncodec

import (
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/refconn/refconn"
)

// NewWebsocket returns a codec over a websocket connection. Websockets
// are already message oriented, so each JSON message rides one
// websocket text message with no extra framing.
func NewWebsocket(conn *websocket.Conn) *Codec {
	return New(&wsFrameConn{conn: conn})
}

type wsFrameConn struct {
	conn *websocket.Conn
}

func (ws *wsFrameConn) Receive() ([]byte, error) {
	_, data, err := ws.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived) {
			return nil, refconn.ErrConnectionClosed
		}
		return nil, errors.Trace(err)
	}
	return data, nil
}

func (ws *wsFrameConn) Send(data []byte) error {
	return errors.Trace(ws.conn.WriteMessage(websocket.TextMessage, data))
}

func (ws *wsFrameConn) Close() error {
	return ws.conn.Close()
}
