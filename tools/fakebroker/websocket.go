package main

import (
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// websocketListener serves the same protocol over websocket. Each upgraded
// connection is adapted to net.Conn so the handler loop is shared with the
// TCP listener.
type websocketListener struct {
	server *http.Server
	addr   string
}

func startWebsocketListener(addr string, core *brokerCore) (*websocketListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(response http.ResponseWriter, request *http.Request) {
		upgraded, err := upgrader.Upgrade(response, request, nil)
		if err != nil {
			log.Printf("fakebroker: websocket upgrade: %v", err)
			return
		}
		core.handleConnection(&websocketServerConn{ws: upgraded})
	})

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("fakebroker: websocket serve: %v", err)
		}
	}()
	return &websocketListener{server: server, addr: listener.Addr().String()}, nil
}

func (listener *websocketListener) close() {
	_ = listener.server.Close()
}

// websocketServerConn presents one upgraded websocket connection as a
// net.Conn byte stream: inbound messages are concatenated, outbound writes
// become binary messages.
type websocketServerConn struct {
	ws      *websocket.Conn
	current io.Reader
}

func (conn *websocketServerConn) Read(buffer []byte) (int, error) {
	for {
		if conn.current == nil {
			_, reader, err := conn.ws.NextReader()
			if err != nil {
				return 0, err
			}
			conn.current = reader
		}
		count, err := conn.current.Read(buffer)
		if err == io.EOF {
			conn.current = nil
			if count == 0 {
				continue
			}
			err = nil
		}
		return count, err
	}
}

func (conn *websocketServerConn) Write(data []byte) (int, error) {
	if err := conn.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (conn *websocketServerConn) Close() error         { return conn.ws.Close() }
func (conn *websocketServerConn) LocalAddr() net.Addr  { return conn.ws.LocalAddr() }
func (conn *websocketServerConn) RemoteAddr() net.Addr { return conn.ws.RemoteAddr() }

func (conn *websocketServerConn) SetReadDeadline(deadline time.Time) error {
	return conn.ws.SetReadDeadline(deadline)
}

func (conn *websocketServerConn) SetWriteDeadline(deadline time.Time) error {
	return conn.ws.SetWriteDeadline(deadline)
}

func (conn *websocketServerConn) SetDeadline(deadline time.Time) error {
	if err := conn.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	return conn.ws.SetWriteDeadline(deadline)
}
