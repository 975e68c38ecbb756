package petrel

import (
	"bufio"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPort is used when the endpoint omits an explicit port.
const DefaultPort = "4872"

// transport frames the wire for one connection epoch. Implementations are not
// required to be safe for concurrent Send; the connection serializes sends
// under its own lock. Recv runs concurrently with Send from the read routine.
type transport interface {
	Send(frame []byte) error
	Recv() (*frame, error)
	SetDeadline(deadline time.Time) error
	Close() error
}

// openTransport dials the configured endpoint. petrel:// (or a bare
// host:port) dials TCP; petrel+ws:// and petrel+wss:// dial websocket.
func openTransport(endpoint string, timeout time.Duration) (transport, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, NewError(ConfigurationError, err)
	}

	switch parsed.Scheme {
	case "petrel", "tcp", "":
		host := parsed.Host
		if host == "" {
			host = parsed.Path
		}
		if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
			host = net.JoinHostPort(host, DefaultPort)
		}
		connection, err := net.DialTimeout("tcp", host, timeout)
		if err != nil {
			return nil, NewError(ConnectionRefusedError, err)
		}
		return &tcpTransport{connection: connection, reader: bufio.NewReader(connection)}, nil

	case "petrel+ws", "ws":
		return dialWebsocket("ws", parsed, timeout)

	case "petrel+wss", "wss":
		return dialWebsocket("wss", parsed, timeout)
	}

	return nil, NewError(ConfigurationError, "unsupported endpoint scheme: "+parsed.Scheme)
}

type tcpTransport struct {
	connection net.Conn
	reader     *bufio.Reader
}

func (t *tcpTransport) Send(frame []byte) error {
	if _, err := t.connection.Write(frame); err != nil {
		return NewError(IOError, err)
	}
	return nil
}

func (t *tcpTransport) Recv() (*frame, error) {
	parsed, err := readFrame(t.reader)
	if err != nil {
		if _, isClientError := err.(*Error); isClientError {
			return nil, err
		}
		return nil, NewError(IOError, err)
	}
	return parsed, nil
}

func (t *tcpTransport) SetDeadline(deadline time.Time) error {
	return t.connection.SetDeadline(deadline)
}

func (t *tcpTransport) Close() error {
	return t.connection.Close()
}

func dialWebsocket(scheme string, parsed *url.URL, timeout time.Duration) (transport, error) {
	target := *parsed
	target.Scheme = scheme
	if target.Path == "" {
		target.Path = "/"
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	connection, _, err := dialer.Dial(target.String(), nil)
	if err != nil {
		return nil, NewError(ConnectionRefusedError, err)
	}
	return &wsTransport{
		connection: connection,
		reader:     bufio.NewReader(&wsMessageReader{connection: connection}),
	}, nil
}

type wsTransport struct {
	connection *websocket.Conn
	reader     *bufio.Reader
}

func (t *wsTransport) Send(frame []byte) error {
	if err := t.connection.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return NewError(IOError, err)
	}
	return nil
}

func (t *wsTransport) Recv() (*frame, error) {
	parsed, err := readFrame(t.reader)
	if err != nil {
		if _, isClientError := err.(*Error); isClientError {
			return nil, err
		}
		return nil, NewError(IOError, err)
	}
	return parsed, nil
}

func (t *wsTransport) SetDeadline(deadline time.Time) error {
	if err := t.connection.SetReadDeadline(deadline); err != nil {
		return err
	}
	return t.connection.SetWriteDeadline(deadline)
}

func (t *wsTransport) Close() error {
	return t.connection.Close()
}

// wsMessageReader presents a websocket message stream as one contiguous byte
// stream so frame parsing is shared with the TCP transport.
type wsMessageReader struct {
	connection *websocket.Conn
	current    io.Reader
}

func (r *wsMessageReader) Read(buffer []byte) (int, error) {
	for {
		if r.current == nil {
			_, reader, err := r.connection.NextReader()
			if err != nil {
				return 0, err
			}
			r.current = reader
		}
		count, err := r.current.Read(buffer)
		if err == io.EOF {
			r.current = nil
			if count == 0 {
				continue
			}
			err = nil
		}
		return count, err
	}
}
