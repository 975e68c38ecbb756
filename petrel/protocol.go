package petrel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
)

// ClientVersion is reported to the broker in the CONNECT frame.
const ClientVersion = "0.1.0"

const (
	opUnknown frameOp = iota
	opInfo
	opMsg
	opPing
	opPong
	opOK
	opErr
)

type frameOp int

type serverInfo struct {
	ServerID   string `json:"server_id"`
	Version    string `json:"version"`
	MaxPayload int    `json:"max_payload"`
}

type connectOptions struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`
	Verbose  bool   `json:"verbose"`
	Version  string `json:"version"`
}

// frame is one parsed broker-to-client protocol unit.
type frame struct {
	op      frameOp
	subject string
	sid     uint64
	payload []byte
	errText string
	info    serverInfo
}

var (
	pingFrame = []byte("PING\r\n")
	pongFrame = []byte("PONG\r\n")
	crlf      = []byte("\r\n")
)

func pubFrame(subject string, payload []byte) []byte {
	buffer := bytes.NewBuffer(make([]byte, 0, len(subject)+len(payload)+16))
	buffer.WriteString("PUB ")
	buffer.WriteString(subject)
	buffer.WriteByte(' ')
	buffer.WriteString(strconv.Itoa(len(payload)))
	buffer.Write(crlf)
	buffer.Write(payload)
	buffer.Write(crlf)
	return buffer.Bytes()
}

func subFrame(subject string, queue string, sid uint64) []byte {
	buffer := bytes.NewBuffer(make([]byte, 0, len(subject)+len(queue)+16))
	buffer.WriteString("SUB ")
	buffer.WriteString(subject)
	buffer.WriteByte(' ')
	if queue != "" {
		buffer.WriteString(queue)
		buffer.WriteByte(' ')
	}
	buffer.WriteString(strconv.FormatUint(sid, 10))
	buffer.Write(crlf)
	return buffer.Bytes()
}

func unsubFrame(sid uint64, max int) []byte {
	buffer := bytes.NewBuffer(make([]byte, 0, 24))
	buffer.WriteString("UNSUB ")
	buffer.WriteString(strconv.FormatUint(sid, 10))
	if max > 0 {
		buffer.WriteByte(' ')
		buffer.WriteString(strconv.Itoa(max))
	}
	buffer.Write(crlf)
	return buffer.Bytes()
}

func connectFrame(options connectOptions) ([]byte, error) {
	encoded, err := json.Marshal(options)
	if err != nil {
		return nil, NewError(ProtocolError, err)
	}
	buffer := bytes.NewBuffer(make([]byte, 0, len(encoded)+12))
	buffer.WriteString("CONNECT ")
	buffer.Write(encoded)
	buffer.Write(crlf)
	return buffer.Bytes(), nil
}

// readFrame parses one broker frame from the reader. Payload-bearing frames
// allocate a fresh payload slice so callers may retain it.
func readFrame(reader *bufio.Reader) (*frame, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")

	op, rest := splitToken(line)
	switch op {
	case "PING":
		return &frame{op: opPing}, nil

	case "PONG":
		return &frame{op: opPong}, nil

	case "+OK":
		return &frame{op: opOK}, nil

	case "-ERR":
		return &frame{op: opErr, errText: strings.TrimSpace(rest)}, nil

	case "INFO":
		parsed := &frame{op: opInfo}
		if err := json.Unmarshal([]byte(rest), &parsed.info); err != nil {
			return nil, NewError(ProtocolError, "malformed INFO frame")
		}
		return parsed, nil

	case "MSG":
		subject, rest := splitToken(rest)
		sidToken, sizeToken := splitToken(rest)
		if subject == "" || sidToken == "" || sizeToken == "" {
			return nil, NewError(ProtocolError, "malformed MSG frame")
		}
		sid, err := strconv.ParseUint(sidToken, 10, 64)
		if err != nil {
			return nil, NewError(ProtocolError, "malformed MSG sid")
		}
		size, err := strconv.Atoi(sizeToken)
		if err != nil || size < 0 {
			return nil, NewError(ProtocolError, "malformed MSG size")
		}
		payload := make([]byte, size+2)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, err
		}
		if !bytes.HasSuffix(payload, crlf) {
			return nil, NewError(ProtocolError, "MSG payload not terminated")
		}
		return &frame{op: opMsg, subject: subject, sid: sid, payload: payload[:size]}, nil
	}

	return nil, NewError(ProtocolError, "unknown frame: "+op)
}

func splitToken(line string) (string, string) {
	line = strings.TrimLeft(line, " ")
	if index := strings.IndexByte(line, ' '); index >= 0 {
		return line[:index], strings.TrimLeft(line[index+1:], " ")
	}
	return line, ""
}
