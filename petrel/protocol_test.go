package petrel

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func parseOne(t *testing.T, wire string) *frame {
	t.Helper()
	parsed, err := readFrame(bufio.NewReader(strings.NewReader(wire)))
	if err != nil {
		t.Fatalf("unexpected parse error for %q: %v", wire, err)
	}
	return parsed
}

func TestReadFrameControlOps(t *testing.T) {
	if parsed := parseOne(t, "PING\r\n"); parsed.op != opPing {
		t.Fatalf("expected PING, got op %d", parsed.op)
	}
	if parsed := parseOne(t, "PONG\r\n"); parsed.op != opPong {
		t.Fatalf("expected PONG, got op %d", parsed.op)
	}
	if parsed := parseOne(t, "+OK\r\n"); parsed.op != opOK {
		t.Fatalf("expected +OK, got op %d", parsed.op)
	}

	parsed := parseOne(t, "-ERR unknown subject\r\n")
	if parsed.op != opErr || parsed.errText != "unknown subject" {
		t.Fatalf("unexpected -ERR parse: %+v", parsed)
	}
}

func TestReadFrameInfo(t *testing.T) {
	parsed := parseOne(t, `INFO {"server_id":"b1","version":"1.2.3","max_payload":1024}`+"\r\n")
	if parsed.op != opInfo {
		t.Fatalf("expected INFO, got op %d", parsed.op)
	}
	if parsed.info.ServerID != "b1" || parsed.info.Version != "1.2.3" || parsed.info.MaxPayload != 1024 {
		t.Fatalf("unexpected INFO fields: %+v", parsed.info)
	}
}

func TestReadFrameMsg(t *testing.T) {
	parsed := parseOne(t, "MSG orders 7 5\r\nhello\r\n")
	if parsed.op != opMsg {
		t.Fatalf("expected MSG, got op %d", parsed.op)
	}
	if parsed.subject != "orders" || parsed.sid != 7 || string(parsed.payload) != "hello" {
		t.Fatalf("unexpected MSG parse: %+v", parsed)
	}
}

func TestReadFrameMsgEmptyPayload(t *testing.T) {
	parsed := parseOne(t, "MSG orders 1 0\r\n\r\n")
	if len(parsed.payload) != 0 {
		t.Fatalf("expected empty payload, got %q", parsed.payload)
	}
}

func TestReadFrameMalformed(t *testing.T) {
	malformed := []string{
		"MSG orders 7\r\n",
		"MSG orders x 5\r\nhello\r\n",
		"MSG orders 7 -1\r\n",
		"BOGUS\r\n",
		"MSG orders 7 5\r\nhellox\r\n",
	}
	for _, wire := range malformed {
		if _, err := readFrame(bufio.NewReader(strings.NewReader(wire))); err == nil {
			t.Fatalf("expected parse error for %q", wire)
		}
	}
}

func TestPubFrameFormat(t *testing.T) {
	serialized := pubFrame("orders", []byte("hello"))
	if string(serialized) != "PUB orders 5\r\nhello\r\n" {
		t.Fatalf("unexpected PUB frame: %q", serialized)
	}
}

func TestSubFrameFormat(t *testing.T) {
	if serialized := subFrame("orders", "", 3); string(serialized) != "SUB orders 3\r\n" {
		t.Fatalf("unexpected SUB frame: %q", serialized)
	}
	if serialized := subFrame("orders", "workers", 4); string(serialized) != "SUB orders workers 4\r\n" {
		t.Fatalf("unexpected queue SUB frame: %q", serialized)
	}
}

func TestUnsubFrameFormat(t *testing.T) {
	if serialized := unsubFrame(9, 0); string(serialized) != "UNSUB 9\r\n" {
		t.Fatalf("unexpected UNSUB frame: %q", serialized)
	}
	if serialized := unsubFrame(9, 5); string(serialized) != "UNSUB 9 5\r\n" {
		t.Fatalf("unexpected bounded UNSUB frame: %q", serialized)
	}
}

func TestConnectFrameCarriesIdentity(t *testing.T) {
	serialized, err := connectFrame(connectOptions{ClientID: "abc", Name: "svc", Verbose: true, Version: ClientVersion})
	if err != nil {
		t.Fatalf("unexpected connect frame error: %v", err)
	}
	if !bytes.HasPrefix(serialized, []byte("CONNECT ")) || !bytes.HasSuffix(serialized, crlf) {
		t.Fatalf("malformed CONNECT frame: %q", serialized)
	}
	for _, needle := range []string{`"client_id":"abc"`, `"name":"svc"`, `"verbose":true`} {
		if !bytes.Contains(serialized, []byte(needle)) {
			t.Fatalf("CONNECT frame missing %s: %q", needle, serialized)
		}
	}
}
