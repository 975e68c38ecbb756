package main

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"
)

type connectOptions struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Verbose  bool   `json:"verbose"`
	Version  string `json:"version"`
}

// handleConnection runs the protocol loop for one accepted connection until
// the peer disconnects or commits a fatal protocol error.
func (core *brokerCore) handleConnection(conn net.Conn) {
	core.connectionsAccepted.Add(1)
	core.connectionsCurrent.Add(1)

	remote := conn.RemoteAddr().String()
	if *flagLogConn {
		log.Printf("fakebroker: connect %s", remote)
	}

	stats := &connStats{}
	writer := newConnWriter(conn, stats)
	statsDone := make(chan struct{})
	if *flagLogStats {
		go statsLogger(remote, stats, statsDone)
	}

	defer func() {
		core.dropConnection(writer)
		writer.close()
		close(statsDone)
		_ = conn.Close()
		core.connectionsCurrent.Add(-1)
		if *flagLogConn {
			log.Printf("fakebroker: disconnect %s", remote)
		}
	}()

	info, err := json.Marshal(map[string]interface{}{
		"server_id":   core.config.serverID,
		"version":     core.config.version,
		"max_payload": core.config.maxPayload,
	})
	if err != nil {
		return
	}
	writer.send(append(append([]byte("INFO "), info...), '\r', '\n'))

	verbose := false
	ack := func() {
		if verbose {
			writer.send([]byte("+OK\r\n"))
		}
	}
	protocolError := func(reason string) {
		writer.send([]byte("-ERR '" + reason + "'\r\n"))
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		stats.messagesIn.Add(1)

		switch strings.ToUpper(fields[0]) {
		case "CONNECT":
			var options connectOptions
			payload := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
			if err := json.Unmarshal([]byte(payload), &options); err != nil {
				protocolError("invalid CONNECT payload")
				return
			}
			verbose = options.Verbose
			if *flagLogConn && options.ClientID != "" {
				log.Printf("fakebroker: %s identified as %s (%s)", remote, options.ClientID, options.Name)
			}
			ack()

		case "PUB":
			if len(fields) != 3 {
				protocolError("malformed PUB")
				return
			}
			size, err := strconv.Atoi(fields[2])
			if err != nil || size < 0 {
				protocolError("malformed PUB size")
				return
			}
			if size > core.config.maxPayload {
				protocolError("maximum payload exceeded")
				return
			}
			payload := make([]byte, size+2)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			if payload[size] != '\r' || payload[size+1] != '\n' {
				protocolError("missing payload terminator")
				return
			}
			stats.publishIn.Add(1)
			if core.config.latency > 0 {
				time.Sleep(core.config.latency)
			}
			core.route(fields[1], payload[:size])
			ack()

		case "SUB":
			if len(fields) < 3 || len(fields) > 4 {
				protocolError("malformed SUB")
				return
			}
			sub := &brokerSub{writer: writer, subject: fields[1]}
			if len(fields) == 3 {
				sub.sid = fields[2]
			} else {
				sub.queue = fields[2]
				sub.sid = fields[3]
			}
			core.addSub(sub)
			ack()

		case "UNSUB":
			if len(fields) < 2 || len(fields) > 3 {
				protocolError("malformed UNSUB")
				return
			}
			limit := 0
			if len(fields) == 3 {
				parsed, err := strconv.Atoi(fields[2])
				if err != nil || parsed <= 0 {
					protocolError("malformed UNSUB limit")
					return
				}
				limit = parsed
			}
			core.removeSub(writer, fields[1], limit)
			ack()

		case "PING":
			if !core.config.dropPings {
				writer.send([]byte("PONG\r\n"))
			}

		case "PONG":

		default:
			protocolError("unknown protocol operation")
			return
		}
	}
}
