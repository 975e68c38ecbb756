package petrel

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// testBroker is a minimal in-process Petrel broker used by the tests. It
// supports subjects, queue-group round-robin, verbose acknowledgements, and
// can be shut down and restarted on the same address to exercise the
// reconnection engine.
type testBroker struct {
	t *testing.T

	lock         sync.Mutex
	addr         string
	listener     net.Listener
	clients      map[net.Conn]*sync.Mutex
	subs         []*testBrokerSub
	roundRobin   map[string]int
	silencePings bool

	wg sync.WaitGroup
}

type testBrokerSub struct {
	conn    net.Conn
	subject string
	queue   string
	sid     string
	// limit is the number of deliveries left before the subscription is
	// dropped; zero means unlimited
	limit int
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	broker := &testBroker{
		t:          t,
		clients:    make(map[net.Conn]*sync.Mutex),
		roundRobin: make(map[string]int),
	}
	broker.start("127.0.0.1:0")
	return broker
}

func (broker *testBroker) start(addr string) {
	broker.t.Helper()

	var listener net.Listener
	var err error
	for attempt := 0; attempt < 50; attempt++ {
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		broker.t.Fatalf("test broker failed to listen on %q: %v", addr, err)
	}

	broker.lock.Lock()
	broker.listener = listener
	broker.addr = listener.Addr().String()
	broker.lock.Unlock()

	broker.wg.Add(1)
	go broker.acceptLoop(listener)
}

func (broker *testBroker) acceptLoop(listener net.Listener) {
	defer broker.wg.Done()
	for {
		connection, err := listener.Accept()
		if err != nil {
			return
		}
		broker.lock.Lock()
		broker.clients[connection] = &sync.Mutex{}
		broker.lock.Unlock()

		broker.wg.Add(1)
		go broker.handle(connection)
	}
}

func (broker *testBroker) endpoint() string {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return "petrel://" + broker.addr
}

// shutdown closes the listener and every client connection and waits for
// the handler goroutines to finish.
func (broker *testBroker) shutdown() {
	broker.lock.Lock()
	listener := broker.listener
	broker.listener = nil
	clients := make([]net.Conn, 0, len(broker.clients))
	for connection := range broker.clients {
		clients = append(clients, connection)
	}
	broker.lock.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, connection := range clients {
		_ = connection.Close()
	}
	broker.wg.Wait()
}

// restart brings the broker back up on the same address it used before.
func (broker *testBroker) restart() {
	broker.lock.Lock()
	addr := broker.addr
	broker.subs = nil
	broker.roundRobin = make(map[string]int)
	broker.lock.Unlock()
	broker.start(addr)
}

func (broker *testBroker) setSilencePings(silence bool) {
	broker.lock.Lock()
	broker.silencePings = silence
	broker.lock.Unlock()
}

func (broker *testBroker) handle(connection net.Conn) {
	defer broker.wg.Done()
	defer func() {
		broker.lock.Lock()
		delete(broker.clients, connection)
		kept := broker.subs[:0]
		for _, sub := range broker.subs {
			if sub.conn != connection {
				kept = append(kept, sub)
			}
		}
		broker.subs = kept
		broker.lock.Unlock()
		_ = connection.Close()
	}()

	write := func(data []byte) {
		broker.write(connection, data)
	}

	write([]byte(`INFO {"server_id":"testbroker","version":"0.0.0","max_payload":1048576}` + "\r\n"))

	verbose := false
	ack := func() {
		if verbose {
			write([]byte("+OK\r\n"))
		}
	}

	reader := bufio.NewReader(connection)
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

		switch fields[0] {
		case "CONNECT":
			var options struct {
				Verbose bool `json:"verbose"`
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "CONNECT"))
			_ = json.Unmarshal([]byte(payload), &options)
			verbose = options.Verbose
			ack()

		case "PUB":
			if len(fields) != 3 {
				return
			}
			size, err := strconv.Atoi(fields[2])
			if err != nil {
				return
			}
			payload := make([]byte, size+2)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			broker.route(fields[1], payload[:size])
			ack()

		case "SUB":
			if len(fields) < 3 || len(fields) > 4 {
				return
			}
			sub := &testBrokerSub{conn: connection, subject: fields[1]}
			if len(fields) == 3 {
				sub.sid = fields[2]
			} else {
				sub.queue = fields[2]
				sub.sid = fields[3]
			}
			broker.lock.Lock()
			broker.subs = append(broker.subs, sub)
			broker.lock.Unlock()
			ack()

		case "UNSUB":
			if len(fields) < 2 || len(fields) > 3 {
				return
			}
			limit := 0
			if len(fields) == 3 {
				parsed, err := strconv.Atoi(fields[2])
				if err != nil || parsed <= 0 {
					return
				}
				limit = parsed
			}
			broker.lock.Lock()
			if limit > 0 {
				for _, sub := range broker.subs {
					if sub.conn == connection && sub.sid == fields[1] {
						sub.limit = limit
					}
				}
			} else {
				kept := broker.subs[:0]
				for _, sub := range broker.subs {
					if sub.conn == connection && sub.sid == fields[1] {
						continue
					}
					kept = append(kept, sub)
				}
				broker.subs = kept
			}
			broker.lock.Unlock()
			ack()

		case "PING":
			broker.lock.Lock()
			silence := broker.silencePings
			broker.lock.Unlock()
			if !silence {
				write([]byte("PONG\r\n"))
			}

		case "PONG":

		default:
			return
		}
	}
}

// route fans a published message out: every plain subscription on the
// subject receives it, and each queue group delivers to exactly one member,
// round-robin.
func (broker *testBroker) write(connection net.Conn, data []byte) {
	broker.lock.Lock()
	writeLock := broker.clients[connection]
	broker.lock.Unlock()
	if writeLock == nil {
		return
	}
	writeLock.Lock()
	_, _ = connection.Write(data)
	writeLock.Unlock()
}

func (broker *testBroker) route(subject string, payload []byte) {
	broker.lock.Lock()
	targets := make([]*testBrokerSub, 0, 4)
	queues := make(map[string][]*testBrokerSub)
	for _, sub := range broker.subs {
		if sub.subject != subject {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
		} else {
			queues[sub.queue] = append(queues[sub.queue], sub)
		}
	}
	for queue, members := range queues {
		key := subject + " " + queue
		index := broker.roundRobin[key] % len(members)
		broker.roundRobin[key] = index + 1
		targets = append(targets, members[index])
	}
	for _, sub := range targets {
		if sub.limit > 0 {
			sub.limit--
			if sub.limit == 0 {
				kept := broker.subs[:0]
				for _, candidate := range broker.subs {
					if candidate != sub {
						kept = append(kept, candidate)
					}
				}
				broker.subs = kept
			}
		}
	}
	broker.lock.Unlock()

	for _, sub := range targets {
		message := "MSG " + subject + " " + sub.sid + " " + strconv.Itoa(len(payload)) + "\r\n"
		broker.write(sub.conn, append([]byte(message), append(payload, '\r', '\n')...))
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
