package main

import (
	"bufio"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type brokerConfig struct {
	serverID   string
	version    string
	maxPayload int
	latency    time.Duration
	dropPings  bool
}

// brokerCore holds the subscription table shared by every connection.
type brokerCore struct {
	config brokerConfig

	lock       sync.Mutex
	subs       []*brokerSub
	roundRobin map[string]int

	connectionsAccepted atomic.Uint64
	connectionsCurrent  atomic.Int64
}

// brokerSub is one SUB registration. limit counts deliveries left before the
// registration is dropped; zero means unlimited.
type brokerSub struct {
	writer  *connWriter
	subject string
	queue   string
	sid     string
	limit   int
}

func newBrokerCore(config brokerConfig) *brokerCore {
	return &brokerCore{
		config:     config,
		roundRobin: make(map[string]int),
	}
}

func (core *brokerCore) addSub(sub *brokerSub) {
	core.lock.Lock()
	core.subs = append(core.subs, sub)
	core.lock.Unlock()
}

// removeSub drops the registration for sid on writer. With limit > 0 the
// registration instead survives for that many more deliveries.
func (core *brokerCore) removeSub(writer *connWriter, sid string, limit int) {
	core.lock.Lock()
	defer core.lock.Unlock()

	if limit > 0 {
		for _, sub := range core.subs {
			if sub.writer == writer && sub.sid == sid {
				sub.limit = limit
			}
		}
		return
	}

	kept := core.subs[:0]
	for _, sub := range core.subs {
		if sub.writer == writer && sub.sid == sid {
			continue
		}
		kept = append(kept, sub)
	}
	core.subs = kept
}

// dropConnection removes every registration owned by writer.
func (core *brokerCore) dropConnection(writer *connWriter) {
	core.lock.Lock()
	kept := core.subs[:0]
	for _, sub := range core.subs {
		if sub.writer == writer {
			continue
		}
		kept = append(kept, sub)
	}
	core.subs = kept
	core.lock.Unlock()
}

// route fans one publish out: every plain subscription on the subject
// receives it, and each queue group delivers to exactly one member,
// round-robin over the members in registration order.
func (core *brokerCore) route(subject string, payload []byte) {
	core.lock.Lock()
	targets := make([]*brokerSub, 0, 8)
	queues := make(map[string][]*brokerSub)
	for _, sub := range core.subs {
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
		index := core.roundRobin[key] % len(members)
		core.roundRobin[key] = index + 1
		targets = append(targets, members[index])
	}
	for _, sub := range targets {
		if sub.limit > 0 {
			sub.limit--
			if sub.limit == 0 {
				kept := core.subs[:0]
				for _, candidate := range core.subs {
					if candidate != sub {
						kept = append(kept, candidate)
					}
				}
				core.subs = kept
			}
		}
	}
	core.lock.Unlock()

	for _, sub := range targets {
		header := "MSG " + subject + " " + sub.sid + " " + strconv.Itoa(len(payload)) + "\r\n"
		frame := make([]byte, 0, len(header)+len(payload)+2)
		frame = append(frame, header...)
		frame = append(frame, payload...)
		frame = append(frame, '\r', '\n')
		sub.writer.send(frame)
		sub.writer.stats.publishOut.Add(1)
	}
}

// subCount reports live registrations, optionally filtered by subject.
func (core *brokerCore) subCount(subject string) int {
	core.lock.Lock()
	defer core.lock.Unlock()

	if subject == "" {
		return len(core.subs)
	}
	count := 0
	for _, sub := range core.subs {
		if sub.subject == subject {
			count++
		}
	}
	return count
}

type connStats struct {
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	publishIn   atomic.Uint64
	publishOut  atomic.Uint64
	bytesOut    atomic.Uint64
}

// connWriter drains an outbound queue on a dedicated goroutine so routing
// never blocks on a slow connection. Frames available in the queue are
// coalesced into one buffered flush.
type connWriter struct {
	ch    chan []byte
	done  chan struct{}
	stats *connStats
}

func newConnWriter(conn interface{ Write([]byte) (int, error) }, stats *connStats) *connWriter {
	writer := &connWriter{
		ch:    make(chan []byte, *flagOutDepth),
		done:  make(chan struct{}),
		stats: stats,
	}
	go writer.run(conn)
	return writer
}

func (writer *connWriter) run(conn interface{ Write([]byte) (int, error) }) {
	defer close(writer.done)
	buffered := bufio.NewWriterSize(conn, *flagWriteBuf)

	for frame := range writer.ch {
		channelClosed := false
		_, _ = buffered.Write(frame)
		writer.stats.messagesOut.Add(1)
		writer.stats.bytesOut.Add(uint64(len(frame)))

		drained := true
		for drained {
			select {
			case next, ok := <-writer.ch:
				if !ok {
					channelClosed = true
					drained = false
					continue
				}
				_, _ = buffered.Write(next)
				writer.stats.messagesOut.Add(1)
				writer.stats.bytesOut.Add(uint64(len(next)))
			default:
				drained = false
			}
		}

		_ = buffered.Flush()
		if channelClosed {
			return
		}
	}
	_ = buffered.Flush()
}

// send enqueues a frame for async writing. A full queue drops the frame; the
// connection is a slow consumer and the protocol carries no redelivery.
func (writer *connWriter) send(frame []byte) {
	select {
	case writer.ch <- frame:
	default:
	}
}

func (writer *connWriter) close() {
	close(writer.ch)
	<-writer.done
}

func statsLogger(addr string, stats *connStats, done chan struct{}) {
	ticker := time.NewTicker(*flagStatsIvl)
	defer ticker.Stop()

	var prevIn, prevOut uint64
	prev := time.Now()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(prev).Seconds()
			if elapsed <= 0 {
				elapsed = 1
			}
			prev = now

			totalIn := stats.messagesIn.Load()
			totalOut := stats.messagesOut.Load()
			deltaIn := totalIn - prevIn
			deltaOut := totalOut - prevOut
			prevIn, prevOut = totalIn, totalOut

			if deltaIn > 0 || deltaOut > 0 {
				log.Printf("fakebroker: stats %-21s  msg/s in=%-8d out=%-8d  total in=%-10d out=%-10d",
					addr,
					uint64(float64(deltaIn)/elapsed),
					uint64(float64(deltaOut)/elapsed),
					totalIn, totalOut)
			}
		}
	}
}
