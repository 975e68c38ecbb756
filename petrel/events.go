package petrel

import "sync"

// ConnHandler observes a connection lifecycle event.
type ConnHandler func(conn *Conn)

// ErrHandler observes an asynchronous failure not tied to a specific call.
type ErrHandler func(conn *Conn, err error)

type eventKind int

const (
	eventDisconnected eventKind = iota
	eventReconnected
	eventClosed
	eventError
	eventStop
)

type event struct {
	kind eventKind
	err  error
}

// eventDispatcher delivers lifecycle events to user handlers on a dedicated
// goroutine. The queue is unbounded so posting never blocks the state
// machine, and handlers run without the connection lock held, which makes
// Close safe to call from inside a handler.
type eventDispatcher struct {
	conn    *Conn
	lock    sync.Mutex
	cond    *sync.Cond
	queue   []event
	stopped bool
	done    chan struct{}
}

func newEventDispatcher(conn *Conn) *eventDispatcher {
	dispatcher := &eventDispatcher{conn: conn, done: make(chan struct{})}
	dispatcher.cond = sync.NewCond(&dispatcher.lock)
	go dispatcher.run()
	return dispatcher
}

func (dispatcher *eventDispatcher) post(kind eventKind, err error) {
	dispatcher.lock.Lock()
	if dispatcher.stopped {
		dispatcher.lock.Unlock()
		return
	}
	if kind == eventStop {
		dispatcher.stopped = true
	}
	dispatcher.queue = append(dispatcher.queue, event{kind: kind, err: err})
	dispatcher.cond.Signal()
	dispatcher.lock.Unlock()
}

// stop drains queued events, then terminates the dispatch goroutine.
func (dispatcher *eventDispatcher) stop() {
	dispatcher.post(eventStop, nil)
}

func (dispatcher *eventDispatcher) run() {
	for {
		dispatcher.lock.Lock()
		for len(dispatcher.queue) == 0 {
			dispatcher.cond.Wait()
		}
		next := dispatcher.queue[0]
		dispatcher.queue = dispatcher.queue[1:]
		dispatcher.lock.Unlock()

		if next.kind == eventStop {
			close(dispatcher.done)
			return
		}
		dispatcher.dispatch(next)
	}
}

// dispatch invokes the registered handler for one event. A panicking handler
// is isolated here so it cannot corrupt connection state; the panic is
// reported through the async error path unless it came from the error
// handler itself.
func (dispatcher *eventDispatcher) dispatch(ev event) {
	defer func() {
		if recovered := recover(); recovered == nil {
			return
		} else if ev.kind != eventError {
			dispatcher.conn.reportAsyncError(NewError(MessageHandlerError, recovered))
		}
	}()

	conn := dispatcher.conn
	conn.lock.Lock()
	disconnected := conn.disconnectedHandler
	reconnected := conn.reconnectedHandler
	closed := conn.closedHandler
	errored := conn.errorHandler
	conn.lock.Unlock()

	switch ev.kind {
	case eventDisconnected:
		if disconnected != nil {
			disconnected(conn)
		}
	case eventReconnected:
		if reconnected != nil {
			reconnected(conn)
		}
	case eventClosed:
		if closed != nil {
			closed(conn)
		}
	case eventError:
		if errored != nil {
			errored(conn, ev.err)
		}
	}
}
