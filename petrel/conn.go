package petrel

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the connection lifecycle state. Connected and Reconnecting are
// mutually exclusive and exhaustive for an open connection; Closed is
// terminal.
type State int

const (
	Connected State = iota
	Reconnecting
	Closed
	Draining
)

func (state State) String() string {
	switch state {
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	case Draining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// Statistics are connection-scoped counters, guarded by the connection lock.
type Statistics struct {
	Reconnects uint64
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
}

// Conn is a connection to a Petrel broker. All public methods are safe for
// concurrent use. Exactly one transport is current at any instant; the old
// transport is discarded wholesale on reconnect, never reused.
type Conn struct {
	lock sync.Mutex

	endpoint string
	clientID string
	opts     Options

	state      State
	transport  transport
	epoch      uint64
	nextSID    uint64
	maxPayload int

	registry *SubscriptionRegistry
	pending  *PendingBuffer
	pongs    []chan error

	stats      Statistics
	lastError  error
	dispatcher *eventDispatcher
	closeCh    chan struct{}

	disconnectedHandler ConnHandler
	reconnectedHandler  ConnHandler
	closedHandler       ConnHandler
	errorHandler        ErrHandler
}

// Connect dials the endpoint, performs the protocol handshake, and returns
// a connected Conn. A nil options value uses DefaultOptions. The options
// are copied; the connection never observes later mutation.
func Connect(endpoint string, options *Options) (*Conn, error) {
	opts := DefaultOptions()
	if options != nil {
		copied := *options
		opts = &copied
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}

	conn := &Conn{
		endpoint: endpoint,
		clientID: uuid.NewString(),
		opts:     *opts,
		registry: NewSubscriptionRegistry(),
		pending:  NewPendingBuffer(opts.ReconnectBufferSize()),
		closeCh:  make(chan struct{}),
		nextSID:  1,
	}

	t, err := openTransport(endpoint, conn.opts.Timeout)
	if err != nil {
		return nil, err
	}
	info, err := conn.handshake(t)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	conn.transport = t
	conn.epoch = 1
	conn.maxPayload = info.MaxPayload
	conn.state = Connected
	conn.dispatcher = newEventDispatcher(conn)
	go conn.readLoop(t, conn.epoch)

	return conn, nil
}

// handshake runs the connect exchange on a fresh transport: read INFO, send
// CONNECT, and in verbose mode wait for its acknowledgement. The options
// timeout bounds the whole exchange.
func (conn *Conn) handshake(t transport) (serverInfo, error) {
	_ = t.SetDeadline(time.Now().Add(conn.opts.Timeout))
	defer func() { _ = t.SetDeadline(time.Time{}) }()

	first, err := t.Recv()
	if err != nil {
		return serverInfo{}, err
	}
	if first.op != opInfo {
		return serverInfo{}, NewError(ProtocolError, "expected INFO from broker")
	}

	connect, err := connectFrame(connectOptions{
		ClientID: conn.clientID,
		Name:     conn.opts.Name,
		Verbose:  conn.opts.Verbose,
		Version:  ClientVersion,
	})
	if err != nil {
		return serverInfo{}, err
	}
	if err := t.Send(connect); err != nil {
		return serverInfo{}, err
	}

	if conn.opts.Verbose {
		ack, err := t.Recv()
		if err != nil {
			return serverInfo{}, err
		}
		switch ack.op {
		case opOK:
		case opErr:
			return serverInfo{}, NewError(BrokerError, ack.errText)
		default:
			return serverInfo{}, NewError(ProtocolError, "expected +OK after CONNECT")
		}
	}

	return first.info, nil
}

// readLoop drains inbound frames for one transport epoch. It exits when the
// transport fails or is replaced; the epoch guard keeps a dying reader from
// acting on a connection that has already moved on.
func (conn *Conn) readLoop(t transport, epoch uint64) {
	for {
		parsed, err := t.Recv()
		if err != nil {
			conn.lock.Lock()
			if conn.epoch == epoch && conn.state != Closed {
				conn.transportFailedLocked(err)
			}
			conn.lock.Unlock()
			return
		}

		switch parsed.op {
		case opMsg:
			conn.processMsg(parsed, epoch)
		case opPing:
			conn.lock.Lock()
			if conn.epoch == epoch && conn.transport != nil {
				_ = conn.transport.Send(pongFrame)
			}
			conn.lock.Unlock()
		case opPong:
			conn.processPong(epoch)
		case opErr:
			conn.reportAsyncError(NewError(BrokerError, parsed.errText))
		case opOK, opInfo:
			// verbose acknowledgements for control frames need no routing
		}
	}
}

func (conn *Conn) processMsg(parsed *frame, epoch uint64) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	if conn.epoch != epoch || conn.state == Closed {
		return
	}
	sub := conn.registry.Lookup(parsed.sid)
	if sub == nil || sub.closed {
		return
	}

	conn.stats.InMsgs++
	conn.stats.InBytes += uint64(len(parsed.payload))

	msg := &Msg{Subject: parsed.subject, Data: parsed.payload, Sub: sub}
	select {
	case sub.mch <- msg:
		sub.delivered++
	default:
		conn.reportAsyncErrorLocked(NewError(SlowConsumerError, "subscription to "+sub.subject+" dropped a message"))
		return
	}

	if sub.max > 0 && sub.delivered >= sub.max {
		conn.removeSubLocked(sub, false)
	}
}

// transportFailedLocked is the single entry point for a transport failure
// observed on the current epoch: it discards the transport, fails blocked
// flushers, and either enters the reconnect loop or closes the connection.
func (conn *Conn) transportFailedLocked(err error) {
	if conn.state != Connected && conn.state != Draining {
		return
	}
	wasDraining := conn.state == Draining

	if conn.transport != nil {
		_ = conn.transport.Close()
		conn.transport = nil
	}
	conn.epoch++
	conn.lastError = err
	conn.failPongsLocked(NewError(TimedOutError, "flush abandoned: transport lost before acknowledgement"))

	if wasDraining {
		conn.closeLocked()
		return
	}
	if !conn.opts.AllowReconnect || conn.opts.MaxReconnect == 0 {
		conn.dispatcher.post(eventDisconnected, nil)
		conn.closeLocked()
		return
	}

	conn.state = Reconnecting
	conn.registry.ResetEpoch()
	conn.dispatcher.post(eventDisconnected, nil)
	go conn.reconnectLoop()
}

// reconnectLoop drives reconnect attempts until success, attempt exhaustion,
// or close. It runs on its own goroutine and never blocks application
// threads; Close interrupts the inter-attempt sleep through closeCh.
func (conn *Conn) reconnectLoop() {
	conn.lock.Lock()
	endpoint := conn.endpoint
	maxReconnect := conn.opts.MaxReconnect
	strategy := conn.opts.ReconnectDelayStrategy
	wait := conn.opts.ReconnectWait
	closeCh := conn.closeCh
	conn.lock.Unlock()

	if strategy == nil {
		strategy = NewFixedDelayStrategy(wait)
	}

	attempts := 0
	for {
		if done := conn.tryReconnect(strategy); done {
			return
		}

		attempts++
		if maxReconnect > 0 && attempts >= maxReconnect {
			conn.lock.Lock()
			if conn.state == Reconnecting {
				conn.closeLocked()
			}
			conn.lock.Unlock()
			return
		}

		if delay := strategy.ConnectWaitDuration(endpoint); delay > 0 {
			select {
			case <-closeCh:
				return
			case <-time.After(delay):
			}
		}
	}
}

// tryReconnect makes one independent attempt. It reports true when the loop
// should stop: the connection is connected again, or it was closed while the
// attempt was in flight.
func (conn *Conn) tryReconnect(strategy ReconnectDelayStrategy) bool {
	conn.lock.Lock()
	if conn.state != Reconnecting {
		conn.lock.Unlock()
		return true
	}
	endpoint := conn.endpoint
	timeout := conn.opts.Timeout
	conn.lock.Unlock()

	t, err := openTransport(endpoint, timeout)
	if err != nil {
		return false
	}
	info, err := conn.handshake(t)
	if err != nil {
		_ = t.Close()
		return false
	}

	conn.lock.Lock()
	defer conn.lock.Unlock()

	if conn.state != Reconnecting {
		_ = t.Close()
		return true
	}

	conn.transport = t
	conn.epoch++
	conn.maxPayload = info.MaxPayload

	if err := conn.resubscribeLocked(); err == nil {
		if err := conn.flushPendingLocked(); err == nil {
			conn.state = Connected
			conn.stats.Reconnects++
			strategy.Reset()
			go conn.readLoop(t, conn.epoch)
			conn.dispatcher.post(eventReconnected, nil)
			return true
		}
	}

	// the replacement transport died during replay; discard it and let the
	// loop try again with the registry and pending buffer intact
	_ = t.Close()
	conn.transport = nil
	return false
}

// resubscribeLocked re-issues every registered subscription on the new
// transport in creation order, assigning fresh epoch-local sids while the
// client-visible handles and callbacks stay put.
func (conn *Conn) resubscribeLocked() error {
	conn.registry.ResetEpoch()
	for _, sub := range conn.registry.ReplayAll() {
		remaining := 0
		if sub.max > 0 {
			remaining = sub.max - sub.delivered
			if remaining <= 0 {
				conn.removeSubLocked(sub, false)
				continue
			}
		}

		sid := conn.nextSID
		conn.nextSID++
		if err := conn.transport.Send(subFrame(sub.subject, sub.queue, sid)); err != nil {
			return err
		}
		if remaining > 0 {
			if err := conn.transport.Send(unsubFrame(sid, remaining)); err != nil {
				return err
			}
		}
		sub.sid = sid
		conn.registry.Bind(sid, sub)
	}
	return nil
}

// flushPendingLocked replays frames buffered while disconnected, FIFO. On a
// send failure the unsent tail goes back to the buffer for the next attempt.
func (conn *Conn) flushPendingLocked() error {
	frames := conn.pending.DrainAll()
	for index, buffered := range frames {
		if err := conn.transport.Send(buffered); err != nil {
			conn.pending.restore(frames[index:])
			return err
		}
	}
	return nil
}

// Publish sends payload to subject. While reconnecting the serialized frame
// is queued in the reconnect buffer instead; a disabled or full buffer fails
// the call with ReconnectBufferError and the message is dropped.
func (conn *Conn) Publish(subject string, payload []byte) error {
	if subject == "" {
		return NewError(InvalidSubjectError, "a subject is required")
	}

	conn.lock.Lock()
	defer conn.lock.Unlock()

	switch conn.state {
	case Closed:
		return NewError(ConnectionClosedError, "publish on a closed connection")
	case Draining:
		return NewError(DrainingError, "connection is draining")
	}
	if conn.maxPayload > 0 && len(payload) > conn.maxPayload {
		return NewError(MaxPayloadError, "payload exceeds broker limit")
	}

	serialized := pubFrame(subject, payload)

	if conn.state == Reconnecting {
		if !conn.pending.TryAppend(serialized) {
			return NewError(ReconnectBufferError, "reconnect buffer is disabled or full")
		}
		conn.stats.OutMsgs++
		conn.stats.OutBytes += uint64(len(payload))
		return nil
	}

	if err := conn.transport.Send(serialized); err != nil {
		conn.transportFailedLocked(err)
		if conn.state == Reconnecting && conn.pending.TryAppend(serialized) {
			conn.stats.OutMsgs++
			conn.stats.OutBytes += uint64(len(payload))
			return nil
		}
		return err
	}

	conn.stats.OutMsgs++
	conn.stats.OutBytes += uint64(len(payload))
	return nil
}

// SubscribeAsync delivers messages on subject to callback. The subscription
// survives reconnects until unsubscribed or the connection closes.
func (conn *Conn) SubscribeAsync(subject string, callback MsgHandler) (*Subscription, error) {
	if callback == nil {
		return nil, NewError(ConfigurationError, "a callback is required for an async subscription")
	}
	return conn.subscribe(subject, "", callback)
}

// QueueSubscribeAsync joins the named queue group on subject; the broker
// delivers each message to exactly one member of the group.
func (conn *Conn) QueueSubscribeAsync(subject string, queue string, callback MsgHandler) (*Subscription, error) {
	if callback == nil {
		return nil, NewError(ConfigurationError, "a callback is required for an async subscription")
	}
	if queue == "" {
		return nil, NewError(ConfigurationError, "a queue group name is required")
	}
	return conn.subscribe(subject, queue, callback)
}

// SubscribeSync returns a subscription consumed with NextMessage.
func (conn *Conn) SubscribeSync(subject string) (*Subscription, error) {
	return conn.subscribe(subject, "", nil)
}

// QueueSubscribeSync joins a queue group with synchronous consumption.
func (conn *Conn) QueueSubscribeSync(subject string, queue string) (*Subscription, error) {
	if queue == "" {
		return nil, NewError(ConfigurationError, "a queue group name is required")
	}
	return conn.subscribe(subject, queue, nil)
}

func (conn *Conn) subscribe(subject string, queue string, callback MsgHandler) (*Subscription, error) {
	if subject == "" {
		return nil, NewError(InvalidSubjectError, "a subject is required")
	}

	conn.lock.Lock()
	defer conn.lock.Unlock()

	switch conn.state {
	case Closed:
		return nil, NewError(ConnectionClosedError, "subscribe on a closed connection")
	case Draining:
		return nil, NewError(DrainingError, "connection is draining")
	}

	sub := &Subscription{
		handle:   uuid.NewString(),
		subject:  subject,
		queue:    queue,
		callback: callback,
		conn:     conn,
		mch:      make(chan *Msg, subscriptionPendingLimit),
	}
	conn.registry.Add(sub)
	if callback != nil {
		go sub.deliverLoop()
	}

	// while reconnecting the registry entry is enough; replay will issue
	// the SUB on the next transport
	if conn.state == Connected {
		sid := conn.nextSID
		conn.nextSID++
		sub.sid = sid
		conn.registry.Bind(sid, sub)
		if err := conn.transport.Send(subFrame(subject, queue, sid)); err != nil {
			conn.transportFailedLocked(err)
		}
	}

	return sub, nil
}

// Unsubscribe removes the subscription. Issued while reconnecting it wins
// against replay: the subscription will not be re-established.
func (conn *Conn) Unsubscribe(sub *Subscription) error {
	return conn.unsubscribe(sub, 0)
}

func (conn *Conn) unsubscribe(sub *Subscription, max int) error {
	if sub == nil || sub.conn != conn {
		return NewError(StaleHandleError, "subscription does not belong to this connection")
	}

	conn.lock.Lock()
	defer conn.lock.Unlock()

	if conn.state == Closed {
		return NewError(ConnectionClosedError, "unsubscribe on a closed connection")
	}
	if sub.closed {
		return NewError(StaleHandleError, "subscription is no longer active")
	}

	if max > 0 {
		sub.max = max
		if sub.delivered >= max {
			conn.removeSubLocked(sub, true)
			return nil
		}
		if conn.state == Connected && conn.transport != nil {
			if err := conn.transport.Send(unsubFrame(sub.sid, max-sub.delivered)); err != nil {
				conn.transportFailedLocked(err)
			}
		}
		return nil
	}

	conn.removeSubLocked(sub, true)
	return nil
}

func (conn *Conn) removeSubLocked(sub *Subscription, sendUnsub bool) {
	if sendUnsub && conn.state == Connected && conn.transport != nil {
		if err := conn.transport.Send(unsubFrame(sub.sid, 0)); err != nil {
			conn.transportFailedLocked(err)
		}
	}
	conn.registry.Remove(sub.handle)
	if !sub.closed {
		sub.closed = true
		close(sub.mch)
	}
}

// Drain unsubscribes everything, flushes what the broker has been sent, and
// closes. New publishes and subscriptions fail while draining.
func (conn *Conn) Drain() error {
	conn.lock.Lock()
	switch conn.state {
	case Closed:
		conn.lock.Unlock()
		return NewError(ConnectionClosedError, "drain on a closed connection")
	case Draining:
		conn.lock.Unlock()
		return nil
	case Reconnecting:
		// nothing in flight to wait for on a dead transport
		conn.closeLocked()
		conn.lock.Unlock()
		return nil
	}

	conn.state = Draining
	if conn.transport != nil {
		for _, sub := range conn.registry.ReplayAll() {
			if err := conn.transport.Send(unsubFrame(sub.sid, 0)); err != nil {
				conn.transportFailedLocked(err)
				conn.lock.Unlock()
				return err
			}
		}
	}
	timeout := conn.opts.FlushTimeout
	conn.lock.Unlock()

	flushErr := conn.flush(timeout)

	conn.lock.Lock()
	if conn.state == Draining {
		conn.closeLocked()
	}
	conn.lock.Unlock()
	return flushErr
}

// Close transitions to Closed, releases the transport, wakes blocked
// flushers and synchronous receivers, and interrupts an in-progress
// reconnect promptly. It is idempotent and safe to call from event
// handlers and concurrently with in-flight publishes.
func (conn *Conn) Close() error {
	conn.lock.Lock()
	conn.closeLocked()
	conn.lock.Unlock()
	return nil
}

// closeLocked is the only place the Closed event is emitted; the state
// guard makes it fire exactly once per connection.
func (conn *Conn) closeLocked() {
	if conn.state == Closed {
		return
	}
	conn.state = Closed

	if conn.transport != nil {
		_ = conn.transport.Close()
		conn.transport = nil
	}
	conn.epoch++
	close(conn.closeCh)
	conn.failPongsLocked(NewError(ConnectionClosedError, "connection closed"))

	for _, sub := range conn.registry.RemoveAll() {
		if !sub.closed {
			sub.closed = true
			close(sub.mch)
		}
	}

	conn.dispatcher.post(eventClosed, nil)
	conn.dispatcher.stop()
}

// IsClosed reports whether the connection has reached its terminal state.
func (conn *Conn) IsClosed() bool {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.state == Closed
}

// IsReconnecting reports whether the reconnect loop is currently running.
func (conn *Conn) IsReconnecting() bool {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.state == Reconnecting
}

// State returns the current connection state.
func (conn *Conn) State() State {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.state
}

// Stats returns a snapshot of the connection counters.
func (conn *Conn) Stats() Statistics {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.stats
}

// LastError returns the most recent asynchronous failure, if any.
func (conn *Conn) LastError() error {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.lastError
}

// Endpoint returns the configured broker endpoint.
func (conn *Conn) Endpoint() string { return conn.endpoint }

// SetDisconnectedHandler registers the handler invoked when the transport
// is lost and reconnection begins.
func (conn *Conn) SetDisconnectedHandler(handler ConnHandler) {
	conn.lock.Lock()
	conn.disconnectedHandler = handler
	conn.lock.Unlock()
}

// SetReconnectedHandler registers the handler invoked after a successful
// reconnect, once subscriptions are replayed and the buffer is flushed.
func (conn *Conn) SetReconnectedHandler(handler ConnHandler) {
	conn.lock.Lock()
	conn.reconnectedHandler = handler
	conn.lock.Unlock()
}

// SetClosedHandler registers the handler invoked exactly once when the
// connection reaches Closed.
func (conn *Conn) SetClosedHandler(handler ConnHandler) {
	conn.lock.Lock()
	conn.closedHandler = handler
	conn.lock.Unlock()
}

// SetErrorHandler registers the sink for asynchronous failures that are not
// tied to a specific call.
func (conn *Conn) SetErrorHandler(handler ErrHandler) {
	conn.lock.Lock()
	conn.errorHandler = handler
	conn.lock.Unlock()
}

func (conn *Conn) reportAsyncError(err error) {
	conn.lock.Lock()
	conn.reportAsyncErrorLocked(err)
	conn.lock.Unlock()
}

func (conn *Conn) reportAsyncErrorLocked(err error) {
	conn.lastError = err
	if conn.dispatcher != nil {
		conn.dispatcher.post(eventError, err)
	}
}
