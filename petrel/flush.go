package petrel

import "time"

// Flush blocks until everything previously sent has been acknowledged by
// the broker, bounded by the options flush timeout.
func (conn *Conn) Flush() error {
	conn.lock.Lock()
	timeout := conn.opts.FlushTimeout
	conn.lock.Unlock()
	return conn.flush(timeout)
}

// FlushTimeout is Flush with an explicit bound.
func (conn *Conn) FlushTimeout(timeout time.Duration) error {
	return conn.flush(timeout)
}

// flush issues a PING marker on the current transport and waits for its
// PONG. The marker belongs to the current transport epoch: if the transport
// is lost before the acknowledgement arrives, the flush fails instead of
// being silently satisfied by a later epoch.
func (conn *Conn) flush(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}

	conn.lock.Lock()
	switch conn.state {
	case Closed:
		conn.lock.Unlock()
		return NewError(ConnectionClosedError, "flush on a closed connection")
	case Reconnecting:
		conn.lock.Unlock()
		return NewError(IOError, "no current transport to flush")
	}

	ack := make(chan error, 1)
	conn.pongs = append(conn.pongs, ack)
	if err := conn.transport.Send(pingFrame); err != nil {
		conn.removePongLocked(ack)
		conn.transportFailedLocked(err)
		conn.lock.Unlock()
		return err
	}
	closeCh := conn.closeCh
	conn.lock.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ack:
		return err

	case <-timer.C:
		conn.lock.Lock()
		conn.removePongLocked(ack)
		conn.lock.Unlock()
		// the acknowledgement may have raced the timer
		select {
		case err := <-ack:
			return err
		default:
		}
		return NewError(TimedOutError, "flush timed out")

	case <-closeCh:
		return NewError(ConnectionClosedError, "connection closed during flush")
	}
}

// processPong matches an inbound PONG with the oldest outstanding flush
// marker for the current epoch.
func (conn *Conn) processPong(epoch uint64) {
	conn.lock.Lock()
	defer conn.lock.Unlock()

	if conn.epoch != epoch || len(conn.pongs) == 0 {
		return
	}
	ack := conn.pongs[0]
	conn.pongs = conn.pongs[1:]
	ack <- nil
}

// failPongsLocked wakes every blocked flusher with err. Called when the
// transport epoch ends or the connection closes.
func (conn *Conn) failPongsLocked(err error) {
	for _, ack := range conn.pongs {
		ack <- err
	}
	conn.pongs = nil
}

func (conn *Conn) removePongLocked(ack chan error) {
	for index, candidate := range conn.pongs {
		if candidate == ack {
			conn.pongs = append(conn.pongs[:index], conn.pongs[index+1:]...)
			return
		}
	}
}
