package petrel

import (
	"sync"
	"time"
)

// subscriptionPendingLimit bounds the per-subscription delivery queue.
// Inbound messages that arrive while the queue is full are dropped and
// reported through the async error handler.
const subscriptionPendingLimit = 8192

// MsgHandler consumes messages delivered to an asynchronous subscription.
type MsgHandler func(msg *Msg)

// Msg is one inbound message.
type Msg struct {
	Subject string
	Data    []byte
	Sub     *Subscription
}

// Subscription is a client-side subscription handle. The handle is stable
// across reconnects; the server-assigned sid is scoped to one transport
// epoch and reassigned on every successful reconnect.
//
// Mutable fields are guarded by the owning connection's lock.
type Subscription struct {
	handle  string
	subject string
	queue   string
	// callback is nil for synchronous subscriptions.
	callback MsgHandler

	conn      *Conn
	sid       uint64
	max       int
	delivered int
	closed    bool
	mch       chan *Msg
}

// Subject returns the subscription subject.
func (sub *Subscription) Subject() string { return sub.subject }

// Queue returns the queue group name, empty for plain subscriptions.
func (sub *Subscription) Queue() string { return sub.queue }

// Handle returns the stable client-assigned subscription id.
func (sub *Subscription) Handle() string { return sub.handle }

// IsValid reports whether the subscription can still receive messages.
func (sub *Subscription) IsValid() bool {
	sub.conn.lock.Lock()
	defer sub.conn.lock.Unlock()
	return !sub.closed
}

// NextMessage blocks until a message arrives on a synchronous subscription,
// the timeout elapses, the subscription is removed, or the connection
// closes.
func (sub *Subscription) NextMessage(timeout time.Duration) (*Msg, error) {
	if sub.callback != nil {
		return nil, NewError(ConfigurationError, "NextMessage requires a synchronous subscription")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-sub.mch:
		if !ok {
			if sub.conn.IsClosed() {
				return nil, NewError(ConnectionClosedError, "connection closed")
			}
			return nil, NewError(StaleHandleError, "subscription is no longer active")
		}
		return msg, nil

	case <-timer.C:
		return nil, NewError(TimedOutError, "no message before the deadline")
	}
}

// Unsubscribe removes the subscription from the connection.
func (sub *Subscription) Unsubscribe() error {
	return sub.conn.unsubscribe(sub, 0)
}

// AutoUnsubscribe removes the subscription automatically after max messages
// have been delivered, counting across reconnects.
func (sub *Subscription) AutoUnsubscribe(max int) error {
	if max <= 0 {
		return NewError(ConfigurationError, "auto-unsubscribe limit must be positive")
	}
	return sub.conn.unsubscribe(sub, max)
}

// deliverLoop drains the delivery queue for an asynchronous subscription.
// It exits when the queue is closed by unsubscribe or connection close.
func (sub *Subscription) deliverLoop() {
	for msg := range sub.mch {
		sub.invoke(msg)
	}
}

func (sub *Subscription) invoke(msg *Msg) {
	defer func() {
		if recovered := recover(); recovered != nil {
			sub.conn.reportAsyncError(NewError(MessageHandlerError, recovered))
		}
	}()
	sub.callback(msg)
}

// SubscriptionRegistry tracks live subscriptions independent of transport
// identity. Iteration order for replay is creation order so queue-group
// membership is re-established exactly as it was.
type SubscriptionRegistry struct {
	lock     sync.Mutex
	order    []string
	byHandle map[string]*Subscription
	bySID    map[uint64]*Subscription
}

// NewSubscriptionRegistry returns an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byHandle: make(map[string]*Subscription),
		bySID:    make(map[uint64]*Subscription),
	}
}

// Add tracks a subscription under its stable handle.
func (registry *SubscriptionRegistry) Add(sub *Subscription) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	if _, exists := registry.byHandle[sub.handle]; exists {
		return
	}
	registry.byHandle[sub.handle] = sub
	registry.order = append(registry.order, sub.handle)
}

// Remove stops tracking a subscription. It reports whether the handle was
// still live; a removed handle can no longer be replayed.
func (registry *SubscriptionRegistry) Remove(handle string) bool {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	sub, exists := registry.byHandle[handle]
	if !exists {
		return false
	}
	delete(registry.byHandle, handle)
	delete(registry.bySID, sub.sid)
	for index, candidate := range registry.order {
		if candidate == handle {
			registry.order = append(registry.order[:index], registry.order[index+1:]...)
			break
		}
	}
	return true
}

// Bind routes a server-assigned sid to a subscription for the current epoch.
func (registry *SubscriptionRegistry) Bind(sid uint64, sub *Subscription) {
	registry.lock.Lock()
	registry.bySID[sid] = sub
	registry.lock.Unlock()
}

// Lookup resolves an inbound sid to its subscription.
func (registry *SubscriptionRegistry) Lookup(sid uint64) *Subscription {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return registry.bySID[sid]
}

// ResetEpoch discards all sid bindings. Called when a transport epoch ends;
// the stable handles remain tracked for replay.
func (registry *SubscriptionRegistry) ResetEpoch() {
	registry.lock.Lock()
	registry.bySID = make(map[uint64]*Subscription)
	registry.lock.Unlock()
}

// ReplayAll returns tracked subscriptions in creation order.
func (registry *SubscriptionRegistry) ReplayAll() []*Subscription {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	subs := make([]*Subscription, 0, len(registry.order))
	for _, handle := range registry.order {
		subs = append(subs, registry.byHandle[handle])
	}
	return subs
}

// RemoveAll clears the registry and returns what was tracked.
func (registry *SubscriptionRegistry) RemoveAll() []*Subscription {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	subs := make([]*Subscription, 0, len(registry.order))
	for _, handle := range registry.order {
		subs = append(subs, registry.byHandle[handle])
	}
	registry.order = nil
	registry.byHandle = make(map[string]*Subscription)
	registry.bySID = make(map[uint64]*Subscription)
	return subs
}

// Len reports the number of tracked subscriptions.
func (registry *SubscriptionRegistry) Len() int {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return len(registry.byHandle)
}
