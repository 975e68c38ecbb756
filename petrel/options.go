package petrel

import "time"

// Defaults applied by DefaultOptions and at connect time.
const (
	DefaultMaxReconnect        = 60
	DefaultReconnectWait       = 2 * time.Second
	DefaultTimeout             = 2 * time.Second
	DefaultFlushTimeout        = 10 * time.Second
	DefaultReconnectBufferSize = 8 * 1024 * 1024

	// ReconnectBufferUnbounded removes the byte cap on the reconnect buffer.
	ReconnectBufferUnbounded = -1
)

// Options configures a connection. The connection copies the options at
// connect time; later mutation of the original has no effect.
type Options struct {
	// Name is an optional client name reported to the broker.
	Name string

	// AllowReconnect enables the reconnect loop after a transport failure.
	// When false, any transport failure closes the connection.
	AllowReconnect bool

	// MaxReconnect bounds reconnect attempts per outage. Zero disables the
	// retry loop entirely; a negative value retries without bound.
	MaxReconnect int

	// ReconnectWait is the sleep between reconnect attempts.
	ReconnectWait time.Duration

	// ReconnectDelayStrategy overrides the fixed ReconnectWait sleep when
	// set. The fixed wait remains the default.
	ReconnectDelayStrategy ReconnectDelayStrategy

	// Verbose requires a protocol-level acknowledgement per control frame.
	Verbose bool

	// Timeout bounds dialing and the connect handshake.
	Timeout time.Duration

	// FlushTimeout is the bound used by Flush when no timeout is given.
	FlushTimeout time.Duration

	reconnectBufferSize int
	reconnectBufferSet  bool
}

// DefaultOptions returns options with reconnection enabled and the
// documented defaults applied.
func DefaultOptions() *Options {
	return &Options{
		AllowReconnect: true,
		MaxReconnect:   DefaultMaxReconnect,
		ReconnectWait:  DefaultReconnectWait,
		Timeout:        DefaultTimeout,
		FlushTimeout:   DefaultFlushTimeout,
	}
}

// SetReconnectBufferSize configures how many bytes of serialized outbound
// frames may accumulate while disconnected. Zero disables buffering, the
// ReconnectBufferUnbounded sentinel removes the cap, and a positive value
// bounds it. Any other negative value fails immediately.
func (options *Options) SetReconnectBufferSize(size int) error {
	if size < 0 && size != ReconnectBufferUnbounded {
		return NewError(ConfigurationError, "invalid reconnect buffer size")
	}
	options.reconnectBufferSize = size
	options.reconnectBufferSet = true
	return nil
}

// ReconnectBufferSize reports the configured buffer size, applying the
// default when none was set explicitly.
func (options *Options) ReconnectBufferSize() int {
	if !options.reconnectBufferSet {
		return DefaultReconnectBufferSize
	}
	return options.reconnectBufferSize
}
