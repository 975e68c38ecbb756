package petrel

import "fmt"

const (
	ConnectionClosedError = iota

	ReconnectBufferError

	TimedOutError

	IOError

	ConfigurationError

	ConnectionRefusedError

	ProtocolError

	InvalidSubjectError

	BrokerError

	StaleHandleError

	DrainingError

	SlowConsumerError

	MaxPayloadError

	MessageHandlerError

	UnknownError
)

func errorName(errorCode int) string {
	switch errorCode {
	case ConnectionClosedError:
		return "ConnectionClosedError"
	case ReconnectBufferError:
		return "ReconnectBufferError"
	case TimedOutError:
		return "TimedOutError"
	case IOError:
		return "IOError"
	case ConfigurationError:
		return "ConfigurationError"
	case ConnectionRefusedError:
		return "ConnectionRefusedError"
	case ProtocolError:
		return "ProtocolError"
	case InvalidSubjectError:
		return "InvalidSubjectError"
	case BrokerError:
		return "BrokerError"
	case StaleHandleError:
		return "StaleHandleError"
	case DrainingError:
		return "DrainingError"
	case SlowConsumerError:
		return "SlowConsumerError"
	case MaxPayloadError:
		return "MaxPayloadError"
	case MessageHandlerError:
		return "MessageHandlerError"
	default:
		return "UnknownError"
	}
}

// Error is the error type produced by this package. Code is one of the
// exported error code constants.
type Error struct {
	Code   int
	Reason string
}

func (clientError *Error) Error() string {
	if clientError.Reason != "" {
		return errorName(clientError.Code) + ": " + clientError.Reason
	}
	return errorName(clientError.Code)
}

// NewError builds a typed client error from a code and an optional reason.
func NewError(errorCode int, message ...interface{}) error {
	if len(message) > 0 {
		return &Error{Code: errorCode, Reason: fmt.Sprintf("%v", message[0])}
	}
	return &Error{Code: errorCode}
}

// ErrorCode extracts the code from an error produced by this package.
// Any other error reports UnknownError.
func ErrorCode(err error) int {
	if clientError, ok := err.(*Error); ok {
		return clientError.Code
	}
	return UnknownError
}
