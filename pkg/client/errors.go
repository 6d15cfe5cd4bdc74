package client

import (
	"errors"
	"fmt"

	"github.com/bromq-dev/mqttc/pkg/packet"
)

// Sentinel errors returned by the client. Use errors.Is to test for them.
var (
	// ErrConnect matches every *ConnectError.
	ErrConnect = errors.New("mqtt: cannot reach broker")

	// ErrConnectRefused matches every *ConnectRefusedError.
	ErrConnectRefused = errors.New("mqtt: connection refused")

	// ErrConnectionLost indicates the connection ended while a call was pending.
	ErrConnectionLost = errors.New("mqtt: connection lost")

	// ErrKeepAliveTimeout indicates the broker did not answer a PINGREQ in time.
	ErrKeepAliveTimeout = fmt.Errorf("mqtt: keep-alive timeout: %w", ErrConnectionLost)

	// ErrClientDisconnected is the cause recorded when Disconnect ends the connection.
	ErrClientDisconnected = fmt.Errorf("mqtt: client disconnected: %w", ErrConnectionLost)

	// ErrOperationTimeout indicates a call gave up waiting for its acknowledgment.
	ErrOperationTimeout = errors.New("mqtt: operation timed out")

	// ErrProtocolViolation indicates the broker sent something MQTT does not allow.
	ErrProtocolViolation = errors.New("mqtt: protocol violation")

	// ErrNotConnected is returned by calls that need an established connection.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrAlreadyConnected is returned by Connect when a connection exists or is being set up.
	ErrAlreadyConnected = errors.New("mqtt: already connected")

	// ErrPacketIDsExhausted is returned when all 65535 packet identifiers are in use.
	ErrPacketIDsExhausted = errors.New("mqtt: no free packet identifier")

	// ErrSubscriptionRejected is returned when the broker answers a SUBSCRIBE with 0x80.
	ErrSubscriptionRejected = errors.New("mqtt: subscription rejected by broker")

	// ErrInvalidQoS is returned for QoS values other than 0, 1 and 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS")
)

// ConnectError reports a transport failure before the MQTT handshake finished,
// including TLS certificate verification failures.
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mqtt: connect to %s: %v", e.Broker, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is reports whether target is ErrConnect.
func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// ConnectRefusedError reports that the broker did not accept the CONNECT,
// either with a nonzero CONNACK return code or by not answering in time.
// In the latter case Err is ErrOperationTimeout.
type ConnectRefusedError struct {
	Code packet.ConnackCode
	Err  error
}

func (e *ConnectRefusedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mqtt: connection refused: no CONNACK: %v", e.Err)
	}
	return fmt.Sprintf("mqtt: connection refused: %s (code %d)", e.Code, byte(e.Code))
}

func (e *ConnectRefusedError) Unwrap() error { return e.Err }

// Is reports whether target is ErrConnectRefused.
func (e *ConnectRefusedError) Is(target error) bool { return target == ErrConnectRefused }

// lostError turns the cause of a teardown into the error pending calls see.
func lostError(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionLost
	case errors.Is(cause, ErrConnectionLost):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
}

func protocolViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
