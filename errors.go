package srtgo

import (
	"fmt"

	"github.com/srtgo/srtgo/handshake"
	"github.com/srtgo/srtgo/internal/receiver"
	"github.com/srtgo/srtgo/internal/sender"
	"github.com/srtgo/srtgo/packet"
)

// ErrorKind enumerates every terminal or per-call failure a Connection can
// surface, per §7.
type ErrorKind int

const (
	FailShortHeader ErrorKind = iota
	FailUnknownControl
	FailBadEnum
	FailHandshakeTimeout
	FailHandshakeRejected
	FailPeerTimeout
	FailPeerShutdown
	FailUdpIo
	FailBackpressure
	FailBackpressureTimeout
	FailConnectionClosed
)

func (k ErrorKind) String() string {
	switch k {
	case FailShortHeader:
		return "FailShortHeader"
	case FailUnknownControl:
		return "FailUnknownControl"
	case FailBadEnum:
		return "FailBadEnum"
	case FailHandshakeTimeout:
		return "FailHandshakeTimeout"
	case FailHandshakeRejected:
		return "FailHandshakeRejected"
	case FailPeerTimeout:
		return "FailPeerTimeout"
	case FailPeerShutdown:
		return "FailPeerShutdown"
	case FailUdpIo:
		return "FailUdpIo"
	case FailBackpressure:
		return "FailBackpressure"
	case FailBackpressureTimeout:
		return "FailBackpressureTimeout"
	case FailConnectionClosed:
		return "FailConnectionClosed"
	default:
		return "Unknown"
	}
}

// Error is the error type returned across the package boundary by every
// Builder/Sender/Receiver method.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("srtgo: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("srtgo: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// codecErrorKind maps a packet-codec error to its ErrorKind.
func codecErrorKind(err error) (ErrorKind, bool) {
	switch err {
	case packet.ErrShortHeader:
		return FailShortHeader, true
	case packet.ErrUnknownControl:
		return FailUnknownControl, true
	case packet.ErrBadEnum:
		return FailBadEnum, true
	default:
		return 0, false
	}
}

func wrapHandshakeErr(err error) error {
	if err == nil {
		return nil
	}
	he, ok := err.(*handshake.Error)
	if !ok {
		return err
	}
	switch he.Kind {
	case handshake.FailHandshakeTimeout:
		return &Error{Kind: FailHandshakeTimeout, Err: he.Err}
	case handshake.FailHandshakeRejected:
		return &Error{Kind: FailHandshakeRejected, Err: he.Err}
	default:
		return err
	}
}

func wrapSenderErr(err error) error {
	if err == nil {
		return nil
	}
	se, ok := err.(*sender.Error)
	if !ok {
		return err
	}
	switch se.Kind {
	case sender.FailConnectionClosed:
		return &Error{Kind: FailConnectionClosed, Err: se.Err}
	case sender.FailBackpressureTimeout:
		return &Error{Kind: FailBackpressureTimeout, Err: se.Err}
	case sender.FailPeerTimeout:
		return &Error{Kind: FailPeerTimeout, Err: se.Err}
	case sender.FailPeerShutdown:
		return &Error{Kind: FailPeerShutdown, Err: se.Err}
	case sender.FailUdpIo:
		return &Error{Kind: FailUdpIo, Err: se.Err}
	default:
		return err
	}
}

func wrapReceiverErr(err error) error {
	if err == nil {
		return nil
	}
	re, ok := err.(*receiver.Error)
	if !ok {
		return err
	}
	switch re.Kind {
	case receiver.FailPeerTimeout:
		return &Error{Kind: FailPeerTimeout, Err: re.Err}
	case receiver.FailPeerShutdown:
		return &Error{Kind: FailPeerShutdown, Err: re.Err}
	case receiver.FailUdpIo:
		return &Error{Kind: FailUdpIo, Err: re.Err}
	default:
		return err
	}
}
