package srtgo

import (
	"context"
	"io"
	"net"

	"github.com/srtgo/srtgo/internal/receiver"
	"github.com/srtgo/srtgo/internal/sender"
	"github.com/srtgo/srtgo/stats"
)

// Connection is the common handle every built endpoint satisfies.
type Connection interface {
	// Close tears down the engine goroutine and releases the socket,
	// sending a Shutdown control packet when the role permits one.
	Close(ctx context.Context) error

	// Stats returns the live counters published by the connection's
	// engine (packets/bytes transferred, current RTT, ACK/NAK and drop
	// counts).
	Stats() *stats.Counters
}

// Sender is a built Connection in the sending role.
type Sender interface {
	Connection
	// Send enqueues msg as one SRT message, blocking until it has been
	// handed to the network or ctx is done. A message exceeding the
	// window or stuck behind backpressure returns FailBackpressureTimeout.
	Send(ctx context.Context, msg []byte) error
}

// Receiver is a built Connection in the receiving role.
type Receiver interface {
	Connection
	// Recv blocks until the next complete, in-window message is
	// assembled and ready for delivery, or returns io.EOF once the peer
	// has cleanly shut down.
	Recv(ctx context.Context) ([]byte, error)
}

// SenderConn is the Connection returned by Build for Role.RoleSender.
type SenderConn struct {
	s        *sender.Sender
	conn     *net.UDPConn
	counters *stats.Counters
	label    string
}

func (c *SenderConn) Send(ctx context.Context, msg []byte) error {
	return wrapSenderErr(c.s.Send(ctx, msg))
}

func (c *SenderConn) Close(ctx context.Context) error {
	err := c.s.Close(ctx)
	c.conn.Close()
	stats.DefaultCollector.Remove(c.label)
	return wrapSenderErr(err)
}

func (c *SenderConn) Stats() *stats.Counters { return c.counters }

// ReceiverConn is the Connection returned by Build for Role.RoleReceiver.
type ReceiverConn struct {
	r        *receiver.Receiver
	conn     *net.UDPConn
	counters *stats.Counters
	label    string
}

func (c *ReceiverConn) Recv(ctx context.Context) ([]byte, error) {
	msg, err := c.r.Recv(ctx)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, wrapReceiverErr(err)
	}
	return msg, nil
}

func (c *ReceiverConn) Close(ctx context.Context) error {
	c.conn.Close()
	stats.DefaultCollector.Remove(c.label)
	return nil
}

func (c *ReceiverConn) Stats() *stats.Counters { return c.counters }
