package aio

import (
	"net/netip"
)

// SocketAccept accepts a connection on a listening socket. Reactivating it
// from the callback accepts the next connection.
type SocketAccept struct {
	requestBase

	// Callback is invoked on the loop goroutine with the accepted socket.
	Callback func(result *SocketAcceptResult)

	listener SocketDescriptor
	accepted SocketDescriptor
}

// SocketAcceptResult is passed to [SocketAccept.Callback].
type SocketAcceptResult struct {
	CompletionResult
	Request *SocketAccept
	// AcceptedSocket is the new connection, already associated with the
	// loop. The callback takes ownership of it.
	AcceptedSocket SocketDescriptor
}

// Start accepts the next connection on listener, which must be bound and
// listening.
func (r *SocketAccept) Start(l *Loop, listener SocketDescriptor) error {
	if !listener.valid() {
		return ErrInvalidDescriptor
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.listener = listener
	return r.start(l, KindSocketAccept, r)
}

func (r *SocketAccept) complete(l *Loop, err error) bool {
	res := SocketAcceptResult{CompletionResult: newCompletionResult(l, err), Request: r, AcceptedSocket: InvalidSocketDescriptor}
	if err == nil {
		res.AcceptedSocket = r.accepted
	}
	r.accepted = InvalidSocketDescriptor
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}

// SocketConnect connects a socket to a remote address.
type SocketConnect struct {
	requestBase

	// Callback is invoked on the loop goroutine once connected (or failed).
	Callback func(result *SocketConnectResult)

	socket  SocketDescriptor
	address netip.AddrPort
}

// SocketConnectResult is passed to [SocketConnect.Callback].
type SocketConnectResult struct {
	CompletionResult
	Request *SocketConnect
}

// Start connects socket (of a family matching address) to address.
func (r *SocketConnect) Start(l *Loop, socket SocketDescriptor, address netip.AddrPort) error {
	if !socket.valid() || !address.IsValid() {
		return ErrInvalidDescriptor
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.socket = socket
	r.address = address
	return r.start(l, KindSocketConnect, r)
}

// Address returns the address passed to Start.
func (r *SocketConnect) Address() netip.AddrPort { return r.address }

func (r *SocketConnect) complete(l *Loop, err error) bool {
	res := SocketConnectResult{CompletionResult: newCompletionResult(l, err), Request: r}
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}

// SocketSend sends the whole of a buffer. Partial writes are continued
// internally; the callback runs once everything was sent, or on error.
// An empty buffer sends a zero-length datagram on datagram sockets.
type SocketSend struct {
	requestBase

	// Callback is invoked on the loop goroutine once the buffer was sent.
	Callback func(result *SocketSendResult)

	socket  SocketDescriptor
	buffer  []byte
	written int
}

// SocketSendResult is passed to [SocketSend.Callback].
type SocketSendResult struct {
	CompletionResult
	Request *SocketSend
	// Written is the number of bytes sent, which may be less than requested
	// if an error interrupted the send.
	Written int
}

// Start sends buffer on socket. The buffer must not be modified until the
// request is free.
func (r *SocketSend) Start(l *Loop, socket SocketDescriptor, buffer []byte) error {
	if !socket.valid() {
		return ErrInvalidDescriptor
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.socket = socket
	r.buffer = buffer
	r.written = 0
	return r.start(l, KindSocketSend, r)
}

func (r *SocketSend) complete(l *Loop, err error) bool {
	res := SocketSendResult{CompletionResult: newCompletionResult(l, err), Request: r, Written: r.written}
	r.written = 0
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}

// SocketReceive receives into a buffer. It completes as soon as any data is
// available, possibly filling only part of the buffer.
type SocketReceive struct {
	requestBase

	// Callback is invoked on the loop goroutine with the received data.
	Callback func(result *SocketReceiveResult)

	socket       SocketDescriptor
	buffer       []byte
	received     int
	disconnected bool
}

// SocketReceiveResult is passed to [SocketReceive.Callback].
type SocketReceiveResult struct {
	CompletionResult
	Request *SocketReceive
	// Data is the received slice of the buffer.
	Data []byte
	// Disconnected reports an orderly shutdown by the peer of a stream
	// socket. A zero-length datagram yields empty Data with Disconnected
	// false.
	Disconnected bool
}

// Start receives into buffer, which must not be empty.
func (r *SocketReceive) Start(l *Loop, socket SocketDescriptor, buffer []byte) error {
	if !socket.valid() {
		return ErrInvalidDescriptor
	}
	if len(buffer) == 0 {
		return ErrInvalidBuffer
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.socket = socket
	r.buffer = buffer
	return r.start(l, KindSocketReceive, r)
}

func (r *SocketReceive) complete(l *Loop, err error) bool {
	res := SocketReceiveResult{CompletionResult: newCompletionResult(l, err), Request: r}
	if err == nil {
		res.Data = r.buffer[:r.received]
		res.Disconnected = r.disconnected
	}
	r.received = 0
	r.disconnected = false
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}

// SocketClose closes a socket, forgetting its association with the loop.
type SocketClose struct {
	requestBase

	// Callback is invoked on the loop goroutine once the socket was closed.
	Callback func(result *SocketCloseResult)

	socket SocketDescriptor
}

// SocketCloseResult is passed to [SocketClose.Callback].
type SocketCloseResult struct {
	CompletionResult
	Request *SocketClose
}

// Start closes socket. Other requests using the socket must be stopped
// first.
func (r *SocketClose) Start(l *Loop, socket SocketDescriptor) error {
	if !socket.valid() {
		return ErrInvalidDescriptor
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.socket = socket
	return r.start(l, KindSocketClose, r)
}

func (r *SocketClose) complete(l *Loop, err error) bool {
	res := SocketCloseResult{CompletionResult: newCompletionResult(l, err), Request: r}
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}
