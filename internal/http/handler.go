package http

import (
	"net"
)

// Handler receives the events of one request. Callbacks fire in
// OnConnect, OnHeaders, OnData*, OnComplete order, or are cut short by a
// single OnError. They run on the dispatcher's loop.
type Handler interface {
	// OnConnect is called right before the request is written. abort
	// fails the request, tearing down the connection if needed.
	OnConnect(abort func(err error))
	// OnHeaders returns false to pause reading until resume is called.
	OnHeaders(status int, headers Header, resume func()) bool
	// OnData returns false to pause reading until resume is called.
	OnData(chunk []byte) bool
	// OnUpgrade hands over the connection after an upgrade or CONNECT.
	OnUpgrade(status int, headers Header, conn net.Conn)
	OnComplete(trailers Header)
	OnError(err error)
}

// BodySentHandler is implemented by handlers interested in the request
// body chunks as they are written.
type BodySentHandler interface {
	OnBodySent(chunk []byte)
}

// RequestSentHandler is implemented by handlers interested in knowing when
// the whole request has been handed to the connection.
type RequestSentHandler interface {
	OnRequestSent()
}

// HandlerFuncs adapts plain functions to [Handler]. nil fields are no-ops,
// OnHeaders and OnData default to not pausing.
type HandlerFuncs struct {
	Connect     func(abort func(err error))
	Headers     func(status int, headers Header, resume func()) bool
	Data        func(chunk []byte) bool
	Upgrade     func(status int, headers Header, conn net.Conn)
	Complete    func(trailers Header)
	Error       func(err error)
	BodySent    func(chunk []byte)
	RequestSent func()
}

func (h *HandlerFuncs) OnConnect(abort func(err error)) {
	if h.Connect != nil {
		h.Connect(abort)
	}
}

func (h *HandlerFuncs) OnHeaders(status int, headers Header, resume func()) bool {
	if h.Headers != nil {
		return h.Headers(status, headers, resume)
	}
	return true
}

func (h *HandlerFuncs) OnData(chunk []byte) bool {
	if h.Data != nil {
		return h.Data(chunk)
	}
	return true
}

func (h *HandlerFuncs) OnUpgrade(status int, headers Header, conn net.Conn) {
	if h.Upgrade != nil {
		h.Upgrade(status, headers, conn)
		return
	}
	conn.Close()
}

func (h *HandlerFuncs) OnComplete(trailers Header) {
	if h.Complete != nil {
		h.Complete(trailers)
	}
}

func (h *HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

func (h *HandlerFuncs) OnBodySent(chunk []byte) {
	if h.BodySent != nil {
		h.BodySent(chunk)
	}
}

func (h *HandlerFuncs) OnRequestSent() {
	if h.RequestSent != nil {
		h.RequestSent()
	}
}
