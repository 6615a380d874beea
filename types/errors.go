package types

import (
	"context"
	"errors"
)

var (
	ErrConfigInvalid     = errors.New("config invalid")
	ErrProtocol          = errors.New("protocol error")
	ErrTransport         = errors.New("transport error")
	ErrCancelled         = errors.New("cancelled")
	ErrNegotiationFailed = errors.New("negotiation failed")
)

type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindConfigInvalid     ErrorKind = "config_invalid"
	KindProtocol          ErrorKind = "protocol"
	KindTransport         ErrorKind = "transport"
	KindCancelled         ErrorKind = "cancelled"
	KindNegotiationFailed ErrorKind = "negotiation_failed"
	KindUnknown           ErrorKind = "unknown"
)

// KindOf classifies err into the session error taxonomy. A rejected
// negotiation reports KindNegotiationFailed even when it also wraps the cause.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNegotiationFailed):
		return KindNegotiationFailed
	case errors.Is(err, ErrConfigInvalid):
		return KindConfigInvalid
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnknown
	}
}
