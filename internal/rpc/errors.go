package rpc

import (
	"errors"
	"fmt"

	"github.com/g960059/agthub/internal/model"
)

var (
	ErrNoHandler = errors.New("no handler registered")
	ErrTimeout   = errors.New("rpc timed out")
	ErrRejected  = errors.New("rpc rejected")
	// ErrPeerClosed is returned by peers whose connection went away with
	// the request still pending.
	ErrPeerClosed = errors.New("peer disconnected")
)

// CallError carries the dispatch key and failure class of a call.
type CallError struct {
	Key     DispatchKey
	Kind    model.ErrorKind
	Message string
	cause   error
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc %s: %v", e.Key, e.cause)
	}
	return fmt.Sprintf("rpc %s: %v: %s", e.Key, e.cause, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.cause
}

// RemoteError is an error reported by the peer itself.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Kind maps an error from Call onto the hub error taxonomy.
func Kind(err error) model.ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Message returns the human-readable reason of a failed call.
func Message(err error) string {
	var ce *CallError
	if !errors.As(err, &ce) {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	switch ce.Kind {
	case model.KindNoHandler:
		return "RPC handler not registered: " + ce.Key.String()
	case model.KindRPCTimeout:
		return "RPC timed out: " + ce.Key.String()
	default:
		if ce.Message != "" {
			return ce.Message
		}
		return ce.cause.Error()
	}
}
