package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/security"
)

const DefaultTimeout = 10 * time.Second

// Dispatcher issues calls against the registry.
type Dispatcher struct {
	registry       *Registry
	defaultTimeout time.Duration
	tracer         trace.Tracer
}

func NewDispatcher(registry *Registry, defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Dispatcher{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		tracer:         otel.Tracer("github.com/g960059/agthub/internal/rpc"),
	}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Call sends params to the peer registered for key and waits for its
// answer. The handler is looked up at call time. The wait never exceeds
// timeout; a late answer is discarded.
func (d *Dispatcher) Call(ctx context.Context, key DispatchKey, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	ctx, span := d.tracer.Start(ctx, "rpc.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.target", key.Target),
			attribute.String("rpc.method", key.Method),
		),
	)
	defer span.End()

	out, err := d.call(ctx, key, params, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Kind(err)))
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) call(ctx context.Context, key DispatchKey, params any, timeout time.Duration) (json.RawMessage, error) {
	peer, ok := d.registry.Lookup(key)
	if !ok {
		return nil, &CallError{Key: key, Kind: model.KindNoHandler, cause: ErrNoHandler}
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, &CallError{Key: key, Kind: model.KindValidation, cause: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		out json.RawMessage
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := peer.Request(callCtx, key.String(), raw)
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &CallError{Key: key, Kind: model.KindRPCTimeout, cause: ErrTimeout}
		}
		return nil, rejected(key, r.err)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CallError{Key: key, Kind: model.KindRPCTimeout, cause: ErrTimeout}
	}
}

func rejected(key DispatchKey, err error) error {
	msg := err.Error()
	var remote *RemoteError
	if errors.As(err, &remote) {
		msg = remote.Message
	}
	return &CallError{Key: key, Kind: model.KindRPCRejected, Message: security.RedactMessage(msg), cause: ErrRejected}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc params: %w", err)
	}
	return raw, nil
}

// Decode unwraps a peer response. Agents may answer with a JSON value or a
// JSON string holding encoded JSON.
func Decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("empty response")
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if json.Valid([]byte(str)) {
			return json.Unmarshal([]byte(str), out)
		}
		return json.Unmarshal(raw, out)
	}
	return json.Unmarshal(raw, out)
}
