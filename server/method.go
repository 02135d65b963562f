package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"livedata/core"
)

// MethodHandler implements one remote method. The returned value goes
// to the client in the result message after EJSON adjustment; an error
// that is a *wire.Error travels verbatim, anything else is masked.
type MethodHandler func(inv *MethodInvocation, params []any) (any, error)

// MethodInvocation is the per-call context handed to method handlers.
type MethodInvocation struct {
	session    *Session
	ctx        context.Context
	randomSeed any
}

// Context returns the invocation context. It carries the method's write
// fence; store writes performed with it register on the fence and hold
// back the updated ack until their changes have flushed.
func (inv *MethodInvocation) Context() context.Context { return inv.ctx }

// UserID returns the session's authenticated user id, or "".
func (inv *MethodInvocation) UserID() string { return inv.session.UserID() }

// SetUserID switches the session's authenticated user. Every
// subscription reruns against the new user and the client receives the
// resulting data diff.
func (inv *MethodInvocation) SetUserID(userID string) {
	inv.session.setUserID(userID)
}

// SessionID returns the calling session's id.
func (inv *MethodInvocation) SessionID() string { return inv.session.id }

// ClientAddress returns the calling client's IP, as derived from the
// configured proxy depth.
func (inv *MethodInvocation) ClientAddress() string { return inv.session.ClientAddress() }

// RandomSeed returns the client-provided seed for id generation, or
// nil.
func (inv *MethodInvocation) RandomSeed() any { return inv.randomSeed }

// Unblock is accepted for protocol compatibility. Methods run on the
// session's inbox worker and release it when they return, so there is
// no separate blocking to lift.
func (inv *MethodInvocation) Unblock() {}

func invokeMethod(name string, handler MethodHandler, inv *MethodInvocation, params []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			core.Error("Method handler panicked",
				zap.String("method", name),
				zap.Any("panic", r))
			err = fmt.Errorf("method %s: %v", name, r)
		}
	}()
	return handler(inv, params)
}
