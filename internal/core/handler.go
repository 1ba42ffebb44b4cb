package core

import (
	"runtime/debug"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReplyFunc is the substitute behavior a Handler executes in place of the
// replaced function. It may panic; the panic is captured, recorded, and
// re-raised to the caller with the identical value.
type ReplyFunc func(args []any) any

// handlerRequest is one message on a Handler's sequential queue.
type handlerRequest struct {
	Kind  string
	Args  []any
	Token uuid.UUID
	Reply chan any
}

// Handler executes a substitute behavior on behalf of callers of one replaced
// function and records every call in the session History.
//
// The handler's own loop never runs the substitute: each invocation is handed
// to a short-lived worker goroutine holding the caller's reply channel, so a
// slow or re-entrant substitute cannot block the handler from accepting other
// callers, and a substitute that calls back into the mocking machinery cannot
// deadlock against the handler's queue.
type Handler struct {
	name    string
	desc    CallDescription
	reply   ReplyFunc
	history *History
	reqs    chan handlerRequest
	done    chan struct{}
	logger  *zap.Logger
}

// StartHandler creates a Handler bound to one replaced function and starts
// its queue-processing goroutine.
func StartHandler(name string, desc CallDescription, reply ReplyFunc, history *History) *Handler {
	return StartHandlerWithLogger(name, desc, reply, history, zap.NewNop())
}

// StartHandlerWithLogger creates a Handler that logs invocations.
func StartHandlerWithLogger(
	name string,
	desc CallDescription,
	reply ReplyFunc,
	history *History,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		name:    name,
		desc:    desc,
		reply:   reply,
		history: history,
		reqs:    make(chan handlerRequest, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go h.run()

	return h
}

// Description returns the call description the handler was started with.
func (h *Handler) Description() CallDescription {
	return h.desc
}

// Invoke executes the substitute behavior with the given arguments and
// returns whatever it returned. If the substitute panicked, Invoke panics
// with the identical value, so the caller cannot tell the failure happened
// on the far side of a service boundary. A non-nil error means the handler
// itself refused the request (stopped), not that the substitute failed.
func (h *Handler) Invoke(args ...any) (any, error) {
	token := uuid.New()
	req := handlerRequest{
		Kind:  kindInvoke,
		Args:  args,
		Token: token,
		Reply: make(chan any, 1),
	}

	select {
	case h.reqs <- req:
	case <-h.done:
		return nil, ErrStopped
	}

	var resp any
	select {
	case resp = <-req.Reply:
	case <-h.done:
		// Stopping a handler with invocations in flight is a caller error;
		// the reply may never arrive, so fail rather than wedge.
		select {
		case resp = <-req.Reply:
		default:
			return nil, ErrStopped
		}
	}

	if env, ok := resp.(panicEnvelope); ok && env.token == token {
		panic(env.value)
	}

	return resp, nil
}

// Stop terminates the handler. Subsequent Invoke calls fail with ErrStopped.
// The fate of workers still in flight is undefined for callers.
func (h *Handler) Stop() error {
	req := handlerRequest{Kind: kindStop, Reply: make(chan any, 1)}

	select {
	case h.reqs <- req:
	case <-h.done:
		return ErrStopped
	}

	select {
	case <-req.Reply:
		return nil
	case <-h.done:
		// The loop acknowledges the stop before closing done, so both cases
		// may be ready at once. Prefer the acknowledgement.
		select {
		case <-req.Reply:
			return nil
		default:
			return ErrStopped
		}
	}
}

// run drains the request queue. Invocations are dispatched to workers
// immediately; the loop never waits on one.
func (h *Handler) run() {
	for req := range h.reqs {
		switch req.Kind {
		case kindInvoke:
			go h.work(req)
		case kindStop:
			h.logger.Debug("handler stopped",
				zap.String("handler", h.name),
				zap.String("call", h.desc.String()))
			req.Reply <- struct{}{}
			close(h.done)

			return
		default:
			req.Reply <- ErrBadRequest
		}
	}
}

// work runs the substitute behavior for one invocation, appends the record,
// and answers the original caller directly on the reply channel captured at
// dispatch. Returning the reply through the handler's queue instead would
// reintroduce the deadlock the worker exists to avoid.
func (h *Handler) work(req handlerRequest) {
	value, panicked, stack := h.runSubstitute(req.Args)

	outcome := Outcome{Kind: Returned, Value: value}
	if panicked != nil {
		outcome = Outcome{Kind: Panicked, PanicValue: panicked, Stack: stack}
	}

	err := h.history.Append(CallRecord{
		Description: h.desc,
		Args:        req.Args,
		Outcome:     outcome,
	})
	if err != nil {
		h.logger.Warn("call not recorded",
			zap.String("handler", h.name),
			zap.String("call", h.desc.String()),
			zap.Error(err))
	}

	if panicked != nil {
		req.Reply <- panicEnvelope{token: req.Token, value: panicked, stack: stack}

		return
	}

	req.Reply <- value
}

// runSubstitute executes the substitute behavior, converting a panic into a
// captured value plus stack instead of letting it kill the worker.
func (h *Handler) runSubstitute(args []any) (value, panicked any, stack []byte) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
			stack = debug.Stack()
		}
	}()

	value = h.reply(args)

	return value, nil, nil
}
