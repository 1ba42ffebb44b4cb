package core

import (
	"go.uber.org/zap"
)

// request kinds understood by the history and handler loops.
const (
	kindAppend   = "append"
	kindSnapshot = "snapshot"
	kindReset    = "reset"
	kindInvoke   = "invoke"
	kindStop     = "stop"
)

// historyRequest is one message on a History's sequential queue.
type historyRequest struct {
	Kind   string
	Record CallRecord
	Reply  chan historyResponse
}

// historyResponse is the answer to a historyRequest.
type historyResponse struct {
	Records []CallRecord
	Err     error
}

// History is the append-only call log for one mocking session. All handlers
// in the session share one History. Records are owned exclusively by the
// History's own goroutine; the only way in is Append, the only way out is
// Snapshot, so appends are totally ordered by arrival at the queue.
type History struct {
	name    string
	reqs    chan historyRequest
	done    chan struct{}
	logger  *zap.Logger
	records []CallRecord // touched only by the run loop
}

// NewHistory creates a History and starts its queue-processing goroutine.
func NewHistory(name string) *History {
	return NewHistoryWithLogger(name, zap.NewNop())
}

// NewHistoryWithLogger creates a History that logs appends and teardown.
func NewHistoryWithLogger(name string, logger *zap.Logger) *History {
	h := &History{
		name:   name,
		reqs:   make(chan historyRequest, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.run()

	return h
}

// Append adds a record as the new most-recent entry. A record without a call
// description is rejected with ErrBadRequest; the service stays up either way.
func (h *History) Append(record CallRecord) error {
	resp := h.call(historyRequest{Kind: kindAppend, Record: record})

	return resp.Err
}

// Name returns the session name the History was started with.
func (h *History) Name() string {
	return h.name
}

// Reset clears the log without stopping the service.
func (h *History) Reset() error {
	resp := h.call(historyRequest{Kind: kindReset})

	return resp.Err
}

// Snapshot returns all records appended so far, oldest first. The returned
// slice is a copy; holding it does not block future appends.
func (h *History) Snapshot() ([]CallRecord, error) {
	resp := h.call(historyRequest{Kind: kindSnapshot})

	return resp.Records, resp.Err
}

// Stop terminates the History. Both Append and Snapshot fail afterwards.
func (h *History) Stop() error {
	resp := h.call(historyRequest{Kind: kindStop})

	return resp.Err
}

// call submits one request to the sequential queue and waits for the answer.
// It is the single door used by every operation, so unknown request kinds can
// be exercised by tests the same way real ones are.
func (h *History) call(req historyRequest) historyResponse {
	req.Reply = make(chan historyResponse, 1)

	select {
	case h.reqs <- req:
	case <-h.done:
		return historyResponse{Err: ErrStopped}
	}

	select {
	case resp := <-req.Reply:
		return resp
	case <-h.done:
		// The loop replies before closing done, so a request it already
		// answered may see both cases ready. Prefer the answer.
		select {
		case resp := <-req.Reply:
			return resp
		default:
			return historyResponse{Err: ErrStopped}
		}
	}
}

// run drains the request queue. All mutation of h.records happens here.
func (h *History) run() {
	for req := range h.reqs {
		switch req.Kind {
		case kindAppend:
			if req.Record.Description == (CallDescription{}) {
				req.Reply <- historyResponse{Err: ErrBadRequest}

				continue
			}

			h.records = append(h.records, req.Record)
			h.logger.Debug("recorded call",
				zap.String("history", h.name),
				zap.String("call", req.Record.Description.String()),
				zap.Int("entries", len(h.records)))
			req.Reply <- historyResponse{}
		case kindSnapshot:
			snapshot := make([]CallRecord, len(h.records))
			copy(snapshot, h.records)
			req.Reply <- historyResponse{Records: snapshot}
		case kindReset:
			h.records = nil
			req.Reply <- historyResponse{}
		case kindStop:
			h.logger.Debug("history stopped",
				zap.String("history", h.name),
				zap.Int("entries", len(h.records)))
			req.Reply <- historyResponse{}
			close(h.done)

			return
		default:
			req.Reply <- historyResponse{Err: ErrBadRequest}
		}
	}
}
