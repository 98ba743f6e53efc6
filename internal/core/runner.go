package core

import (
	"context"

	"github.com/pkg/errors"
)

var ErrStopped = errors.New("core stopped")

type request struct {
	cmd   Command
	query func(c *DeterministicCore)
	reply chan response
}

type response struct {
	res *Result
	err error
}

// Runner serializes every caller (ingestion, gRPC, snapshots) onto the one
// goroutine that owns the core.
type Runner struct {
	core  *DeterministicCore
	inbox chan request
	done  chan struct{}
}

func NewRunner(core *DeterministicCore, queueSize int) *Runner {
	return &Runner{
		core:  core,
		inbox: make(chan request, queueSize),
		done:  make(chan struct{}),
	}
}

// Run owns the core until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.inbox:
			if req.query != nil {
				req.query(r.core)
				close(req.reply)
				continue
			}
			res, err := r.core.Execute(req.cmd)
			req.reply <- response{res: res, err: err}
		}
	}
}

// Submit executes cmd on the core goroutine and waits for the result.
func (r *Runner) Submit(ctx context.Context, cmd Command) (*Result, error) {
	req := request{cmd: cmd, reply: make(chan response, 1)}
	if err := r.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case resp := <-req.reply:
		return resp.res, resp.err
	case <-r.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Query runs fn on the core goroutine. fn must copy whatever it keeps.
func (r *Runner) Query(ctx context.Context, fn func(c *DeterministicCore)) error {
	req := request{query: fn, reply: make(chan response)}
	if err := r.send(ctx, req); err != nil {
		return err
	}
	select {
	case <-req.reply:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) send(ctx context.Context, req request) error {
	select {
	case r.inbox <- req:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backlog reports queued requests, for channel metrics.
func (r *Runner) Backlog() (size, capacity int) {
	return len(r.inbox), cap(r.inbox)
}
