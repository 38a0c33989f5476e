package settlement

import (
	"context"
)

// Request asks for a match to be settled. A nil WinnerID refunds.
type Request struct {
	MatchID  string  `json:"match_id"`
	WinnerID *string `json:"winner_id,omitempty"`
	Reason   string  `json:"reason"`
}

// Dispatcher hands a decided outcome to the settlement engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// DirectDispatcher settles in-process on the caller's goroutine.
type DirectDispatcher struct {
	Engine *Engine
}

func (d DirectDispatcher) Dispatch(ctx context.Context, req Request) error {
	_, err := d.Engine.Settle(ctx, req.MatchID, req.WinnerID, req.Reason)
	return err
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, req Request) error

func (f DispatchFunc) Dispatch(ctx context.Context, req Request) error {
	return f(ctx, req)
}
