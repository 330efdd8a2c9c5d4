package engine

import (
	"context"

	"go.uber.org/zap"

	"example.com/ffb-rt/core/fmea"
	"example.com/ffb-rt/core/safety"
)

type commandKind uint8

const (
	cmdRequestHighTorque commandKind = iota
	cmdConfirmHighTorque
	cmdCancelChallenge
	cmdDisableHighTorque
	cmdClearFault
)

type command struct {
	kind  commandKind
	token uint32
	reply chan reply
}

type reply struct {
	token uint32
	err   error
}

// The methods below may be called from any goroutine. Each one is applied
// by the loop goroutine at the start of a tick and blocks until then or
// until ctx is done.

func (e *Engine) RequestHighTorque(ctx context.Context) (uint32, error) {
	r := e.submit(ctx, command{kind: cmdRequestHighTorque})
	return r.token, r.err
}

func (e *Engine) ConfirmHighTorque(ctx context.Context, token uint32) error {
	return e.submit(ctx, command{kind: cmdConfirmHighTorque, token: token}).err
}

func (e *Engine) CancelChallenge(ctx context.Context) error {
	return e.submit(ctx, command{kind: cmdCancelChallenge}).err
}

func (e *Engine) DisableHighTorque(ctx context.Context) error {
	return e.submit(ctx, command{kind: cmdDisableHighTorque}).err
}

// ClearFault clears the active fault of the fault system and then releases
// the safety gate. A failed call changes nothing and can be repeated.
func (e *Engine) ClearFault(ctx context.Context) error {
	return e.submit(ctx, command{kind: cmdClearFault}).err
}

func (e *Engine) submit(ctx context.Context, c command) reply {
	c.reply = make(chan reply, 1)
	select {
	case e.cmds <- c:
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
	select {
	case r := <-c.reply:
		return r
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
}

func (e *Engine) drainCommands(ctx context.Context) {
	for i := 0; i != maxCommandsPerTick; i++ {
		select {
		case c := <-e.cmds:
			c.reply <- e.apply(ctx, c)
		default:
			return
		}
	}
}

func (e *Engine) apply(ctx context.Context, c command) reply {
	switch c.kind {
	case cmdRequestHighTorque:
		token, err := e.safety.RequestHighTorque(ctx)
		return reply{token: token, err: err}
	case cmdConfirmHighTorque:
		return reply{err: e.safety.ConfirmHighTorque(c.token)}
	case cmdCancelChallenge:
		return reply{err: e.safety.CancelChallenge()}
	case cmdDisableHighTorque:
		return reply{err: e.safety.DisableHighTorque()}
	case cmdClearFault:
		return reply{err: e.clearFault()}
	}
	panic("unexpected command")
}

func (e *Engine) clearFault() error {
	faulted := e.safety.Mode() == safety.Faulted
	if faulted {
		if err := e.safety.CanClearFault(); err != nil {
			return err
		}
	}
	cleared := false
	if f, ok := e.fmea.ActiveFault(); ok {
		if err := e.fmea.ClearFault(); err != nil {
			return err
		}
		e.log.Info("fault cleared", zap.String("fault", f.Name()))
		e.faultReported = false
		e.changed = true
		cleared = true
	}
	if faulted {
		return e.safety.ClearFault()
	}
	if !cleared {
		return fmea.ErrNoActiveFault
	}
	return nil
}
