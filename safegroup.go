package fleetagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// SafeGroup is an errgroup.Group with safer defaults for the control plane's
// long-running loops (scheduler, health collector): workers are restarted on
// panic with backoff, and waiting can be interrupted by the parent context.
type SafeGroup struct {
	*errgroup.Group
	ctx    context.Context
	parent context.Context
}

// NewSafeGroup creates a SafeGroup backed by errgroup.WithContext.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx, parent: ctx}
}

// GoSafe runs fn in a group goroutine. A panic is logged to stderr and the
// worker restarts with exponential backoff; a returned error cancels the
// group as usual.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			select {
			case <-sg.ctx.Done():
				return nil
			default:
			}

			panicked := false
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						// The panic may have come from the logger; stderr is the safe sink.
						fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, r, debug.Stack())
					}
				}()
				err = fn(sg.ctx)
			}()
			if !panicked {
				return err
			}

			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

// WaitOrInterrupt waits for the group but returns the parent context's error
// when it is canceled and the workers do not finish within gracePeriod.
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- sg.Group.Wait() }()
	select {
	case err := <-waitCh:
		return err
	case <-sg.parent.Done():
		if gracePeriod > 0 {
			select {
			case err := <-waitCh:
				return err
			case <-time.After(gracePeriod):
			}
		}
		return sg.parent.Err()
	}
}
