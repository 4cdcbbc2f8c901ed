package resilience

import (
	"context"

	"github.com/coachai/coach/pkg/gateway"
	"github.com/coachai/coach/pkg/store"
)

// GuardDialer returns a [gateway.Dialer] that dials through cb. Errors are
// passed through unwrapped so callers still see the dialer's message.
func GuardDialer(d gateway.Dialer, cb *CircuitBreaker) gateway.Dialer {
	return gateway.DialerFunc(func(ctx context.Context) (gateway.Session, error) {
		var sess gateway.Session
		err := cb.Execute(func() error {
			var err error
			sess, err = d.Dial(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		return sess, nil
	})
}

// GuardSink returns a [store.Sink] that inserts through cb.
func GuardSink(s store.Sink, cb *CircuitBreaker) store.Sink {
	return guardedSink{sink: s, cb: cb}
}

type guardedSink struct {
	sink store.Sink
	cb   *CircuitBreaker
}

func (g guardedSink) Insert(ctx context.Context, rec store.Record) error {
	return g.cb.Execute(func() error { return g.sink.Insert(ctx, rec) })
}
