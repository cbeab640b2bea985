package subscription

import (
	"context"

	"github.com/hanpama/fedgraph/internal/source"
)

// Open starts the subscription handshake in the background. The returned
// channel yields the upstream stream once it is open; a failed handshake
// yields a source whose only event carries the error, so the loop reports
// it to the client. The stream is closed when ctx is done.
func Open(ctx context.Context, sub source.Subscriber, req source.Request) <-chan EventSource {
	init := make(chan EventSource, 1)
	go func() {
		defer close(init)
		stream, err := sub.Subscribe(ctx, req)
		if err != nil {
			if ctx.Err() == nil {
				init <- failed(err)
			}
			return
		}
		init <- stream
		go func() {
			<-ctx.Done()
			stream.Close()
		}()
	}()
	return init
}

type failedSource chan source.Event

func failed(err error) EventSource {
	ch := make(failedSource, 1)
	ch <- source.Event{Err: err}
	close(ch)
	return ch
}

func (f failedSource) Events() <-chan source.Event { return f }
