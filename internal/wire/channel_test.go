package wire

import (
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
)

func quietChannel(role string) *Channel {
	return &Channel{role: role, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestCancelDuringDispatchDoesNotPanic(t *testing.T) {
	c := quietChannel("iopub")
	msg := &Message{Header: NewHeader(MsgStream, "s")}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.dispatch(msg)
			}
		}
	}()

	// Subscribe and cancel while the fan-out is hot. An unsynchronized
	// close would panic the dispatcher goroutine here.
	for i := 0; i < 500; i++ {
		sub := c.Subscribe()
		runtime.Gosched()
		sub.Cancel()
		for range sub.C() {
		}
	}
	close(stop)
	wg.Wait()
}

func TestCancelTwiceIsSafe(t *testing.T) {
	c := quietChannel("shell")
	sub := c.Subscribe()
	sub.Cancel()
	sub.Cancel()
	if _, ok := <-sub.C(); ok {
		t.Fatal("cancelled subscription still delivers")
	}
}

func TestDispatchAfterCancelIsDropped(t *testing.T) {
	c := quietChannel("iopub")
	sub := c.Subscribe()
	sub.Cancel()
	c.dispatch(&Message{Header: NewHeader(MsgStream, "s")})
	if _, ok := <-sub.C(); ok {
		t.Fatal("message delivered after cancellation")
	}
}

func TestSubscribeAfterChannelClosed(t *testing.T) {
	c := quietChannel("shell")
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	sub := c.Subscribe()
	if _, ok := <-sub.C(); ok {
		t.Fatal("subscription on a closed channel delivers")
	}
	sub.Cancel()
}
