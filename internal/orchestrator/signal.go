package orchestrator

import (
	"io"
	"os"
	"os/signal"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// WatchInterrupt arms a SIGINT handler that closes closer exactly once,
// however many times the user hits Ctrl-C. Mirrors the reference
// client's disconnect(), which nils out its peripheral before calling
// Disconnect so a repeat call is a no-op. Call the returned disarm func
// when the transfer finishes normally.
func WatchInterrupt(closer io.Closer) (disarm func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	var once sync.Once
	closeNow := func() {
		once.Do(func() {
			if err := closer.Close(); err != nil {
				jww.ERROR.Printf("error closing transport: %v", err)
			}
		})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			jww.WARN.Println("interrupted, closing transport")
			closeNow()
		case <-done:
		}
	}()

	return func() {
		close(done)
		signal.Stop(ch)
	}
}
