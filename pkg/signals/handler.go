package signals

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mudler/xlog"
)

var (
	signalHandlers      []func()
	signalHandlersMutex sync.Mutex
	signalHandlersOnce  sync.Once
)

// RegisterGracefulTerminationHandler runs fn when the process receives SIGINT or SIGTERM.
// Handlers run last registered first, then the process exits.
func RegisterGracefulTerminationHandler(fn func()) {
	signalHandlersOnce.Do(func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			s := <-c
			xlog.Info("termination signal received, shutting down", "signal", s.String())
			runHandlers()
			os.Exit(0)
		}()
	})

	signalHandlersMutex.Lock()
	defer signalHandlersMutex.Unlock()
	signalHandlers = append(signalHandlers, fn)
}

func runHandlers() {
	signalHandlersMutex.Lock()
	defer signalHandlersMutex.Unlock()
	for i := len(signalHandlers) - 1; i >= 0; i-- {
		signalHandlers[i]()
	}
}
