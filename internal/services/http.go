package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"homeguard/internal/logger"
)

// serveHTTP serves h on addr until ctx is done, then drains connections
// for at most grace.
func serveHTTP(ctx context.Context, addr string, h http.Handler, grace time.Duration) error {
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WarnKV(ctx, "HTTP server forced to close", "error", err)
			_ = srv.Close()
		}
	}()

	logger.InfoKV(ctx, "HTTP server listening", "addr", lis.Addr().String())

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}

	<-done

	return nil
}
