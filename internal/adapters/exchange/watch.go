package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// pollWatcher turns REST fetch closures into lazy watch streams. Each
// watch runs its own goroutine and closes the channel on cancellation
// or on close() of the owning adapter.
type pollWatcher struct {
	interval    time.Duration
	restTimeout time.Duration
	mu          sync.Mutex
	cancels     []context.CancelFunc
	wg          sync.WaitGroup
	closed      bool
}

func newPollWatcher(restTimeout time.Duration) *pollWatcher {
	if restTimeout <= 0 {
		restTimeout = 10 * time.Second
	}
	return &pollWatcher{
		// Poll at a rate useful for 500ms-2s consumers without
		// hammering the REST quota.
		interval:    1 * time.Second,
		restTimeout: restTimeout,
	}
}

func (w *pollWatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.restTimeout)
}

func (w *pollWatcher) register(ctx context.Context) (context.Context, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, false
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancels = append(w.cancels, cancel)
	return ctx, true
}

func (w *pollWatcher) watchTicker(ctx context.Context, symbol string, fetch func(context.Context) (*models.Ticker, error)) (<-chan models.Ticker, error) {
	ctx, ok := w.register(ctx)
	if !ok {
		return nil, wrap(KindNetwork, context.Canceled)
	}

	out := make(chan models.Ticker, 16)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(out)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			fetchCtx, cancel := w.withTimeout(ctx)
			t, err := fetch(fetchCtx)
			cancel()
			if err != nil {
				if !Retryable(err) {
					logger.Warn("ticker watch stopped",
						zap.String("symbol", symbol),
						zap.Error(err),
					)
					return
				}
			} else {
				select {
				case out <- *t:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out, nil
}

func (w *pollWatcher) watchOHLCV(ctx context.Context, symbol, timeframe string, fetch func(context.Context) ([]models.Candle, error)) (<-chan models.Candle, error) {
	ctx, ok := w.register(ctx)
	if !ok {
		return nil, wrap(KindNetwork, context.Canceled)
	}

	out := make(chan models.Candle, 64)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(out)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		var lastTs time.Time
		var lastClose float64

		for {
			fetchCtx, cancel := w.withTimeout(ctx)
			candles, err := fetch(fetchCtx)
			cancel()
			if err != nil {
				if !Retryable(err) {
					logger.Warn("ohlcv watch stopped",
						zap.String("symbol", symbol),
						zap.String("timeframe", timeframe),
						zap.Error(err),
					)
					return
				}
			}

			for _, c := range candles {
				// Re-emit only fresh bars and in-place updates of
				// the current bar.
				if c.Timestamp.Before(lastTs) {
					continue
				}
				if c.Timestamp.Equal(lastTs) && c.Close == lastClose {
					continue
				}
				lastTs = c.Timestamp
				lastClose = c.Close

				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out, nil
}

// close cancels every outstanding watch and waits for the goroutines.
func (w *pollWatcher) close() {
	w.mu.Lock()
	w.closed = true
	cancels := w.cancels
	w.cancels = nil
	w.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	w.wg.Wait()
}
