package clickhouse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/models"
)

// FeatureBatchWriter buffers feature rows and writes them to ClickHouse
// in batches, by size or by age, whichever comes first. It implements
// the feature store's history sink; a write failure drops the batch
// with a log line, history is best effort.
type FeatureBatchWriter struct {
	repo     *Repository
	maxBatch int
	maxWait  time.Duration

	mu     sync.Mutex
	buffer []featureRecord

	flushTicker *time.Ticker
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewFeatureBatchWriter creates the writer and starts its flush loop.
func NewFeatureBatchWriter(repo *Repository, maxBatch int, maxWait time.Duration) *FeatureBatchWriter {
	ctx, cancel := context.WithCancel(context.Background())

	bw := &FeatureBatchWriter{
		repo:        repo,
		maxBatch:    maxBatch,
		maxWait:     maxWait,
		buffer:      make([]featureRecord, 0, maxBatch),
		flushTicker: time.NewTicker(maxWait),
		ctx:         ctx,
		cancel:      cancel,
	}

	bw.wg.Add(1)
	go bw.autoFlush()

	return bw
}

// Append buffers the rows of one bot. Implements features.HistoryWriter.
func (bw *FeatureBatchWriter) Append(ctx context.Context, botID string, rows []models.FeatureRow) error {
	bw.mu.Lock()
	for _, row := range rows {
		bw.buffer = append(bw.buffer, featureRecord{BotID: botID, Row: row})
	}
	shouldFlush := len(bw.buffer) >= bw.maxBatch
	bw.mu.Unlock()

	if shouldFlush {
		bw.flush()
	}
	return nil
}

func (bw *FeatureBatchWriter) autoFlush() {
	defer bw.wg.Done()

	for {
		select {
		case <-bw.flushTicker.C:
			bw.flush()
		case <-bw.ctx.Done():
			// Final flush before exit.
			bw.flush()
			return
		}
	}
}

func (bw *FeatureBatchWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toWrite := make([]featureRecord, len(bw.buffer))
	copy(toWrite, bw.buffer)
	bw.buffer = bw.buffer[:0]
	bw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := bw.repo.SaveFeatureRows(ctx, toWrite); err != nil {
		logger.Error("failed to flush feature batch to ClickHouse",
			zap.Int("records", len(toWrite)),
			zap.Error(err),
		)
	}
}

// Close stops the writer and flushes remaining data.
func (bw *FeatureBatchWriter) Close() error {
	bw.flushTicker.Stop()
	bw.cancel()
	bw.wg.Wait()
	return nil
}
