package pgjson

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aradilov/batcher"
	"github.com/google/uuid"
	"github.com/valyala/fastrand"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout       = time.Minute
	defaultMaxBatchSize       = 10000
	defaultMaxBatchDelay      = 5 * time.Second
	defaultMaxRetries         = 5
	defaultRetryDelay         = time.Second
	defaultRescuePushInterval = time.Minute
)

// ErrOverflow is returned by Emit when the buffer cannot accept more rows.
var ErrOverflow = errors.New("buffer overflow: row dropped")

// OutputConfig controls buffering and retries in front of a BatchWriter.
type OutputConfig struct {
	// MaxBatchSize is the maximum number of tuples in each batch.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxBatchDelay is the maximum delay before a batch is flushed.
	MaxBatchDelay time.Duration `yaml:"max_batch_delay"`

	// WriteTimeout bounds a single write of a batch, connection included.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxRetries is the number of write attempts before a batch is given up.
	MaxRetries uint `yaml:"max_retries"`

	// RetryDelay is the base pause between attempts. A random jitter of up
	// to RetryDelay is added.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Batches that exhausted their retries are dropped if RescueDir is empty.
	RescueDir string `yaml:"rescue_dir"`

	// RescuePushInterval is how often RescueDir is scanned for chunks to
	// resubmit. A negative value disables resubmission.
	RescuePushInterval time.Duration `yaml:"rescue_push_interval"`
}

// DefaultOutputConfig returns the buffering defaults.
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		MaxBatchSize:       defaultMaxBatchSize,
		MaxBatchDelay:      defaultMaxBatchDelay,
		WriteTimeout:       defaultWriteTimeout,
		MaxRetries:         defaultMaxRetries,
		RetryDelay:         defaultRetryDelay,
		RescuePushInterval: defaultRescuePushInterval,
	}
}

// BatchWriter is the destination of flushed batches. *Sink implements it.
type BatchWriter interface {
	Write(ctx context.Context, batch []Tuple) error
	Shutdown(ctx context.Context) error
}

// Output buffers emitted tuples and flushes them to a BatchWriter, one batch
// at a time.
type Output struct {
	OutputConfig

	w   BatchWriter
	log *zap.Logger

	*outputMetrics

	eb      *batcher.BytesBatcher
	started atomic.Bool

	// mu serializes writes and the final shutdown of w.
	mu sync.Mutex

	skipRescuedFiles map[string]bool

	stopCh      chan struct{}
	stopOnce    sync.Once
	shutdownErr error
	wg          sync.WaitGroup

	// lastError holds an errorBox; atomic.Value needs one concrete type.
	lastError   atomic.Value
	errorsCount uint32
}

type errorBox struct{ err error }

// NewOutput returns an Output that flushes into w and starts the rescued
// chunk pusher when RescueDir is set.
func NewOutput(cfg OutputConfig, w BatchWriter, metricPrefix string, log *zap.Logger) *Output {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Output{
		OutputConfig:     cfg,
		w:                w,
		log:              log,
		outputMetrics:    newOutputMetrics(metricPrefix),
		skipRescuedFiles: make(map[string]bool),
		stopCh:           make(chan struct{}),
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = defaultMaxBatchSize
	}
	if o.MaxBatchDelay <= 0 {
		o.MaxBatchDelay = defaultMaxBatchDelay
	}

	// A single lane keeps batches for one target strictly sequential.
	o.eb = &batcher.BytesBatcher{
		BatchFunc:    o.pushChunk,
		MaxBatchSize: o.MaxBatchSize,
		MaxDelay:     o.MaxBatchDelay,
	}

	if len(o.RescueDir) > 0 && o.RescuePushInterval >= 0 {
		o.wg.Add(1)
		go o.rescuedDirPusher()
	}
	return o
}

// Emit formats a tuple and queues it for the next batch.
func (o *Output) Emit(tag string, t float64, record map[string]any) error {
	if _, err := EpochTime(t); err != nil {
		o.pushRowError.Inc()
		return err
	}
	b, err := Format(tag, t, record)
	if err != nil {
		o.pushRowError.Inc()
		return err
	}

	o.started.Store(true)
	if !o.eb.Push(func(dst []byte, rows int) []byte {
		return append(dst, b...)
	}) {
		o.pushRowOverflow.Inc()
		return ErrOverflow
	}
	o.pushRowSuccess.Inc()
	return nil
}

// GetPushFailure returns the total number of rows that failed to reach the
// table for any reason.
func (o *Output) GetPushFailure() uint64 {
	return o.pushRowOverflow.Get() + o.pushRowError.Get()
}

// Stop flushes pending rows, stops the rescued chunk pusher and shuts the
// writer down. It returns the last write error and the number of failed
// batches. Later calls only return the same results.
func (o *Output) Stop(ctx context.Context) (err error, errorsCount int) {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		if o.started.Load() {
			o.eb.Stop()
		}
		o.wg.Wait()

		o.mu.Lock()
		o.shutdownErr = o.w.Shutdown(ctx)
		o.mu.Unlock()
	})

	if v := o.lastError.Load(); v != nil {
		err = v.(errorBox).err
	} else {
		err = o.shutdownErr
	}
	return err, int(atomic.LoadUint32(&o.errorsCount))
}

// pushChunk is called by the batcher with a chunk of formatted tuples.
func (o *Output) pushChunk(chunk []byte, itemsCount int) {
	log := o.log.With(zap.String("chunk_id", uuid.NewString()), zap.Int("rows", itemsCount))

	tuples, err := DecodeChunk(chunk)
	if err != nil {
		log.Error("cannot decode chunk", zap.Error(err))
		o.failBatch(err, itemsCount)
		o.rescueChunk(chunk)
		return
	}

	attemptsCount := uint(0)
	for {
		rest, err := o.writeTuples(tuples, log)
		if err == nil {
			o.pushBatchSuccess.Inc()
			return
		}
		if len(rest) < len(tuples) {
			tuples = rest
			chunk = nil
		}

		attemptsCount++
		if attemptsCount >= o.MaxRetries {
			log.Error("cannot write batch", zap.Uint("attempts", attemptsCount), zap.Error(err))
			o.failBatch(err, len(tuples))
			if chunk == nil {
				chunk, err = FormatChunk(tuples)
				if err != nil {
					log.Error("cannot format chunk for rescue", zap.Error(err))
					return
				}
			}
			o.rescueChunk(chunk)
			return
		}

		log.Warn("batch write failed, retrying", zap.Uint("attempt", attemptsCount), zap.Error(err))
		o.pushBatchRetries.Inc()
		time.Sleep(o.retryDelay())
	}
}

// writeTuples writes tuples as one batch. A tuple the encoder rejects fails
// every attempt the same way, so it is dropped and the rest is written again
// at once. writeTuples returns the tuples left unwritten.
func (o *Output) writeTuples(tuples []Tuple, log *zap.Logger) ([]Tuple, error) {
	for len(tuples) > 0 {
		err := o.writeBatch(tuples)
		if err == nil {
			return nil, nil
		}

		var streamErr *StreamingError
		if !errors.As(err, &streamErr) || streamErr.Index < 0 || streamErr.Index >= len(tuples) {
			return tuples, err
		}
		i := streamErr.Index
		log.Error("dropping row that cannot be encoded",
			zap.Int("row", i), zap.String("tag", tuples[i].Tag), zap.Error(err))
		o.pushRowError.Inc()
		tuples = append(tuples[:i:i], tuples[i+1:]...)
	}
	return nil, nil
}

func (o *Output) retryDelay() time.Duration {
	d := o.RetryDelay
	if d <= 0 {
		d = defaultRetryDelay
	}
	jitter := time.Duration(fastrand.Uint32n(uint32(d/time.Millisecond)+1)) * time.Millisecond
	return d + jitter
}

func (o *Output) failBatch(err error, itemsCount int) {
	o.pushRowError.Add(itemsCount)
	o.pushBatchError.Inc()
	o.lastError.Store(errorBox{err})
	atomic.AddUint32(&o.errorsCount, 1)
}

func (o *Output) writeBatch(tuples []Tuple) error {
	writeTimeout := o.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}
	ctx, cancelFunc := context.WithTimeout(context.Background(), writeTimeout)
	defer cancelFunc()

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(ctx, tuples)
}
