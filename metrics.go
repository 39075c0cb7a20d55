package pgjson

import (
	metric "github.com/VictoriaMetrics/metrics"
)

// sinkMetrics are registered once per prefix and shared by sinks with the
// same prefix.
type sinkMetrics struct {
	copyBatchDuration *metric.Histogram
	copyBatchSize     *metric.Histogram
	copyBatchBytes    *metric.Counter

	copyRowSuccess     *metric.Counter
	copyBatchSuccess   *metric.Counter
	copyBatchAborted   *metric.Counter
	copyBatchRejected  *metric.Counter
	copyBatchConnError *metric.Counter
}

func newSinkMetrics(prefix string) *sinkMetrics {
	return &sinkMetrics{
		copyBatchDuration: metric.GetOrCreateHistogram(prefix + "CopyBatchDuration"),
		copyBatchSize:     metric.GetOrCreateHistogram(prefix + "CopyBatchSize"),
		copyBatchBytes:    metric.GetOrCreateCounter(prefix + "CopyBatchBytes"),

		copyRowSuccess:     metric.GetOrCreateCounter(prefix + "CopyRowSuccess"),
		copyBatchSuccess:   metric.GetOrCreateCounter(prefix + "CopyBatchSuccess"),
		copyBatchAborted:   metric.GetOrCreateCounter(prefix + "CopyBatchAborted"),
		copyBatchRejected:  metric.GetOrCreateCounter(prefix + "CopyBatchRejected"),
		copyBatchConnError: metric.GetOrCreateCounter(prefix + "CopyBatchConnError"),
	}
}

type outputMetrics struct {
	pushRowSuccess  *metric.Counter
	pushRowOverflow *metric.Counter
	pushRowError    *metric.Counter

	pushBatchSuccess *metric.Counter
	pushBatchError   *metric.Counter
	pushBatchRetries *metric.Counter

	rescueBatchSuccess *metric.Counter
	rescueBatchError   *metric.Counter

	pushRescueBatchSuccess     *metric.Counter
	pushRescueBatchDeleteError *metric.Counter
	pushRescueBatchError       *metric.Counter
}

func newOutputMetrics(prefix string) *outputMetrics {
	return &outputMetrics{
		pushRowSuccess:  metric.GetOrCreateCounter(prefix + "PushRowSuccess"),
		pushRowOverflow: metric.GetOrCreateCounter(prefix + "PushRowOverflow"),
		pushRowError:    metric.GetOrCreateCounter(prefix + "PushRowError"),

		pushBatchSuccess: metric.GetOrCreateCounter(prefix + "PushBatchSuccess"),
		pushBatchError:   metric.GetOrCreateCounter(prefix + "PushBatchError"),
		pushBatchRetries: metric.GetOrCreateCounter(prefix + "PushBatchRetries"),

		rescueBatchSuccess: metric.GetOrCreateCounter(prefix + "RescueBatchSuccess"),
		rescueBatchError:   metric.GetOrCreateCounter(prefix + "RescueBatchError"),

		pushRescueBatchSuccess:     metric.GetOrCreateCounter(prefix + "PushRescueBatchSuccess"),
		pushRescueBatchDeleteError: metric.GetOrCreateCounter(prefix + "PushRescueBatchDeleteError"),
		pushRescueBatchError:       metric.GetOrCreateCounter(prefix + "PushRescueBatchError"),
	}
}
