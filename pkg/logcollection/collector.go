package logcollection

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

const maxRecordedErrors = 10

// StreamCollector runs one copy loop per output stream of a managed process
type StreamCollector struct {
	processID string
	logger    logging.Logger

	mu             sync.Mutex
	bytesForwarded map[StreamType]int64
	lastActivity   time.Time
	errors         []string

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// CollectorStatus is a snapshot of a StreamCollector
type CollectorStatus struct {
	ProcessID      string
	BytesForwarded map[StreamType]int64
	LastActivity   time.Time
	Errors         []string
}

func NewStreamCollector(processID string, logger logging.Logger) *StreamCollector {
	return &StreamCollector{
		processID:      processID,
		logger:         logger,
		bytesForwarded: make(map[StreamType]int64),
		errors:         make([]string, 0),
		done:           make(chan struct{}),
	}
}

// CollectFromStream starts forwarding stream to target on its own goroutine.
// The stream is closed when forwarding ends.
func (c *StreamCollector) CollectFromStream(stream io.ReadCloser, target io.Writer, opts ForwardOptions) {
	c.wg.Add(1)
	go c.streamReader(stream, target, opts)
}

func (c *StreamCollector) streamReader(stream io.ReadCloser, target io.Writer, opts ForwardOptions) {
	defer c.wg.Done()
	defer stream.Close()

	n, err := Forward(stream, &activityWriter{c: c, w: target}, opts)

	c.mu.Lock()
	c.bytesForwarded[opts.Stream] += n
	c.mu.Unlock()

	if err != nil {
		// Output loss never interrupts supervision
		c.logger.Warnf("Stream forwarding failed, process: %s, stream: %s, error: %v", c.processID, opts.Stream, err)
		c.recordError(fmt.Sprintf("%s: %v", opts.Stream, err))
		// Keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, stream)
		return
	}

	c.logger.Debugf("Stream closed, process: %s, stream: %s, bytes: %d", c.processID, opts.Stream, n)
}

// Seal must be called once all streams have been registered; Done closes
// after every registered copy loop has finished.
func (c *StreamCollector) Seal() {
	c.once.Do(func() {
		go func() {
			c.wg.Wait()
			close(c.done)
		}()
	})
}

func (c *StreamCollector) Done() <-chan struct{} {
	return c.done
}

func (c *StreamCollector) Status() CollectorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	bytes := make(map[StreamType]int64, len(c.bytesForwarded))
	for k, v := range c.bytesForwarded {
		bytes[k] = v
	}
	errorsCopy := make([]string, len(c.errors))
	copy(errorsCopy, c.errors)

	return CollectorStatus{
		ProcessID:      c.processID,
		BytesForwarded: bytes,
		LastActivity:   c.lastActivity,
		Errors:         errorsCopy,
	}
}

func (c *StreamCollector) recordError(errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errors = append(c.errors, fmt.Sprintf("%s: %s", time.Now().Format(time.RFC3339), errMsg))
	if len(c.errors) > maxRecordedErrors {
		c.errors = c.errors[len(c.errors)-maxRecordedErrors:]
	}
}

type activityWriter struct {
	c *StreamCollector
	w io.Writer
}

func (a *activityWriter) Write(p []byte) (int, error) {
	a.c.mu.Lock()
	a.c.lastActivity = time.Now()
	a.c.mu.Unlock()
	return a.w.Write(p)
}
