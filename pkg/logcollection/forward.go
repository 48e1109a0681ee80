package logcollection

import (
	"bufio"
	stderrors "errors"
	"io"
	"os"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// StreamType identifies the source stream
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

const (
	// DefaultBufferSize bounds how much of a single line is held before it is written out
	DefaultBufferSize = 64 * 1024

	// DefaultTimestampLayout matches the "time: true" prefix of pm2 log lines
	DefaultTimestampLayout = "2006-01-02T15:04:05"
)

// ForwardOptions controls how a stream is copied to its redirect target
type ForwardOptions struct {
	Stream          StreamType
	BufferSize      int
	TimestampPrefix bool
	TimestampLayout string

	// Now is used for the timestamp prefix; defaults to time.Now
	Now func() time.Time
}

// Forward copies r to w until EOF. Complete lines are written as soon as the
// newline arrives; a line longer than the buffer is written in buffer-sized
// chunks. Only the first chunk of a line receives the timestamp prefix.
// It returns the number of bytes read from r.
func Forward(r io.Reader, w io.Writer, opts ForwardOptions) (int64, error) {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	layout := opts.TimestampLayout
	if layout == "" {
		layout = DefaultTimestampLayout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	reader := bufio.NewReaderSize(r, size)
	atLineStart := true
	var total int64
	var out []byte

	for {
		chunk, readErr := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			total += int64(len(chunk))

			out = out[:0]
			if opts.TimestampPrefix && atLineStart {
				out = now().AppendFormat(out, layout)
				out = append(out, ':', ' ')
			}
			out = append(out, chunk...)

			if _, err := w.Write(out); err != nil {
				return total, errors.NewProcessIOError("failed to write stream output", err).
					WithContext("stream", string(opts.Stream))
			}
			atLineStart = chunk[len(chunk)-1] == '\n'
		}

		if readErr != nil {
			switch {
			case readErr == bufio.ErrBufferFull:
				continue
			case readErr == io.EOF, stderrors.Is(readErr, os.ErrClosed):
				return total, nil
			default:
				return total, errors.NewProcessIOError("failed to read stream", readErr).
					WithContext("stream", string(opts.Stream))
			}
		}
	}
}
