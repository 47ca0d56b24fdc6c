package progress

import "io"

// Writer wraps an io.Writer, reports every successful write via OnWrite and
// periodic progress via OnProgress.
type Writer struct {
	Writer         io.Writer
	Total          int64
	OnWrite        func(written int64) error
	OnProgress     func(written int64, total int64)
	written        int64 // cumulative, including the starting offset
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewWriter creates a Writer whose count starts at offset, for appending to a partial file.
func NewWriter(w io.Writer, offset, total, interval int64, onWrite func(int64) error, onProgress func(int64, int64)) *Writer {
	return &Writer{
		Writer:         w,
		Total:          total,
		OnWrite:        onWrite,
		OnProgress:     onProgress,
		written:        offset,
		reportInterval: interval,
	}
}

// Written returns the number of bytes known to be written, including the starting offset.
func (pw *Writer) Written() int64 {
	return pw.written
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		pw.written += int64(n)
		pw.lastReport += int64(n)

		if pw.OnWrite != nil {
			if cbErr := pw.OnWrite(pw.written); cbErr != nil && err == nil {
				err = cbErr
			}
		}

		if pw.OnProgress != nil && (pw.lastReport >= pw.reportInterval || pw.written == pw.Total) {
			pw.OnProgress(pw.written, pw.Total)
			pw.lastReport = 0
		}
	}

	return n, err
}
