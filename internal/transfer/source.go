package transfer

import (
	"context"
	"io"

	"github.com/italolelis/seedbox_ingest/internal/telemetry"
)

// Source fetches byte ranges of a remote object identified by an opaque reference.
type Source interface {
	FetchRange(ctx context.Context, ref string, offset, length int64) ([]byte, error)
}

// DefaultChunkSize is the range length requested per FetchRange call.
const DefaultChunkSize int64 = 8 << 20

// RangeReader reads [offset, total) of a remote object by requesting
// successive ranges of at most chunkSize bytes from a Source.
type RangeReader struct {
	ctx       context.Context
	src       Source
	ref       string
	offset    int64
	total     int64
	chunkSize int64
	buf       []byte
}

func NewRangeReader(ctx context.Context, src Source, ref string, offset, total, chunkSize int64) *RangeReader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &RangeReader{
		ctx:       ctx,
		src:       src,
		ref:       ref,
		offset:    offset,
		total:     total,
		chunkSize: chunkSize,
	}
}

func (r *RangeReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.offset >= r.total {
			return 0, io.EOF
		}

		if err := r.ctx.Err(); err != nil {
			return 0, err
		}

		length := min(r.chunkSize, r.total-r.offset)

		data, err := r.src.FetchRange(r.ctx, r.ref, r.offset, length)
		if err != nil {
			return 0, err
		}

		if len(data) == 0 {
			return 0, io.ErrUnexpectedEOF
		}

		if int64(len(data)) > length {
			data = data[:length]
		}

		r.buf = data
		r.offset += int64(len(data))
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]

	return n, nil
}

// InstrumentedSource wraps a Source with telemetry.
type InstrumentedSource struct {
	source     Source
	telemetry  *telemetry.Telemetry
	sourceType string
}

// NewInstrumentedSource creates a new instrumented source.
func NewInstrumentedSource(source Source, tel *telemetry.Telemetry, sourceType string) *InstrumentedSource {
	return &InstrumentedSource{
		source:     source,
		telemetry:  tel,
		sourceType: sourceType,
	}
}

// FetchRange fetches a byte range with telemetry.
func (s *InstrumentedSource) FetchRange(ctx context.Context, ref string, offset, length int64) ([]byte, error) {
	var result []byte

	err := s.telemetry.InstrumentSourceOperation(ctx, s.sourceType, "fetch_range", func(ctx context.Context) error {
		var err error
		result, err = s.source.FetchRange(ctx, ref, offset, length)

		return err
	})

	return result, err
}
