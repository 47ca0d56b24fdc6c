package progress

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_ReportsFromOffset(t *testing.T) {
	var (
		buf     bytes.Buffer
		writes  []int64
		reports []int64
	)

	w := NewWriter(&buf, 10, 20, 4,
		func(written int64) error {
			writes = append(writes, written)

			return nil
		},
		func(written, total int64) {
			assert.Equal(t, int64(20), total)
			reports = append(reports, written)
		},
	)

	for _, chunk := range []string{"ab", "cd", "ef", "ghij"} {
		_, err := w.Write([]byte(chunk))
		require.NoError(t, err)
	}

	assert.Equal(t, "abcdefghij", buf.String())
	assert.Equal(t, []int64{12, 14, 16, 20}, writes)
	assert.Equal(t, []int64{14, 20}, reports)
	assert.Equal(t, int64(20), w.Written())
}

func TestWriter_CallbackErrorStopsCopy(t *testing.T) {
	boom := errors.New("boom")
	w := NewWriter(&bytes.Buffer{}, 0, 10, 100, func(int64) error { return boom }, nil)

	n, err := w.Write([]byte("abc"))
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, boom)
}
