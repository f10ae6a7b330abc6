package chaos

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf(`{"symbol":"EURUSD","bid":1.1,"ask":1.1001,"seq":%d}`, i))
	}
	return out
}

func TestPassThrough(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1})
	require.NoError(t, err)
	for _, rec := range records(20) {
		out := e.Process(rec)
		require.Len(t, out, 1)
		assert.Equal(t, rec, out[0])
	}
	assert.Nil(t, e.Flush())

	var nilEngine *Engine
	assert.Len(t, nilEngine.Process([]byte("x")), 1)
}

func TestDropAndDuplicate(t *testing.T) {
	e, err := NewEngine(Config{Seed: 7, DropRate: 1})
	require.NoError(t, err)
	assert.Nil(t, e.Process([]byte(`{}`)))

	e, err = NewEngine(Config{Seed: 7, DuplicateRate: 1})
	require.NoError(t, err)
	out := e.Process([]byte(`{"a":1}`))
	require.Len(t, out, 2)
	assert.Equal(t, out[0], out[1])
}

func TestReorderKeepsEveryRecord(t *testing.T) {
	e, err := NewEngine(Config{Seed: 42, ReorderWindow: 4})
	require.NoError(t, err)
	in := records(10)
	var got [][]byte
	for _, rec := range in {
		got = append(got, e.Process(rec)...)
	}
	got = append(got, e.Flush()...)
	require.Len(t, got, len(in))
	assert.ElementsMatch(t, in, got)
}

func TestCorruptChangesRecord(t *testing.T) {
	e, err := NewEngine(Config{Seed: 3, CorruptRate: 1})
	require.NoError(t, err)
	for _, rec := range records(30) {
		orig := append([]byte(nil), rec...)
		out := e.Process(rec)
		require.Len(t, out, 1)
		if bytes.Equal(out[0], orig) {
			t.Fatalf("record not corrupted: %s", orig)
		}
		assert.Equal(t, orig, rec, "input must not be modified")
	}
}

func TestChunkReassembles(t *testing.T) {
	e, err := NewEngine(Config{Seed: 9, MaxSplits: 5})
	require.NoError(t, err)
	buf := bytes.Join(records(5), []byte("\n"))
	for i := 0; i < 50; i++ {
		pieces := e.Chunk(buf)
		require.LessOrEqual(t, len(pieces), 6)
		for _, p := range pieces {
			require.NotEmpty(t, p)
		}
		assert.Equal(t, buf, bytes.Join(pieces, nil))
	}
}

func TestConfigValidate(t *testing.T) {
	_, err := NewEngine(Config{DropRate: 1.5})
	assert.Error(t, err)
	_, err = NewEngine(Config{MaxSplits: -1})
	assert.Error(t, err)
}
