package core

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	entries := []NamedValue{
		{Name: "mu", Value: Scalar(1.5)},
		{Name: "rates", Value: Value{0.1, 0.2, 0.7}},
		{Name: "empty", Value: Value{}},
	}

	data, err := EncodeCheckpoint(entries)
	require.NoError(t, err)

	got, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	require.Len(t, got, len(entries))
	for i := range entries {
		assert.Equal(t, entries[i].Name, got[i].Name)
		assert.True(t, entries[i].Value.Equal(got[i].Value), "entry %s", entries[i].Name)
	}
}

func TestCheckpointCorruption(t *testing.T) {
	t.Parallel()
	data, err := EncodeCheckpoint([]NamedValue{{Name: "mu", Value: Scalar(1)}})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"too short", func(b []byte) []byte { return b[:4] }},
		{"bad magic", func(b []byte) []byte { b[0] ^= 0xFF; return b }},
		{"bad version", func(b []byte) []byte { b[4] = 9; return b }},
		{"flipped payload", func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corrupted := tt.mutate(append([]byte(nil), data...))
			_, err := DecodeCheckpoint(corrupted)
			assert.Error(t, err)
		})
	}
}

// sealed wraps body in a valid header so only the entry decoding can reject it
func sealed(t *testing.T, count uint32, body []byte) []byte {
	t.Helper()
	out := &bytes.Buffer{}
	header := CheckpointHeader{
		Magic:    CheckpointMagic,
		Version:  CheckpointVersion,
		Count:    count,
		Checksum: crc32.ChecksumIEEE(body),
	}
	require.NoError(t, binary.Write(out, binary.LittleEndian, header))
	out.Write(body)
	return out.Bytes()
}

func TestCheckpointOversizedEntry(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body []byte
	}{
		{"value count", []byte{2, 0, 'm', 'u', 0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}},
		{"name length", []byte{0xFF, 0xFF, 'm', 'u'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCheckpoint(sealed(t, 1, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "exceeds")
		})
	}
}
