package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFileAndAssemble(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 20<<10) // 160 KiB, 3 chunks
	chunks, err := SplitFile("notes.txt", data)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)

	a := NewAssembler()
	for i, c := range chunks {
		file, err := a.Add(c)
		require.NoError(t, err)
		if i < len(chunks)-1 {
			assert.Nil(t, file)
		} else {
			require.NotNil(t, file)
			assert.Equal(t, "notes.txt", file.Name)
			assert.Equal(t, data, file.Data)
		}
	}
}

func TestAssembleOutOfOrder(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 3*MaxFileChunkBytes)
	chunks, err := SplitFile("blob", data)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	a := NewAssembler()
	for _, i := range []int{2, 0, 1} {
		file, err := a.Add(chunks[i])
		require.NoError(t, err)
		if i == 1 {
			require.NotNil(t, file)
			assert.Equal(t, data, file.Data)
		} else {
			assert.Nil(t, file)
		}
	}
}

func TestAssemblerIgnoresDuplicateChunk(t *testing.T) {
	chunks, err := SplitFile("f", bytes.Repeat([]byte{1}, 2*MaxFileChunkBytes))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	a := NewAssembler()
	_, err = a.Add(chunks[0])
	require.NoError(t, err)
	_, err = a.Add(chunks[0])
	require.NoError(t, err)
	file, err := a.Add(chunks[1])
	require.NoError(t, err)
	require.NotNil(t, file)
}

func TestSplitFileEmpty(t *testing.T) {
	chunks, err := SplitFile("empty", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	a := NewAssembler()
	file, err := a.Add(chunks[0])
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Empty(t, file.Data)
}

func TestSplitFileTooLarge(t *testing.T) {
	_, err := SplitFile("big", make([]byte, MaxFileBytes+1))
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestAssemblerRejectsBadChunks(t *testing.T) {
	a := NewAssembler()

	_, err := a.Add([]byte("not json"))
	assert.ErrorIs(t, err, ErrBadChunk)

	bad, _ := json.Marshal(FileChunk{FileID: "x", Index: 3, Total: 2, Data: []byte{1}})
	_, err = a.Add(bad)
	assert.ErrorIs(t, err, ErrBadChunk)

	bad2, _ := json.Marshal(FileChunk{FileID: "", Index: 0, Total: 1})
	_, err = a.Add(bad2)
	assert.ErrorIs(t, err, ErrBadChunk)
}
