package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenset/pretrain/data"
)

func writeVocab(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	v, err := Load(writeVocab(t, "[PAD]\n[UNK]\n[CLS]\nhello\nworld\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, v.Size())
	assert.Equal(t, int32(0), v.ID("[PAD]"))
	assert.Equal(t, int32(3), v.ID("hello"))
	assert.Equal(t, int32(-1), v.ID("missing"))

	token, err := v.Token(4)
	require.NoError(t, err)
	assert.Equal(t, "world", token)
	_, err = v.Token(5)
	require.ErrorContains(t, err, "out of range")
}

func TestLoadSkipsBlankLines(t *testing.T) {
	v, err := Load(writeVocab(t, "a\n\nb\n\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, v.Size())
}

func TestLoadRejectsDuplicates(t *testing.T) {
	_, err := Load(writeVocab(t, "a\nb\na\n"))
	require.ErrorContains(t, err, `duplicate token "a"`)
}

func TestLoadRejectsEmptyFile(t *testing.T) {
	_, err := Load(writeVocab(t, ""))
	require.ErrorContains(t, err, "is empty")
}

func TestCountLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.pt")
	records := []data.Record{
		{Src: []int32{1, 2}, Targets: [][]int32{{0}}, Seg: []int32{1, 1}},
		{Src: []int32{3, 4}, Targets: [][]int32{{2}}, Seg: []int32{1, 1}},
		{Src: []int32{5, 6}, Targets: [][]int32{{0}}, Seg: []int32{1, 1}},
	}
	require.NoError(t, data.WriteRecords(path, records))

	labels, err := CountLabels(path)
	require.NoError(t, err)
	assert.Equal(t, 2, labels)
}
