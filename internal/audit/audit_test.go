package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendWritesOneLinePerEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	log := NewLog(path)

	require.NoError(t, log.Append(map[string]any{"n": 1}))
	require.NoError(t, log.Append(map[string]any{"n": 2}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		got = append(got, entry.N)
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []int{1, 2}, got)
}

func TestAppendRejectsUnmarshalable(t *testing.T) {
	log := NewLog(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.Error(t, log.Append(map[string]any{"ch": make(chan int)}))
}
