package console

import (
	"bytes"
	"os"
	"testing"

	"github.com/dreamware/tablesync/internal/value"
	"github.com/stretchr/testify/assert"
)

// TestRendererColor tests that escape codes only appear when enabled
func TestRendererColor(t *testing.T) {
	table := map[string]value.Value{"k": value.Array(value.String("a"), value.Null())}

	var plain bytes.Buffer
	NewRenderer(&plain, false).Table(table)
	assert.Equal(t, "k  [\"a\", null]\n", plain.String())

	var colored bytes.Buffer
	NewRenderer(&colored, true).Table(table)
	assert.Contains(t, colored.String(), "\x1b[")
	assert.Contains(t, colored.String(), `["a", null]`)
}

// TestIsTerminal tests terminal detection on a regular file
func TestIsTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	defer f.Close()
	assert.False(t, IsTerminal(f))
}
