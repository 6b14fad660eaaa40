package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const helloManifest = "../../scripts/hello/hello.yaml"

func TestRunHelloScript(t *testing.T) {
	out := &syncBuffer{}
	code := run([]string{"-manifest", helloManifest, "-entry", "Program.Main"}, out)
	require.Equal(t, 0, code, out.String())
	assert.Contains(t, out.String(), "crate supplies (10kg)")
	assert.Contains(t, out.String(), "Program.Main returned 10")
}

func TestRunFaultingEntryExitsNonZero(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "fail.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
name: Failing
dependencies: [Engine]
source: |
  function Program.Main() error("no supplies") end
types:
  - name: Program
    methods:
      - {name: Main, static: true}
`), 0644))

	out := &syncBuffer{}
	assert.Equal(t, 1, run([]string{"-manifest", manifest}, out))
	assert.NotContains(t, out.String(), "returned")
}

func TestRunRejectsBadInvocations(t *testing.T) {
	out := &syncBuffer{}
	assert.Equal(t, 2, run([]string{"-no-such-flag"}, out))
	assert.Equal(t, 1, run([]string{"-manifest", helloManifest, "-entry", "Nowhere.Main"}, out))
	assert.Equal(t, 1, run([]string{"-manifest", helloManifest, "-entry", "Main"}, out))
	assert.Equal(t, 1, run([]string{"-manifest", filepath.Join(t.TempDir(), "missing.yaml")}, out))
}
