package tools

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzaki/scanward/internal/proc"
)

// fakeRunner records every spec it receives and answers with a scripted
// result, standing in for the process supervisor.
type fakeRunner struct {
	mu    sync.Mutex
	specs []proc.Spec
	run   func(spec proc.Spec) (*proc.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, spec proc.Spec) (*proc.Result, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(spec)
	}
	return &proc.Result{ExitCode: 0}, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeRunner) lastSpec(t *testing.T) proc.Spec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.specs, "runner was never invoked")
	return f.specs[len(f.specs)-1]
}

func stdoutRunner(stdout string) *fakeRunner {
	return &fakeRunner{run: func(proc.Spec) (*proc.Result, error) {
		return &proc.Result{ExitCode: 0, Stdout: stdout}, nil
	}}
}

func TestDecodeJSONLinesSkipsGarbage(t *testing.T) {
	output := `
subfinder banner, not json
{"host":"a.example.com","source":"crtsh"}
{"host":"b.example.com",BROKEN
{"host":"c.example.com","source":"wayback"}

[WRN] rate limited
`
	results := decodeJSONLines[SubfinderResult](output, nil, "subfinder")

	require.Len(t, results, 2)
	assert.Equal(t, "a.example.com", results[0].Host)
	assert.Equal(t, "crtsh", results[0].Source)
	assert.Equal(t, "c.example.com", results[1].Host)
}

func TestPlainLinesTrimsAndDropsEmpties(t *testing.T) {
	lines := plainLines("  a.example.com  \n\n\tb.example.com\n")
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, lines)
}

func TestStdinList(t *testing.T) {
	assert.Nil(t, stdinList(nil))
	assert.Equal(t, []byte("a\nb\n"), stdinList([]string{"a", "b"}))
}
