package proc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzaki/scanward/internal/faults"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"plain", "nmap -sV host", []string{"nmap", "-sV", "host"}},
		{"single quotes", "sh -c 'echo hi there'", []string{"sh", "-c", "echo hi there"}},
		{"double quotes", `grep "a b" file`, []string{"grep", "a b", "file"}},
		{"escaped space", `echo a\ b`, []string{"echo", "a b"}},
		{"escaped quote in double", `echo "say \"hi\""`, []string{"echo", `say "hi"`}},
		{"empty arg", `echo '' end`, []string{"echo", "", "end"}},
		{"collapsed whitespace", "a   b\t c", []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Tokenize(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenizeErrors(t *testing.T) {
	for _, line := range []string{"echo 'open", `echo "open`, `echo trailing\`} {
		_, err := Tokenize(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	sup := NewSupervisor(nil)

	var lines []string
	res, err := sup.Run(context.Background(), Spec{
		Line:     `sh -c 'printf "one\ntwo\n"; printf "warn\n" >&2'`,
		OnStdout: func(l string) { lines = append(lines, l) },
		Tag:      "test",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "one\ntwo\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestRunNonZeroExit(t *testing.T) {
	sup := NewSupervisor(nil)

	res, err := sup.Run(context.Background(), Spec{
		Argv: []string{"sh", "-c", "echo partial; exit 3"},
		Tag:  "test",
	})
	require.Error(t, err)
	assert.Equal(t, faults.ToolExitNonZero, faults.KindOf(err))
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout, "partial output survives a failed exit")
}

func TestRunSpawnFailure(t *testing.T) {
	sup := NewSupervisor(nil)

	_, err := sup.Run(context.Background(), Spec{
		Argv: []string{"definitely-not-a-binary-scanward"},
		Tag:  "test",
	})
	require.Error(t, err)
	assert.Equal(t, faults.ToolSpawnFailed, faults.KindOf(err))
}

func TestRunTimeoutReportsMinusOne(t *testing.T) {
	sup := NewSupervisor(nil)

	start := time.Now()
	res, err := sup.Run(context.Background(), Spec{
		Argv:    []string{"sleep", "10"},
		Timeout: 200 * time.Millisecond,
		Tag:     "test",
	})
	require.Error(t, err)
	assert.Equal(t, faults.ToolTimeout, faults.KindOf(err))
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 8*time.Second, "terminate must not wait for the child's natural exit")
}

func TestStopTerminatesTrackedChildren(t *testing.T) {
	sup := NewSupervisor(nil)

	done := make(chan error, 1)
	go func() {
		_, err := sup.Run(context.Background(), Spec{
			Argv: []string{"sleep", "30"},
			Tag:  "test",
		})
		done <- err
	}()

	// Give the child a moment to start before stopping.
	time.Sleep(200 * time.Millisecond)
	sup.Stop()

	select {
	case err := <-done:
		assert.Equal(t, faults.StopRequested, faults.KindOf(err))
	case <-time.After(8 * time.Second):
		t.Fatal("stop did not terminate the child in time")
	}
}

func TestStopRacingSpawnStillTerminatesChild(t *testing.T) {
	sup := NewSupervisor(nil)

	done := make(chan error, 1)
	go func() {
		_, err := sup.Run(context.Background(), Spec{
			Argv: []string{"sleep", "30"},
			Tag:  "test",
		})
		done <- err
	}()

	// Stop immediately, racing the spawn. Whether the stop lands before
	// the child starts or right after, the run must end as stopped and
	// the child must not run to its natural exit.
	sup.Stop()

	select {
	case err := <-done:
		assert.Equal(t, faults.StopRequested, faults.KindOf(err))
	case <-time.After(8 * time.Second):
		t.Fatal("child outlived the stop")
	}
}

func TestRunAfterStopRefusesToSpawn(t *testing.T) {
	sup := NewSupervisor(nil)
	sup.Stop()

	_, err := sup.Run(context.Background(), Spec{Argv: []string{"true"}, Tag: "test"})
	assert.Equal(t, faults.StopRequested, faults.KindOf(err))
}

func TestPauseThrottlesConsumptionButChildSurvives(t *testing.T) {
	sup := NewSupervisor(nil)
	sup.Pause()

	done := make(chan struct{})
	var res *Result
	go func() {
		defer close(done)
		res, _ = sup.Run(context.Background(), Spec{
			Argv: []string{"sh", "-c", "echo alive"},
			Tag:  "test",
		})
	}()

	// While paused the reader should not finish even though the child
	// already wrote its line.
	select {
	case <-done:
		t.Fatal("run finished while supervisor was paused")
	case <-time.After(300 * time.Millisecond):
	}

	sup.Resume()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	require.NotNil(t, res)
	assert.Equal(t, "alive\n", res.Stdout)
}

func TestObserveReceivesOutcome(t *testing.T) {
	sup := NewSupervisor(nil)

	var gotTag, gotOutcome string
	sup.Observe = func(tag, outcome string, _ time.Duration) {
		gotTag, gotOutcome = tag, outcome
	}

	_, err := sup.Run(context.Background(), Spec{Argv: []string{"true"}, Tag: "probe"})
	require.NoError(t, err)
	assert.Equal(t, "probe", gotTag)
	assert.Equal(t, "ok", gotOutcome)
}
