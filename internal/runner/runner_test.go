package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawmux/clawmux/internal/model"
)

// writeLauncher writes an executable fake sandbox launcher script.
func writeLauncher(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "launcher.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestRunner(t *testing.T, launcher string, mut func(cfg *ProcessRunnerConfig)) *ProcessRunner {
	t.Helper()

	cfg := ProcessRunnerConfig{
		LauncherPath:     launcher,
		DefaultDeadline:  5 * time.Second,
		GracePeriod:      100 * time.Millisecond,
		ProgressInterval: time.Nanosecond, // Effectively unthrottled for tests.
	}
	if mut != nil {
		mut(&cfg)
	}

	r, err := NewProcessRunner(cfg)
	require.NoError(t, err)
	return r
}

func testSpec() RunSpec {
	return RunSpec{
		RunID:   "run01",
		Tenant:  model.Tenant{ID: "t1", Role: model.RoleStandard},
		Request: model.ExecutionRequest{TenantID: "t1", ChannelID: "c1", Prompt: "hello"},
	}
}

const sentinelDoc = `cat >/dev/null
echo '{"looks":"like json but is not the result"}'
echo '-----CLAWMUX-RESULT-BEGIN-----'
echo '{"status":"success","result":"done","newSessionId":"sess-2","promptTokens":10,"responseTokens":20}'
echo '-----CLAWMUX-RESULT-END-----'
`

func TestRunSuccessWithSentinels(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := newTestRunner(t, writeLauncher(t, sentinelDoc), nil)

	res, err := r.Run(context.Background(), testSpec())

	require.NoError(err)
	assert.Equal(model.ExecutionStatusSuccess, res.Status)
	assert.Equal("done", res.Result)
	assert.Equal("sess-2", res.SessionID)
	assert.Equal(10, res.PromptTokens)
	assert.Equal(20, res.ResponseTokens)
	assert.False(res.Truncated)
}

func TestRunFallsBackToLastLineWithoutSentinels(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	script := `cat >/dev/null
echo 'some noise'
echo '{"status":"success","result":"legacy"}'
`
	r := newTestRunner(t, writeLauncher(t, script), nil)

	res, err := r.Run(context.Background(), testSpec())

	require.NoError(err)
	assert.Equal("legacy", res.Result)
}

func TestRunParseErrorIsDistinctFromCrash(t *testing.T) {
	assert := assert.New(t)

	script := `cat >/dev/null
echo 'this is not json at all'
`
	r := newTestRunner(t, writeLauncher(t, script), nil)

	res, err := r.Run(context.Background(), testSpec())

	assert.ErrorIs(err, model.ErrParse)
	assert.NotErrorIs(err, model.ErrExit)
	assert.Equal(model.ExecutionStatusError, res.Status)
	assert.Contains(res.Error, "unparseable")
}

func TestRunNonZeroExitQuotesStderrTail(t *testing.T) {
	assert := assert.New(t)

	script := `cat >/dev/null
echo 'OOM while loading model' >&2
exit 1
`
	r := newTestRunner(t, writeLauncher(t, script), nil)

	res, err := r.Run(context.Background(), testSpec())

	assert.ErrorIs(err, model.ErrExit)
	assert.Equal(model.ExecutionStatusError, res.Status)
	assert.Contains(res.Error, "exited with code 1")
	assert.Contains(res.Error, "OOM")
}

func TestRunSpawnError(t *testing.T) {
	assert := assert.New(t)

	r := newTestRunner(t, "/nonexistent/launcher", nil)

	res, err := r.Run(context.Background(), testSpec())

	assert.ErrorIs(err, model.ErrSpawn)
	assert.Equal(model.ExecutionStatusError, res.Status)
}

func TestRunSessionRejected(t *testing.T) {
	assert := assert.New(t)

	script := `cat >/dev/null
echo '-----CLAWMUX-RESULT-BEGIN-----'
echo '{"status":"error","error":"No conversation found with session id sess-1"}'
echo '-----CLAWMUX-RESULT-END-----'
`
	r := newTestRunner(t, writeLauncher(t, script), nil)

	spec := testSpec()
	spec.SessionID = "sess-1"
	_, err := r.Run(context.Background(), spec)

	assert.ErrorIs(err, model.ErrSessionRejected)
}

func TestRunDomainErrorIsTerminal(t *testing.T) {
	assert := assert.New(t)

	script := `cat >/dev/null
echo '-----CLAWMUX-RESULT-BEGIN-----'
echo '{"status":"error","error":"model refused the request"}'
echo '-----CLAWMUX-RESULT-END-----'
`
	r := newTestRunner(t, writeLauncher(t, script), nil)

	res, err := r.Run(context.Background(), testSpec())

	assert.Error(err)
	assert.NotErrorIs(err, model.ErrSessionRejected)
	assert.NotErrorIs(err, model.ErrTimeout)
	assert.NotErrorIs(err, model.ErrExit)
	assert.Equal("model refused the request", res.Error)
}

func TestRunDeadlineResolvesExactlyOnce(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// The process exits naturally just after the deadline fires: exactly one
	// result, the timeout, must win.
	script := `cat >/dev/null
sleep 0.3
echo '-----CLAWMUX-RESULT-BEGIN-----'
echo '{"status":"success","result":"too late"}'
echo '-----CLAWMUX-RESULT-END-----'
`
	r := newTestRunner(t, writeLauncher(t, script), func(cfg *ProcessRunnerConfig) {
		cfg.DefaultDeadline = 100 * time.Millisecond
	})

	start := time.Now()
	res, err := r.Run(context.Background(), testSpec())

	require.Error(err)
	assert.ErrorIs(err, model.ErrTimeout)
	assert.Equal(model.ExecutionStatusError, res.Status)
	assert.NotEqual("too late", res.Result)
	assert.Less(time.Since(start), 3*time.Second)
}

func TestRunSlotHeldUntilProcessReaped(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// A timed-out launcher ignoring SIGTERM must keep its concurrency slot
	// until it actually dies; the next run waits instead of overshooting the
	// cap.
	script := `IN=$(cat)
case "$IN" in
*slowpoke*)
	trap '' TERM
	sleep 0.5
	;;
*)
	echo '{"status":"success","result":"ok"}'
	;;
esac
`
	r := newTestRunner(t, writeLauncher(t, script), func(cfg *ProcessRunnerConfig) {
		cfg.DefaultDeadline = 50 * time.Millisecond
		cfg.GracePeriod = 2 * time.Second
		cfg.MaxConcurrent = 1
	})

	slow := testSpec()
	slow.Request.Prompt = "slowpoke"
	_, err := r.Run(context.Background(), slow)
	require.ErrorIs(err, model.ErrTimeout)

	// The first run already returned, but its process lives on for ~450ms.
	start := time.Now()
	res, err := r.Run(context.Background(), testSpec())

	require.NoError(err)
	assert.Equal(model.ExecutionStatusSuccess, res.Status)
	assert.GreaterOrEqual(time.Since(start), 300*time.Millisecond)
}

func TestRunTenantDeadlineOverride(t *testing.T) {
	assert := assert.New(t)

	script := `cat >/dev/null
sleep 5
`
	r := newTestRunner(t, writeLauncher(t, script), func(cfg *ProcessRunnerConfig) {
		cfg.DefaultDeadline = 30 * time.Second
	})

	spec := testSpec()
	spec.Tenant.Deadline = 100 * time.Millisecond

	start := time.Now()
	_, err := r.Run(context.Background(), spec)

	assert.ErrorIs(err, model.ErrTimeout)
	assert.Less(time.Since(start), 5*time.Second)
}

func TestRunOutputBeyondCapIsTruncatedNotHung(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// 4000 lines of 100 chars well beyond a 16KiB cap, then the sentinel doc:
	// the run still succeeds, flagged truncated.
	script := `cat >/dev/null
i=0
while [ $i -lt 4000 ]; do
  echo 'xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx'
  i=$((i+1))
done
echo '-----CLAWMUX-RESULT-BEGIN-----'
echo '{"status":"success","result":"big run"}'
echo '-----CLAWMUX-RESULT-END-----'
`
	r := newTestRunner(t, writeLauncher(t, script), func(cfg *ProcessRunnerConfig) {
		cfg.OutputByteCap = 16 * 1024
		cfg.DefaultDeadline = 30 * time.Second
	})

	res, err := r.Run(context.Background(), testSpec())

	require.NoError(err)
	assert.Equal("big run", res.Result)
	assert.True(res.Truncated)
}

func TestRunForwardsProgressEvents(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	script := `cat >/dev/null
echo '{"type":"tool_use","toolName":"bash"}'
echo '{"type":"message","content":"Hello"}'
echo '{"type":"message","content":", world"}'
echo '-----CLAWMUX-RESULT-BEGIN-----'
echo '{"status":"success","result":"Hello, world"}'
echo '-----CLAWMUX-RESULT-END-----'
`
	r := newTestRunner(t, writeLauncher(t, script), nil)

	var mu sync.Mutex
	var events []model.ProgressEvent

	spec := testSpec()
	spec.Sink = func(ev model.ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	_, err := r.Run(context.Background(), spec)
	require.NoError(err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(events, 3)

	assert.Equal(model.ProgressEventTool, events[0].Type)
	assert.Equal("bash", events[0].ToolName)

	assert.Equal(model.ProgressEventMessage, events[1].Type)
	assert.Equal("Hello", events[1].Delta)
	assert.Equal("Hello", events[1].Content)

	assert.Equal(", world", events[2].Delta)
	assert.Equal("Hello, world", events[2].Content)
}

func TestRunThrottlesProgressEvents(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var lines strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&lines, `echo '{"type":"message","content":"x"}'`+"\n")
	}
	script := "cat >/dev/null\n" + lines.String() + `echo '-----CLAWMUX-RESULT-BEGIN-----'
echo '{"status":"success","result":"ok"}'
echo '-----CLAWMUX-RESULT-END-----'
`
	r := newTestRunner(t, writeLauncher(t, script), func(cfg *ProcessRunnerConfig) {
		cfg.ProgressInterval = time.Minute
	})

	var mu sync.Mutex
	count := 0

	spec := testSpec()
	spec.Sink = func(ev model.ProgressEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	_, err := r.Run(context.Background(), spec)
	require.NoError(err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(1, count)
}

func TestRunReportsUsageAndErrors(t *testing.T) {
	tests := map[string]struct {
		script     string
		expStatus  model.ExecutionStatus
		expFailure bool
	}{
		"Success should record usage and reset error state": {
			script:    sentinelDoc,
			expStatus: model.ExecutionStatusSuccess,
		},

		"Crash should record usage and a failure": {
			script:     "cat >/dev/null\nexit 2\n",
			expStatus:  model.ExecutionStatusError,
			expFailure: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			usage := &fakeUsageTracker{}
			errs := &fakeErrorTracker{}

			r := newTestRunner(t, writeLauncher(t, test.script), func(cfg *ProcessRunnerConfig) {
				cfg.Usage = usage
				cfg.Errors = errs
			})

			_, _ = r.Run(context.Background(), testSpec())

			require.Len(t, usage.records, 1)
			assert.Equal("t1", usage.records[0].TenantID)
			assert.Equal(test.expStatus, usage.records[0].Status)

			if test.expFailure {
				assert.Equal(1, errs.failures)
				assert.Equal(0, errs.resets)
			} else {
				assert.Equal(0, errs.failures)
				assert.Equal(1, errs.resets)
			}
		})
	}
}

type fakeUsageTracker struct {
	mu      sync.Mutex
	records []model.UsageRecord
}

func (f *fakeUsageTracker) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type fakeErrorTracker struct {
	mu       sync.Mutex
	failures int
	resets   int
	lastMsg  string
}

func (f *fakeErrorTracker) RecordFailure(ctx context.Context, tenantID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	f.lastMsg = message
}

func (f *fakeErrorTracker) Reset(ctx context.Context, tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}
