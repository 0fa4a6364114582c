package execute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clawmux/clawmux/internal/fastpath/fastpathmock"
	"github.com/clawmux/clawmux/internal/model"
	"github.com/clawmux/clawmux/internal/runner"
	"github.com/clawmux/clawmux/internal/runner/runnermock"
	"github.com/clawmux/clawmux/internal/track/trackmock"
)

// plannerFunc adapts a function to the MountPlanner interface with a no-op
// cleanup.
type plannerFunc func(ctx context.Context, tenant model.Tenant, runID string) ([]model.Mount, error)

func (f plannerFunc) Plan(ctx context.Context, tenant model.Tenant, runID string) ([]model.Mount, error) {
	return f(ctx, tenant, runID)
}

func (f plannerFunc) Cleanup(ctx context.Context, tenant model.Tenant, runID string) error {
	return nil
}

// countingPlanner records planned and cleaned run ids.
type countingPlanner struct {
	mu      sync.Mutex
	planned []string
	cleaned []string
	planErr error
}

func (p *countingPlanner) Plan(ctx context.Context, tenant model.Tenant, runID string) ([]model.Mount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.planned = append(p.planned, runID)
	if p.planErr != nil {
		return nil, p.planErr
	}
	return []model.Mount{{HostPath: "/data/t", SandboxPath: "/agent/workspace"}}, nil
}

func (p *countingPlanner) Cleanup(ctx context.Context, tenant model.Tenant, runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleaned = append(p.cleaned, runID)
	return nil
}

var okPlanner = plannerFunc(func(ctx context.Context, tenant model.Tenant, runID string) ([]model.Mount, error) {
	return []model.Mount{{HostPath: "/data/t", SandboxPath: "/agent/workspace"}}, nil
})

func stdTenant() model.Tenant {
	return model.Tenant{ID: "t1", Role: model.RoleStandard}
}

func stdRequest() model.ExecutionRequest {
	return model.ExecutionRequest{TenantID: "t1", ChannelID: "c1", Prompt: "hi"}
}

func successResult(session string) *model.ExecutionResult {
	return &model.ExecutionResult{Status: model.ExecutionStatusSuccess, Result: "ok", SessionID: session}
}

func withSession(session string) interface{} {
	return mock.MatchedBy(func(spec runner.RunSpec) bool { return spec.SessionID == session })
}

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		cfg    ServiceConfig
		expErr bool
	}{
		"Valid configuration should create the service": {
			cfg: ServiceConfig{Planner: okPlanner, Runner: &runnermock.MockRunner{}},
		},

		"Missing planner should fail": {
			cfg:    ServiceConfig{Runner: &runnermock.MockRunner{}},
			expErr: true,
		},

		"Missing runner should fail": {
			cfg:    ServiceConfig{Planner: okPlanner},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			svc, err := NewService(test.cfg)

			if test.expErr {
				assert.Error(err)
				assert.Nil(svc)
			} else {
				assert.NoError(err)
				assert.NotNil(svc)
			}
		})
	}
}

func TestExecuteSandboxPath(t *testing.T) {
	tests := map[string]struct {
		mock      func(m *runnermock.MockRunner)
		expStatus model.ExecutionStatus
		expResult string
		expRuns   int
	}{
		"Successful run should return its result": {
			mock: func(m *runnermock.MockRunner) {
				m.On("Run", mock.Anything, mock.Anything).Once().Return(successResult("s1"), nil)
			},
			expStatus: model.ExecutionStatusSuccess,
			expResult: "ok",
			expRuns:   1,
		},

		"Non-zero exit should be retried once with a clean session, then surface": {
			mock: func(m *runnermock.MockRunner) {
				res := &model.ExecutionResult{Status: model.ExecutionStatusError, Error: "sandbox exited with code 1: OOM"}
				m.On("Run", mock.Anything, mock.Anything).Twice().
					Return(res, fmt.Errorf("sandbox exited with code 1: %w", model.ErrExit))
			},
			expStatus: model.ExecutionStatusError,
			expRuns:   2,
		},

		"Timeout should be retried once, then surface": {
			mock: func(m *runnermock.MockRunner) {
				res := &model.ExecutionResult{Status: model.ExecutionStatusError, Error: "execution timed out"}
				m.On("Run", mock.Anything, mock.Anything).Twice().
					Return(res, fmt.Errorf("timed out: %w", model.ErrTimeout))
			},
			expStatus: model.ExecutionStatusError,
			expRuns:   2,
		},

		"Parse error should be terminal with no retry": {
			mock: func(m *runnermock.MockRunner) {
				res := &model.ExecutionResult{Status: model.ExecutionStatusError, Error: "unparseable output"}
				m.On("Run", mock.Anything, mock.Anything).Once().
					Return(res, fmt.Errorf("bad output: %w", model.ErrParse))
			},
			expStatus: model.ExecutionStatusError,
			expRuns:   1,
		},

		"Spawn error should be terminal with no retry": {
			mock: func(m *runnermock.MockRunner) {
				res := &model.ExecutionResult{Status: model.ExecutionStatusError, Error: "could not start"}
				m.On("Run", mock.Anything, mock.Anything).Once().
					Return(res, fmt.Errorf("no launcher: %w", model.ErrSpawn))
			},
			expStatus: model.ExecutionStatusError,
			expRuns:   1,
		},

		"Retry succeeding should surface the retry result": {
			mock: func(m *runnermock.MockRunner) {
				errRes := &model.ExecutionResult{Status: model.ExecutionStatusError, Error: "crash"}
				m.On("Run", mock.Anything, mock.Anything).Once().
					Return(errRes, fmt.Errorf("crash: %w", model.ErrExit))
				m.On("Run", mock.Anything, mock.Anything).Once().
					Return(successResult("s2"), nil)
			},
			expStatus: model.ExecutionStatusSuccess,
			expResult: "ok",
			expRuns:   2,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			mRunner := &runnermock.MockRunner{}
			test.mock(mRunner)

			svc, err := NewService(ServiceConfig{
				Planner:    okPlanner,
				Runner:     mRunner,
				RetryDelay: time.Millisecond,
			})
			require.NoError(t, err)

			res, err := svc.Execute(context.Background(), stdTenant(), stdRequest(), nil)

			require.NoError(t, err)
			assert.Equal(test.expStatus, res.Status)
			if test.expResult != "" {
				assert.Equal(test.expResult, res.Result)
			}
			mRunner.AssertNumberOfCalls(t, "Run", test.expRuns)
		})
	}
}

func TestExecuteSessionHandling(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mRunner := &runnermock.MockRunner{}

	// First run establishes a session.
	mRunner.On("Run", mock.Anything, withSession("")).Once().Return(successResult("sess-1"), nil)
	// Second run resumes it and the launcher rejects it.
	rejectedRes := &model.ExecutionResult{Status: model.ExecutionStatusError, Error: "No conversation found with session id sess-1"}
	mRunner.On("Run", mock.Anything, withSession("sess-1")).Once().
		Return(rejectedRes, fmt.Errorf("rejected: %w", model.ErrSessionRejected))
	// The single session-less retry succeeds with a fresh session.
	mRunner.On("Run", mock.Anything, withSession("")).Once().Return(successResult("sess-2"), nil)
	// Third request resumes the rotated session.
	mRunner.On("Run", mock.Anything, withSession("sess-2")).Once().Return(successResult("sess-2"), nil)

	svc, err := NewService(ServiceConfig{Planner: okPlanner, Runner: mRunner, RetryDelay: time.Millisecond})
	require.NoError(err)

	for i := 0; i < 3; i++ {
		res, err := svc.Execute(context.Background(), stdTenant(), stdRequest(), nil)
		require.NoError(err)
		assert.Equal(model.ExecutionStatusSuccess, res.Status)
	}

	mRunner.AssertExpectations(t)
}

func TestExecuteSessionRejectedTwiceIsTerminal(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mRunner := &runnermock.MockRunner{}
	mRunner.On("Run", mock.Anything, withSession("")).Once().Return(successResult("sess-1"), nil)

	rejected := &model.ExecutionResult{Status: model.ExecutionStatusError, Error: "unknown session"}
	// The resumed run and its session-less retry both get rejected: terminal.
	mRunner.On("Run", mock.Anything, mock.Anything).Twice().
		Return(rejected, fmt.Errorf("rejected: %w", model.ErrSessionRejected))

	svc, err := NewService(ServiceConfig{Planner: okPlanner, Runner: mRunner, RetryDelay: time.Millisecond})
	require.NoError(err)

	res, err := svc.Execute(context.Background(), stdTenant(), stdRequest(), nil)
	require.NoError(err)
	assert.Equal(model.ExecutionStatusSuccess, res.Status)

	res, err = svc.Execute(context.Background(), stdTenant(), stdRequest(), nil)
	require.NoError(err)
	assert.Equal(model.ExecutionStatusError, res.Status)

	mRunner.AssertNumberOfCalls(t, "Run", 3)
}

func TestExecuteFastPath(t *testing.T) {
	tests := map[string]struct {
		tenant     model.Tenant
		req        model.ExecutionRequest
		mock       func(mFast *fastpathmock.MockClient, mRunner *runnermock.MockRunner)
		expResult  string
		expFast    int
		expSandbox int
	}{
		"Eligible request with fast-path success should never touch the sandbox": {
			tenant: model.Tenant{ID: "t1", Role: model.RoleStandard, FastPathEnabled: true},
			req:    stdRequest(),
			mock: func(mFast *fastpathmock.MockClient, mRunner *runnermock.MockRunner) {
				mFast.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Once().
					Return(&model.ExecutionResult{Status: model.ExecutionStatusSuccess, Result: "fast"}, nil)
			},
			expResult: "fast",
			expFast:   1,
		},

		"Fast-path error result should fall through to the sandbox transparently": {
			tenant: model.Tenant{ID: "t1", Role: model.RoleStandard, FastPathEnabled: true},
			req:    stdRequest(),
			mock: func(mFast *fastpathmock.MockClient, mRunner *runnermock.MockRunner) {
				mFast.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Once().
					Return(&model.ExecutionResult{Status: model.ExecutionStatusError, Error: "overloaded"}, nil)
				mRunner.On("Run", mock.Anything, mock.Anything).Once().Return(successResult(""), nil)
			},
			expResult:  "ok",
			expFast:    1,
			expSandbox: 1,
		},

		"Fast-path transport error should fall through to the sandbox": {
			tenant: model.Tenant{ID: "t1", Role: model.RoleStandard, FastPathEnabled: true},
			req:    stdRequest(),
			mock: func(mFast *fastpathmock.MockClient, mRunner *runnermock.MockRunner) {
				mFast.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Once().
					Return(nil, fmt.Errorf("connection refused"))
				mRunner.On("Run", mock.Anything, mock.Anything).Once().Return(successResult(""), nil)
			},
			expResult:  "ok",
			expFast:    1,
			expSandbox: 1,
		},

		"Request with media should skip the fast path entirely": {
			tenant: model.Tenant{ID: "t1", Role: model.RoleStandard, FastPathEnabled: true},
			req:    model.ExecutionRequest{TenantID: "t1", Prompt: "hi", MediaPath: "/tmp/img.jpg"},
			mock: func(mFast *fastpathmock.MockClient, mRunner *runnermock.MockRunner) {
				mRunner.On("Run", mock.Anything, mock.Anything).Once().Return(successResult(""), nil)
			},
			expResult:  "ok",
			expSandbox: 1,
		},

		"Tenant without the fast-path flag should go straight to the sandbox": {
			tenant: model.Tenant{ID: "t1", Role: model.RoleStandard, FastPathEnabled: false},
			req:    stdRequest(),
			mock: func(mFast *fastpathmock.MockClient, mRunner *runnermock.MockRunner) {
				mRunner.On("Run", mock.Anything, mock.Anything).Once().Return(successResult(""), nil)
			},
			expResult:  "ok",
			expSandbox: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			mFast := &fastpathmock.MockClient{}
			mRunner := &runnermock.MockRunner{}
			test.mock(mFast, mRunner)

			svc, err := NewService(ServiceConfig{
				Planner:    okPlanner,
				Runner:     mRunner,
				FastPath:   mFast,
				RetryDelay: time.Millisecond,
			})
			require.NoError(t, err)

			res, err := svc.Execute(context.Background(), test.tenant, test.req, nil)

			require.NoError(t, err)
			assert.Equal(test.expResult, res.Result)
			mFast.AssertNumberOfCalls(t, "Execute", test.expFast)
			mRunner.AssertNumberOfCalls(t, "Run", test.expSandbox)
		})
	}
}

func TestExecuteFastPathTracking(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mFast := &fastpathmock.MockClient{}
	mFast.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Once().
		Return(&model.ExecutionResult{
			Status: model.ExecutionStatusSuccess, Result: "fast",
			PromptTokens: 12, ResponseTokens: 34,
		}, nil)

	mUsage := &trackmock.MockUsageTracker{}
	mUsage.On("RecordUsage", mock.Anything, mock.MatchedBy(func(rec model.UsageRecord) bool {
		return rec.TenantID == "t1" && rec.PromptTokens == 12 && rec.ResponseTokens == 34 &&
			rec.Status == model.ExecutionStatusSuccess
	})).Once().Return(nil)

	mErrs := &trackmock.MockErrorTracker{}
	mErrs.On("Reset", mock.Anything, "t1").Once()

	svc, err := NewService(ServiceConfig{
		Planner:  okPlanner,
		Runner:   &runnermock.MockRunner{},
		FastPath: mFast,
		Usage:    mUsage,
		Errors:   mErrs,
	})
	require.NoError(err)

	tenant := model.Tenant{ID: "t1", Role: model.RoleStandard, FastPathEnabled: true}
	res, err := svc.Execute(context.Background(), tenant, stdRequest(), nil)

	require.NoError(err)
	assert.Equal("fast", res.Result)
	mUsage.AssertExpectations(t)
	mErrs.AssertExpectations(t)
}

func TestExecuteCleansUpEveryAttempt(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mRunner := &runnermock.MockRunner{}
	errRes := &model.ExecutionResult{Status: model.ExecutionStatusError, Error: "crash"}
	mRunner.On("Run", mock.Anything, mock.Anything).Once().
		Return(errRes, fmt.Errorf("crash: %w", model.ErrExit))
	mRunner.On("Run", mock.Anything, mock.Anything).Once().Return(successResult(""), nil)

	planner := &countingPlanner{}
	svc, err := NewService(ServiceConfig{Planner: planner, Runner: mRunner, RetryDelay: time.Millisecond})
	require.NoError(err)

	res, err := svc.Execute(context.Background(), stdTenant(), stdRequest(), nil)
	require.NoError(err)
	assert.Equal(model.ExecutionStatusSuccess, res.Status)

	// Both the crashed attempt and its retry had their run dirs cleaned.
	assert.Equal(planner.planned, planner.cleaned)
	assert.Len(planner.cleaned, 2)
}

func TestExecuteCleansUpAfterPlanningFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	planner := &countingPlanner{
		planErr: fmt.Errorf("extra mount /etc/passwd is not allowlisted: %w", model.ErrConfiguration),
	}
	svc, err := NewService(ServiceConfig{Planner: planner, Runner: &runnermock.MockRunner{}})
	require.NoError(err)

	_, err = svc.Execute(context.Background(), stdTenant(), stdRequest(), nil)
	require.Error(err)

	// Partially staged files from the failed plan are removed as well.
	assert.Equal(planner.planned, planner.cleaned)
	assert.Len(planner.cleaned, 1)
}

func TestExecuteRejectsBeforeSpawnOnMountPolicyViolation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mRunner := &runnermock.MockRunner{}

	failPlanner := plannerFunc(func(ctx context.Context, tenant model.Tenant, runID string) ([]model.Mount, error) {
		return nil, fmt.Errorf("extra mount /etc/passwd is not allowlisted: %w", model.ErrConfiguration)
	})

	svc, err := NewService(ServiceConfig{Planner: failPlanner, Runner: mRunner})
	require.NoError(err)

	res, err := svc.Execute(context.Background(), stdTenant(), stdRequest(), nil)

	assert.ErrorIs(err, model.ErrConfiguration)
	assert.Nil(res)
	// No subprocess was ever spawned.
	mRunner.AssertNumberOfCalls(t, "Run", 0)
}

func TestExecuteRejectsInvalidTenant(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mRunner := &runnermock.MockRunner{}
	svc, err := NewService(ServiceConfig{Planner: okPlanner, Runner: mRunner})
	require.NoError(err)

	_, err = svc.Execute(context.Background(), model.Tenant{ID: "../evil", Role: model.RoleStandard}, stdRequest(), nil)

	assert.ErrorIs(err, model.ErrConfiguration)
	mRunner.AssertNumberOfCalls(t, "Run", 0)
}

// blockingRunner counts overlapping executions.
type blockingRunner struct {
	active    int32
	maxActive int32
	delay     time.Duration
}

func (r *blockingRunner) Run(ctx context.Context, spec runner.RunSpec) (*model.ExecutionResult, error) {
	n := atomic.AddInt32(&r.active, 1)
	for {
		old := atomic.LoadInt32(&r.maxActive)
		if n <= old || atomic.CompareAndSwapInt32(&r.maxActive, old, n) {
			break
		}
	}
	time.Sleep(r.delay)
	atomic.AddInt32(&r.active, -1)
	return successResult(""), nil
}

func TestExecuteSerializesPerTenant(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := &blockingRunner{delay: 10 * time.Millisecond}
	svc, err := NewService(ServiceConfig{Planner: okPlanner, Runner: r})
	require.NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Execute(context.Background(), stdTenant(), stdRequest(), nil)
			assert.NoError(err)
		}()
	}
	wg.Wait()

	assert.Equal(int32(1), atomic.LoadInt32(&r.maxActive))
}

func TestExecuteDistinctTenantsRunConcurrently(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := &blockingRunner{delay: 50 * time.Millisecond}
	svc, err := NewService(ServiceConfig{Planner: okPlanner, Runner: r})
	require.NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		tenantID := fmt.Sprintf("tenant-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tenant := model.Tenant{ID: tenantID, Role: model.RoleStandard}
			req := stdRequest()
			req.TenantID = tenantID
			_, err := svc.Execute(context.Background(), tenant, req, nil)
			assert.NoError(err)
		}()
	}
	wg.Wait()

	assert.Greater(atomic.LoadInt32(&r.maxActive), int32(1))
}
