// Package runner executes sandboxed agent runs as subprocesses under time
// and output-size bounds.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/clawmux/clawmux/internal/log"
	"github.com/clawmux/clawmux/internal/model"
	"github.com/clawmux/clawmux/internal/track"
)

// Runner executes one sandboxed run per request. The returned result is
// always well formed; a non-nil error classifies failures for the retry
// policy (model.ErrSpawn, model.ErrTimeout, model.ErrExit, model.ErrParse,
// model.ErrSessionRejected).
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*model.ExecutionResult, error)
}

// RunSpec is everything one sandboxed run needs.
type RunSpec struct {
	// RunID sub-namespaces per-run resources. Must be a safe token.
	RunID  string
	Tenant model.Tenant
	// Request is the unit of work. Its SessionID is ignored; the remembered
	// session travels in SessionID below so retries can clear it.
	Request model.ExecutionRequest
	// SessionID is the session to resume, empty for a fresh session.
	SessionID string
	Mounts    []model.Mount
	// Sink receives throttled progress events. Optional.
	Sink model.ProgressSink
}

// ProcessRunnerConfig is the configuration for the process runner.
type ProcessRunnerConfig struct {
	// LauncherPath is the external sandbox-launching executable. It is
	// treated as opaque: it receives mount flags and the input document on
	// stdin, and emits the wire protocol on stdout.
	LauncherPath string
	// LauncherArgs are fixed arguments prepended to every invocation.
	LauncherArgs []string
	// DefaultDeadline bounds a run when the tenant has no override.
	// Defaults to 5 minutes.
	DefaultDeadline time.Duration
	// GracePeriod is how long a run may keep running after SIGTERM before it
	// is killed. Defaults to 10 seconds.
	GracePeriod time.Duration
	// OutputByteCap bounds stdout and stderr collection, each. Bytes beyond
	// the cap are dropped and the result is flagged truncated. Defaults to
	// 512KiB.
	OutputByteCap int
	// ProgressInterval throttles forwarded progress events to at most one
	// per interval. Defaults to 2 seconds.
	ProgressInterval time.Duration
	// MaxConcurrent caps simultaneously running sandbox subprocesses across
	// all tenants. Defaults to 8.
	MaxConcurrent int64

	Usage  track.UsageTracker
	Errors track.ErrorTracker
	Logger log.Logger
}

func (c *ProcessRunnerConfig) defaults() error {
	if c.LauncherPath == "" {
		return fmt.Errorf("launcher path is required")
	}
	if c.DefaultDeadline == 0 {
		c.DefaultDeadline = 5 * time.Minute
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.OutputByteCap == 0 {
		c.OutputByteCap = 512 * 1024
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = 2 * time.Second
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 8
	}
	if c.Usage == nil {
		c.Usage = track.NoopUsageTracker
	}
	if c.Errors == nil {
		c.Errors = track.NoopErrorTracker
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runner.Process"})
	return nil
}

// ProcessRunner runs the sandbox launcher as a subprocess, one per request.
type ProcessRunner struct {
	launcherPath     string
	launcherArgs     []string
	defaultDeadline  time.Duration
	gracePeriod      time.Duration
	outputByteCap    int
	progressInterval time.Duration
	sem              *semaphore.Weighted
	usage            track.UsageTracker
	errs             track.ErrorTracker
	logger           log.Logger
}

var _ Runner = (*ProcessRunner)(nil)

// NewProcessRunner creates a new process runner.
func NewProcessRunner(cfg ProcessRunnerConfig) (*ProcessRunner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &ProcessRunner{
		launcherPath:     cfg.LauncherPath,
		launcherArgs:     cfg.LauncherArgs,
		defaultDeadline:  cfg.DefaultDeadline,
		gracePeriod:      cfg.GracePeriod,
		outputByteCap:    cfg.OutputByteCap,
		progressInterval: cfg.ProgressInterval,
		sem:              semaphore.NewWeighted(cfg.MaxConcurrent),
		usage:            cfg.Usage,
		errs:             cfg.Errors,
		logger:           cfg.Logger,
	}, nil
}

// Run executes one sandboxed run and reports its outcome to the usage and
// error trackers.
func (r *ProcessRunner) Run(ctx context.Context, spec RunSpec) (*model.ExecutionResult, error) {
	start := time.Now()
	res, err := r.run(ctx, spec)
	res.Duration = time.Since(start)

	logger := r.logger.WithValues(log.Kv{"tenant": spec.Tenant.ID, "run": spec.RunID})
	logger.Infof("Run finished: status=%s duration=%s truncated=%t", res.Status, res.Duration, res.Truncated)

	if uerr := r.usage.RecordUsage(ctx, model.UsageRecord{
		TenantID:       spec.Tenant.ID,
		Duration:       res.Duration,
		PromptTokens:   res.PromptTokens,
		ResponseTokens: res.ResponseTokens,
		Status:         res.Status,
		CreatedAt:      start,
	}); uerr != nil {
		logger.Warningf("Could not record usage: %v", uerr)
	}

	if err != nil {
		r.errs.RecordFailure(ctx, spec.Tenant.ID, res.Error)
	} else {
		r.errs.Reset(ctx, spec.Tenant.ID)
	}

	return res, err
}

func (r *ProcessRunner) run(ctx context.Context, spec RunSpec) (*model.ExecutionResult, error) {
	logger := r.logger.WithValues(log.Kv{"tenant": spec.Tenant.ID, "run": spec.RunID})

	// Global cap on simultaneous sandbox subprocesses, across all tenants.
	// The slot is held until the subprocess is fully reaped, not merely until
	// this call returns: a timed-out run keeps its slot through the grace
	// period, so the cap never overshoots while a stubborn process winds down.
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return errorResult("could not acquire sandbox slot"), fmt.Errorf("could not acquire sandbox slot: %v: %w", err, model.ErrSpawn)
	}
	started := false
	defer func() {
		if !started {
			r.sem.Release(1)
		}
	}()

	deadline := r.defaultDeadline
	if spec.Tenant.Deadline > 0 {
		deadline = spec.Tenant.Deadline
	}

	input := runInput{
		Prompt:        spec.Request.Prompt,
		SessionID:     spec.SessionID,
		TenantID:      spec.Tenant.ID,
		ChannelID:     spec.Request.ChannelID,
		IsPrivileged:  spec.Tenant.Role == model.RolePrivileged,
		IsScheduled:   spec.Request.Scheduled,
		SystemPrompt:  spec.Request.SystemPrompt,
		MediaPath:     spec.Request.MediaPath,
		MemoryContext: spec.Request.MemoryContext,
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return errorResult("could not encode run input"), fmt.Errorf("could not encode run input: %v: %w", err, model.ErrSpawn)
	}

	args := make([]string, 0, len(r.launcherArgs)+2*len(spec.Mounts))
	args = append(args, r.launcherArgs...)
	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "--mount", fmt.Sprintf("%s:%s:%s", m.HostPath, m.SandboxPath, mode))
	}

	// Full diagnostics only land on the debug level.
	logger.Debugf("Launching %s args=%v mounts=%d input=%s", r.launcherPath, args, len(spec.Mounts), inputJSON)

	cmd := exec.Command(r.launcherPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errorResult("could not open stdin pipe"), fmt.Errorf("could not open stdin pipe: %v: %w", err, model.ErrSpawn)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errorResult("could not open stdout pipe"), fmt.Errorf("could not open stdout pipe: %v: %w", err, model.ErrSpawn)
	}
	stderr := newCappedBuffer(r.outputByteCap)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return errorResult(fmt.Sprintf("could not start sandbox launcher: %v", err)),
			fmt.Errorf("could not start sandbox launcher: %v: %w", err, model.ErrSpawn)
	}
	started = true

	// One JSON document in, then EOF.
	go func() {
		_, _ = stdin.Write(inputJSON)
		_ = stdin.Close()
	}()

	collector := newStreamCollector(r.outputByteCap, spec.Sink, r.progressInterval)
	readDone := make(chan struct{})
	go func() {
		collector.consume(stdout)
		close(readDone)
	}()

	// Exactly one of {timeout, natural exit} resolves the run. A late natural
	// exit after the deadline already fired must be a no-op.
	type outcome struct {
		timedOut bool
		waitErr  error
	}
	var once sync.Once
	resolved := make(chan outcome, 1)
	resolve := func(o outcome) {
		once.Do(func() { resolved <- o })
	}

	timer := time.AfterFunc(deadline, func() {
		resolve(outcome{timedOut: true})
		r.terminate(cmd, logger)
	})
	defer timer.Stop()

	go func() {
		// Drain stdout before Wait, as os/exec requires for pipes.
		<-readDone
		waitErr := cmd.Wait()
		r.sem.Release(1)
		resolve(outcome{waitErr: waitErr})
	}()

	o := <-resolved

	if o.timedOut {
		res := errorResult(fmt.Sprintf("execution timed out after %s", deadline))
		res.Truncated = collector.truncated()
		return res, fmt.Errorf("execution timed out after %s: %w", deadline, model.ErrTimeout)
	}

	output := collector.output()
	logger.Debugf("Launcher output (%d bytes, truncated=%t): %s", len(output), collector.truncated(), output)

	if o.waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(o.waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		msg := fmt.Sprintf("sandbox exited with code %d: %s", code, tail(stderr.String(), 512))
		res := errorResult(msg)
		res.Truncated = collector.truncated() || stderr.Truncated()
		return res, fmt.Errorf("%s: %w", msg, model.ErrExit)
	}

	doc, err := r.parseOutput(collector)
	if err != nil {
		res := errorResult(fmt.Sprintf("sandbox ran but produced unparseable output: %v", err))
		res.Truncated = collector.truncated()
		return res, err
	}

	if doc.Status != string(model.ExecutionStatusSuccess) {
		res := errorResult(doc.Error)
		res.Truncated = collector.truncated()
		if isSessionRejected(doc.Error) {
			return res, fmt.Errorf("launcher rejected session: %s: %w", doc.Error, model.ErrSessionRejected)
		}
		// The run completed and reported a domain error: terminal, no retry.
		return res, fmt.Errorf("launcher reported error: %s", doc.Error)
	}

	return &model.ExecutionResult{
		Status:         model.ExecutionStatusSuccess,
		Result:         doc.Result,
		SessionID:      doc.NewSessionID,
		PromptTokens:   doc.PromptTokens,
		ResponseTokens: doc.ResponseTokens,
		Truncated:      collector.truncated(),
	}, nil
}

// parseOutput locates the final result document, preferring the streamed
// sentinel capture, then the collected buffer.
func (r *ProcessRunner) parseOutput(c *streamCollector) (*finalResult, error) {
	if doc, ok := c.finalDoc(); ok {
		res := &finalResult{}
		if err := json.Unmarshal([]byte(doc), res); err != nil {
			return nil, fmt.Errorf("sentinel document is not valid JSON: %v: %w", err, model.ErrParse)
		}
		return res, nil
	}

	return parseFinalResult(c.output())
}

// terminate requests graceful termination and escalates to SIGKILL after the
// grace period. Runs on the deadline-timer goroutine.
func (r *ProcessRunner) terminate(cmd *exec.Cmd, logger log.Logger) {
	proc := cmd.Process
	if proc == nil {
		return
	}

	logger.Warningf("Deadline reached, sending SIGTERM")
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return
	}

	time.Sleep(r.gracePeriod)
	if err := proc.Kill(); err == nil {
		logger.Warningf("Grace period elapsed, killed process")
	}
}

func errorResult(msg string) *model.ExecutionResult {
	return &model.ExecutionResult{
		Status: model.ExecutionStatusError,
		Error:  msg,
	}
}
