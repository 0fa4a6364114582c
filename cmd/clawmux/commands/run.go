package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/clawmux/clawmux/internal/app/execute"
	"github.com/clawmux/clawmux/internal/model"
	"github.com/clawmux/clawmux/internal/mounts"
	"github.com/clawmux/clawmux/internal/runner"
	"github.com/clawmux/clawmux/internal/storage/sqlite"
	"github.com/clawmux/clawmux/internal/track"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	tenantID        string
	prompt          string
	channelID       string
	sessionID       string
	mediaPath       string
	systemPrompt    string
	memoryContext   string
	scheduled       bool
	launcher        string
	launcherArgs    []string
	codeRoot        string
	credentialFiles []string
	envSpecs        []string
	deadline        time.Duration
	quietProgress   bool
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Execute a single request for a tenant through the full router.")
	c.Cmd.Arg("tenant", "Tenant ID.").Required().StringVar(&c.tenantID)
	c.Cmd.Arg("prompt", "Prompt to execute. Optional for scheduled runs.").StringVar(&c.prompt)
	c.Cmd.Flag("channel", "Conversation channel ID.").Default("cli").StringVar(&c.channelID)
	c.Cmd.Flag("session", "Session ID to resume.").StringVar(&c.sessionID)
	c.Cmd.Flag("media", "Host path of a media attachment. Forces the sandboxed path.").StringVar(&c.mediaPath)
	c.Cmd.Flag("system-prompt", "Extra system prompt passed to the agent.").StringVar(&c.systemPrompt)
	c.Cmd.Flag("memory-context", "Memory context injected into the run.").StringVar(&c.memoryContext)
	c.Cmd.Flag("scheduled", "Mark this as a scheduled (promptless) run.").BoolVar(&c.scheduled)
	c.Cmd.Flag("launcher", "Sandbox launcher executable.").Default("clawmux-agent").StringVar(&c.launcher)
	c.Cmd.Flag("launcher-arg", "Fixed argument passed to the launcher. Can be repeated.").StringsVar(&c.launcherArgs)
	c.Cmd.Flag("code-root", "Code root mounted read-only for privileged tenants. Defaults to the current directory.").StringVar(&c.codeRoot)
	c.Cmd.Flag("credential-file", "Credential filename copied into the filtered per-run view. Can be repeated.").StringsVar(&c.credentialFiles)
	c.Cmd.Flag("env", "Bridge environment variables (KEY=VALUE or KEY from current environment). Can be repeated.").Short('e').StringsVar(&c.envSpecs)
	c.Cmd.Flag("deadline", "Default execution deadline. Tenant overrides still apply.").Default("5m").DurationVar(&c.deadline)
	c.Cmd.Flag("quiet", "Do not print progress events.").BoolVar(&c.quietProgress)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	bridgeEnv, err := parseBridgeEnv(c.envSpecs)
	if err != nil {
		return fmt.Errorf("invalid --env value: %w", err)
	}

	codeRoot := c.codeRoot
	if codeRoot == "" {
		codeRoot, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("could not resolve code root: %w", err)
		}
	}

	// Initialize storage (SQLite).
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.dbPath(),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	tenant, err := repo.GetTenant(ctx, c.tenantID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("tenant %q is not registered (use `clawmux tenant register`): %w", c.tenantID, err)
		}
		return fmt.Errorf("could not load tenant: %w", err)
	}

	// Failure alerting goes to the logger in CLI runs.
	errorState, err := track.NewErrorState(track.ErrorStateConfig{
		Notifier: track.LogNotifier{Logger: logger},
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("could not create error tracker: %w", err)
	}

	planner, err := mounts.NewPlanner(mounts.PlannerConfig{
		CodeRoot:        codeRoot,
		DataDir:         c.rootCmd.DataDir,
		CredentialFiles: c.credentialFiles,
		BridgeEnv:       bridgeEnv,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("could not create mount planner: %w", err)
	}

	procRunner, err := runner.NewProcessRunner(runner.ProcessRunnerConfig{
		LauncherPath:    c.launcher,
		LauncherArgs:    c.launcherArgs,
		DefaultDeadline: c.deadline,
		Usage:           repo,
		Errors:          errorState,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("could not create runner: %w", err)
	}

	svc, err := execute.NewService(execute.ServiceConfig{
		Planner: planner,
		Runner:  procRunner,
		Usage:   repo,
		Errors:  errorState,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	var sink model.ProgressSink
	if !c.quietProgress {
		sink = c.printProgress
	}

	res, err := svc.Execute(ctx, *tenant, model.ExecutionRequest{
		TenantID:      c.tenantID,
		ChannelID:     c.channelID,
		Prompt:        c.prompt,
		MediaPath:     c.mediaPath,
		SessionID:     c.sessionID,
		Scheduled:     c.scheduled,
		SystemPrompt:  c.systemPrompt,
		MemoryContext: c.memoryContext,
	}, sink)
	if err != nil {
		return fmt.Errorf("execution rejected: %w", err)
	}

	out := c.rootCmd.Stdout
	if res.Status != model.ExecutionStatusSuccess {
		return fmt.Errorf("execution failed after %s: %s", res.Duration.Round(time.Millisecond), res.Error)
	}

	fmt.Fprintln(out, res.Result)
	if res.Truncated {
		fmt.Fprintln(c.rootCmd.Stderr, "warning: output exceeded the byte cap and was truncated")
	}
	if res.SessionID != "" {
		logger.Infof("Session: %s", res.SessionID)
	}

	return nil
}

// printProgress writes throttled progress events to stderr so they never mix
// with the final result on stdout.
func (c RunCommand) printProgress(ev model.ProgressEvent) {
	switch ev.Type {
	case model.ProgressEventTool:
		fmt.Fprintf(c.rootCmd.Stderr, "[tool] %s\n", ev.ToolName)
	case model.ProgressEventMessage:
		fmt.Fprintf(c.rootCmd.Stderr, "%s", ev.Delta)
	}
}
