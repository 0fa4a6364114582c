package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/clawmux/clawmux/internal/conventions"
	"github.com/clawmux/clawmux/internal/model"
	"github.com/clawmux/clawmux/internal/mounts"
	"github.com/clawmux/clawmux/internal/storage/sqlite"
)

type DoctorCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	launcher string
}

// NewDoctorCommand returns the doctor command.
func NewDoctorCommand(rootCmd *RootCommand, app *kingpin.Application) *DoctorCommand {
	c := &DoctorCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("doctor", "Run preflight checks for the execution environment.")
	c.Cmd.Flag("launcher", "Sandbox launcher executable to check for.").Default("clawmux-agent").StringVar(&c.launcher)

	return c
}

func (c DoctorCommand) Name() string { return c.Cmd.FullCommand() }

func (c DoctorCommand) Run(ctx context.Context) error {
	out := c.rootCmd.Stdout

	results := []model.CheckResult{
		c.checkLauncher(),
		c.checkDataDir(),
		c.checkAllowlist(),
		c.checkDatabase(ctx),
	}

	totalErrors := 0
	totalWarnings := 0
	for _, r := range results {
		fmt.Fprintf(out, "  %s %-20s %s\n", statusIcon(r.Status), r.ID, r.Message)
		switch r.Status {
		case model.CheckStatusError:
			totalErrors++
		case model.CheckStatusWarning:
			totalWarnings++
		}
	}

	fmt.Fprintln(out)
	if totalErrors == 0 && totalWarnings == 0 {
		fmt.Fprintln(out, "All checks passed!")
	} else {
		var summary []string
		if totalErrors > 0 {
			summary = append(summary, fmt.Sprintf("%d error(s)", totalErrors))
		}
		if totalWarnings > 0 {
			summary = append(summary, fmt.Sprintf("%d warning(s)", totalWarnings))
		}
		fmt.Fprintln(out, strings.Join(summary, ", "))
	}

	if totalErrors > 0 {
		return fmt.Errorf("preflight checks failed with %d error(s)", totalErrors)
	}

	return nil
}

func (c DoctorCommand) checkLauncher() model.CheckResult {
	path, err := exec.LookPath(c.launcher)
	if err != nil {
		return model.CheckResult{
			ID:      "launcher_present",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("launcher %q not found on PATH", c.launcher),
		}
	}
	return model.CheckResult{
		ID:      "launcher_present",
		Status:  model.CheckStatusOK,
		Message: fmt.Sprintf("launcher found at %s", path),
	}
}

func (c DoctorCommand) checkDataDir() model.CheckResult {
	dataDir := c.rootCmd.DataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return model.CheckResult{
			ID:      "data_dir_writable",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("could not create data dir %s: %s", dataDir, err),
		}
	}

	probe := filepath.Join(dataDir, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0600); err != nil {
		return model.CheckResult{
			ID:      "data_dir_writable",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("data dir %s is not writable: %s", dataDir, err),
		}
	}
	_ = os.Remove(probe)

	return model.CheckResult{
		ID:      "data_dir_writable",
		Status:  model.CheckStatusOK,
		Message: fmt.Sprintf("data dir %s is writable", dataDir),
	}
}

func (c DoctorCommand) checkAllowlist() model.CheckResult {
	path := conventions.AllowlistPath(c.rootCmd.DataDir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return model.CheckResult{
			ID:      "mount_allowlist",
			Status:  model.CheckStatusWarning,
			Message: fmt.Sprintf("no allowlist at %s, extra mounts are disabled", path),
		}
	}

	allowlist, err := mounts.LoadAllowlist(path)
	if err != nil {
		return model.CheckResult{
			ID:      "mount_allowlist",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("could not load allowlist: %s", err),
		}
	}

	return model.CheckResult{
		ID:      "mount_allowlist",
		Status:  model.CheckStatusOK,
		Message: fmt.Sprintf("allowlist loaded with %d entries", len(allowlist.Mounts)),
	}
}

func (c DoctorCommand) checkDatabase(ctx context.Context) model.CheckResult {
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.dbPath(),
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return model.CheckResult{
			ID:      "database",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("could not open database: %s", err),
		}
	}
	defer repo.Close()

	if err := repo.Ping(ctx); err != nil {
		return model.CheckResult{
			ID:      "database",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("database is not reachable: %s", err),
		}
	}

	return model.CheckResult{
		ID:      "database",
		Status:  model.CheckStatusOK,
		Message: fmt.Sprintf("database reachable at %s", c.rootCmd.dbPath()),
	}
}

func statusIcon(status model.CheckStatus) string {
	switch status {
	case model.CheckStatusOK:
		return "OK"
	case model.CheckStatusWarning:
		return "!!"
	case model.CheckStatusError:
		return "XX"
	default:
		return "??"
	}
}
