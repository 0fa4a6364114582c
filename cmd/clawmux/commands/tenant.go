package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/clawmux/clawmux/internal/model"
	"github.com/clawmux/clawmux/internal/storage/sqlite"
)

// NewTenantCommand returns the tenant parent command.
func NewTenantCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("tenant", "Manage registered tenants.")
}

type TenantRegisterCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	tenantID   string
	role       string
	deadline   time.Duration
	fastPath   bool
	mountSpecs []string
}

// NewTenantRegisterCommand returns the tenant register command.
func NewTenantRegisterCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TenantRegisterCommand {
	c := &TenantRegisterCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("register", "Register a new tenant.")
	c.Cmd.Arg("id", "Tenant ID.").Required().StringVar(&c.tenantID)
	c.Cmd.Flag("role", "Tenant isolation role.").Default(string(model.RoleStandard)).EnumVar(&c.role, string(model.RoleStandard), string(model.RolePrivileged))
	c.Cmd.Flag("deadline", "Per-tenant execution deadline override. Zero uses the runner default.").DurationVar(&c.deadline)
	c.Cmd.Flag("fast-path", "Allow the sandboxless fast path for this tenant.").BoolVar(&c.fastPath)
	c.Cmd.Flag("mount", "Extra mount request as HOST:SANDBOX[:ro|rw]. Must match the allowlist at run time. Can be repeated.").StringsVar(&c.mountSpecs)

	return c
}

func (c TenantRegisterCommand) Name() string { return c.Cmd.FullCommand() }

func (c TenantRegisterCommand) Run(ctx context.Context) error {
	extraMounts, err := parseMountSpecs(c.mountSpecs)
	if err != nil {
		return fmt.Errorf("invalid --mount value: %w", err)
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.dbPath(),
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	tenant := model.Tenant{
		ID:              c.tenantID,
		Role:            model.Role(c.role),
		Deadline:        c.deadline,
		FastPathEnabled: c.fastPath,
		ExtraMounts:     extraMounts,
		CreatedAt:       time.Now().UTC(),
	}

	if err := repo.CreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("could not register tenant: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Tenant %s registered (%s)\n", tenant.ID, tenant.Role)
	return nil
}

type TenantListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewTenantListCommand returns the tenant list command.
func NewTenantListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TenantListCommand {
	c := &TenantListCommand{rootCmd: rootCmd}
	c.Cmd = parent.Command("list", "List registered tenants.")
	return c
}

func (c TenantListCommand) Name() string { return c.Cmd.FullCommand() }

func (c TenantListCommand) Run(ctx context.Context) error {
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.dbPath(),
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	tenants, err := repo.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("could not list tenants: %w", err)
	}

	out := c.rootCmd.Stdout
	fmt.Fprintf(out, "%-24s %-12s %-10s %-10s %-7s %s\n", "ID", "ROLE", "DEADLINE", "FAST-PATH", "MOUNTS", "CREATED")
	for _, t := range tenants {
		deadline := "default"
		if t.Deadline > 0 {
			deadline = t.Deadline.String()
		}
		fmt.Fprintf(out, "%-24s %-12s %-10s %-10t %-7d %s\n",
			t.ID, t.Role, deadline, t.FastPathEnabled, len(t.ExtraMounts), t.CreatedAt.Format(time.RFC3339))
	}

	return nil
}

type TenantRemoveCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	tenantID string
}

// NewTenantRemoveCommand returns the tenant rm command.
func NewTenantRemoveCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TenantRemoveCommand {
	c := &TenantRemoveCommand{rootCmd: rootCmd}
	c.Cmd = parent.Command("rm", "Remove a registered tenant.")
	c.Cmd.Arg("id", "Tenant ID.").Required().StringVar(&c.tenantID)
	return c
}

func (c TenantRemoveCommand) Name() string { return c.Cmd.FullCommand() }

func (c TenantRemoveCommand) Run(ctx context.Context) error {
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.dbPath(),
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	if err := repo.DeleteTenant(ctx, c.tenantID); err != nil {
		return fmt.Errorf("could not remove tenant: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Tenant %s removed\n", c.tenantID)
	return nil
}

type TenantUsageCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	tenantID string
	since    time.Duration
}

// NewTenantUsageCommand returns the tenant usage command.
func NewTenantUsageCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TenantUsageCommand {
	c := &TenantUsageCommand{rootCmd: rootCmd}
	c.Cmd = parent.Command("usage", "Show a tenant's recent execution usage.")
	c.Cmd.Arg("id", "Tenant ID.").Required().StringVar(&c.tenantID)
	c.Cmd.Flag("since", "How far back to look.").Default("24h").DurationVar(&c.since)
	return c
}

func (c TenantUsageCommand) Name() string { return c.Cmd.FullCommand() }

func (c TenantUsageCommand) Run(ctx context.Context) error {
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.dbPath(),
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	records, err := repo.ListUsage(ctx, c.tenantID, time.Now().UTC().Add(-c.since))
	if err != nil {
		return fmt.Errorf("could not list usage: %w", err)
	}

	out := c.rootCmd.Stdout
	fmt.Fprintf(out, "%-22s %-9s %-10s %-8s %s\n", "CREATED", "STATUS", "DURATION", "PROMPT", "RESPONSE")

	var totalPrompt, totalResponse int
	var totalDuration time.Duration
	for _, rec := range records {
		fmt.Fprintf(out, "%-22s %-9s %-10s %-8d %d\n",
			rec.CreatedAt.Format(time.RFC3339), rec.Status, rec.Duration.Round(time.Millisecond), rec.PromptTokens, rec.ResponseTokens)
		totalPrompt += rec.PromptTokens
		totalResponse += rec.ResponseTokens
		totalDuration += rec.Duration
	}

	fmt.Fprintf(out, "\n%d run(s), %s total, %d prompt / %d response tokens\n",
		len(records), totalDuration.Round(time.Millisecond), totalPrompt, totalResponse)

	return nil
}

// parseMountSpecs turns repeated --mount values (HOST:SANDBOX[:ro|rw]) into
// mount requests. Mounts default to read-only.
func parseMountSpecs(specs []string) ([]model.Mount, error) {
	var mounts []model.Mount
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("mount spec %q must be HOST:SANDBOX[:ro|rw]", spec)
		}

		m := model.Mount{HostPath: parts[0], SandboxPath: parts[1], ReadOnly: true}
		if len(parts) == 3 {
			switch parts[2] {
			case "ro":
			case "rw":
				m.ReadOnly = false
			default:
				return nil, fmt.Errorf("mount spec %q has invalid mode %q (must be ro or rw)", spec, parts[2])
			}
		}

		mounts = append(mounts, m)
	}

	return mounts, nil
}
