package fleet

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/runfleet/runfleet/internal/runner"
)

// Provisioner performs first-run provisioning of a worker slot (download,
// unpack, register the runner binary) and the matching de-registration. The
// supervisor only verifies the result; it never provisions.
type Provisioner interface {
	Provision(ctx context.Context, g Group, spec runner.Spec, regToken string) error
	Deregister(ctx context.Context, g Group, spec runner.Spec, removalToken string) error
}

// CommandProvisioner delegates provisioning to external commands, passing the
// slot identity and credential through the environment. This keeps the
// download/unpack/register machinery outside the fleet manager.
type CommandProvisioner struct {
	ProvisionCommand  string
	DeregisterCommand string
	Timeout           time.Duration
}

func (p CommandProvisioner) Provision(ctx context.Context, g Group, spec runner.Spec, regToken string) error {
	if strings.TrimSpace(p.ProvisionCommand) == "" {
		return fmt.Errorf("no provision command configured, cannot provision %s", spec.ID)
	}
	return p.run(ctx, p.ProvisionCommand, g, spec, regToken)
}

func (p CommandProvisioner) Deregister(ctx context.Context, g Group, spec runner.Spec, removalToken string) error {
	if strings.TrimSpace(p.DeregisterCommand) == "" {
		return nil
	}
	return p.run(ctx, p.DeregisterCommand, g, spec, removalToken)
}

func (p CommandProvisioner) run(ctx context.Context, command string, g Group, spec runner.Spec, token string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// #nosec G204 -- operator-configured hook command
	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"RUNFLEET_GROUP="+g.Slug(),
		"RUNFLEET_RUNNER_ID="+spec.ID,
		"RUNFLEET_RUNNER_DIR="+spec.Dir,
		"RUNFLEET_TOKEN="+token,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("provision hook for %s: %w: %s", spec.ID, err, strings.TrimSpace(string(out)))
	}
	return nil
}
