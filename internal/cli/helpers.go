package cli

import (
	"fmt"
	"os"

	"github.com/flowforge/orchestrator/internal/broadcaster"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/credential"
	"github.com/flowforge/orchestrator/internal/gitadapter"
	"github.com/flowforge/orchestrator/internal/workflow"
)

// loadConfig reads and validates the orchestrator config at configPath.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d config validation error(s)", len(errs))
	}
	return cfg, nil
}

// services bundles the process-wide collaborators every CLI command
// against the running stores needs.
type services struct {
	cfg         *config.Config
	broadcaster *broadcaster.Broadcaster
	git         *gitadapter.Adapter
	workflows   *workflow.Store
	credentials *credential.Service
}

func newServices() (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	b := broadcaster.New()
	git := gitadapter.NewAdapter(nil)
	workflows := workflow.New(cfg.Stores.WorkflowsPath, git, workflow.WithBroadcaster(b))
	creds := credential.New(cfg.Stores.CredentialsPath, credential.WithBroadcaster(b))

	masterKey, err := cfg.MasterKey.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolving master key: %w", err)
	}
	if err := creds.Init(masterKey); err != nil {
		return nil, fmt.Errorf("initializing credential store: %w", err)
	}

	return &services{
		cfg:         cfg,
		broadcaster: b,
		git:         git,
		workflows:   workflows,
		credentials: creds,
	}, nil
}
