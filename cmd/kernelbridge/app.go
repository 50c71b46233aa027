package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	dockerclient "github.com/docker/docker/client"

	"kernelbridge/internal/binding"
	cliconfig "kernelbridge/internal/cli/config"
	"kernelbridge/internal/monitor"
	"kernelbridge/internal/orchestrator"
	"kernelbridge/internal/provision"
	"kernelbridge/internal/relay"
	"kernelbridge/internal/tunnel"
	"kernelbridge/internal/workflow"
)

// app is one wired-up instance: registry seeded from config plus the
// orchestrator and its collaborators.
type app struct {
	cfg      *cliconfig.Config
	logger   *slog.Logger
	registry *binding.Registry
	monitor  *monitor.Monitor
	orch     *orchestrator.Orchestrator
}

// buildApp assembles the engine. comms receives relayed backend traffic;
// nil drops it and keeps only replies.
func (r *rootOptions) buildApp(comms relay.Comms) (*app, error) {
	logger := r.logger
	registry := binding.NewRegistry(logger)
	if err := r.cfg.Seed(registry); err != nil {
		return nil, err
	}

	dataDir := r.dataDir
	if dataDir == "" {
		dataDir = r.cfg.ResolveDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	tunnels := tunnel.NewManager(tunnel.Config{
		Dial: provision.TunnelDialer(func(host string) (binding.Connection, bool) {
			for _, b := range registry.List() {
				if b.Connection.Type == binding.ConnectionSSH && b.Connection.Host == host {
					return b.Connection, true
				}
			}
			return binding.Connection{}, false
		}, logger),
		Logger: logger,
	})

	workflows := workflow.NewRunner(workflow.Config{
		Dirs:   append(r.cfg.WorkflowDirs, filepath.Join(cliconfig.DefaultConfigDir(), "workflows")),
		Logger: logger,
	})

	docker, err := containerRuntime(registry)
	if err != nil {
		return nil, err
	}

	mon := monitor.New(monitor.Config{
		Logger: logger,
		OnDisconnect: func(name string) {
			registry.SetState(name, binding.StateDisconnected)
			registry.SetProgress(name, "backend stopped responding", -1)
		},
	})

	orch := orchestrator.New(orchestrator.Config{
		Registry: registry,
		Relay:    relay.New(relay.Config{Comms: comms, Logger: logger, MaxWait: r.maxWait}),
		Monitor:  mon,
		Provision: provision.Deps{
			Logger:    logger,
			Tunnels:   tunnels,
			Workflows: workflows,
			Docker:    docker,
			DataDir:   dataDir,
		},
		DataDir: dataDir,
		Logger:  logger,
	})

	return &app{
		cfg:      r.cfg,
		logger:   logger,
		registry: registry,
		monitor:  mon,
		orch:     orch,
	}, nil
}

// containerRuntime builds a docker client only when some binding needs one.
func containerRuntime(registry *binding.Registry) (provision.ContainerAPI, error) {
	needed := false
	for _, b := range registry.List() {
		if b.Connection.Type == binding.ConnectionContainer {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container runtime: %w", err)
	}
	return cli, nil
}
