package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

type launchRequest struct {
	spec  LaunchSpec
	reply chan launchResult
}

type launchResult struct {
	instance *Instance
	err      error
}

type stopRequest struct {
	id    string
	reply chan error
}

// Manager serializes VM lifecycle operations through a single goroutine.
// Launch and Stop push requests onto a channel that Run drains, so two
// callers can never race on the launcher or the instance table.
type Manager struct {
	launcher *Launcher
	network  *NetworkManager
	logger   *slog.Logger

	socketDir string
	launches  chan launchRequest
	stops     chan stopRequest

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewManager creates a Manager. network may be nil, in which case VMs are
// launched without a NIC.
func NewManager(launcher *Launcher, network *NetworkManager, socketDir string, logger *slog.Logger) *Manager {
	return &Manager{
		launcher:  launcher,
		network:   network,
		logger:    logger,
		socketDir: socketDir,
		launches:  make(chan launchRequest),
		stops:     make(chan stopRequest),
		instances: make(map[string]*Instance),
	}
}

// Run processes requests until ctx is cancelled. It must be running for
// Launch and Stop to make progress.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.setupSocketDir(); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "vm manager running", "socket_dir", m.socketDir)

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return ctx.Err()

		case req := <-m.launches:
			instance, err := m.launch(ctx, req.spec)
			req.reply <- launchResult{instance: instance, err: err}

		case req := <-m.stops:
			req.reply <- m.stop(ctx, req.id)
		}
	}
}

// Launch requests a VM start and waits for the result.
func (m *Manager) Launch(ctx context.Context, spec LaunchSpec) (*Instance, error) {
	req := launchRequest{spec: spec, reply: make(chan launchResult, 1)}

	select {
	case m.launches <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-req.reply:
		return result.instance, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop requests a VM shutdown and waits for the result.
func (m *Manager) Stop(ctx context.Context, id string) error {
	req := stopRequest{id: id, reply: make(chan error, 1)}

	select {
	case m.stops <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Instances returns a snapshot of the running VMs.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instances := make([]*Instance, 0, len(m.instances))
	for _, instance := range m.instances {
		instances = append(instances, instance)
	}
	return instances
}

func (m *Manager) launch(ctx context.Context, spec LaunchSpec) (*Instance, error) {
	if spec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate vm id: %w", err)
		}
		spec.ID = id.String()
	}

	if m.network != nil && spec.Network == nil {
		guest, err := m.network.Attach(spec.ID)
		if err != nil {
			return nil, fmt.Errorf("attach guest network: %w", err)
		}
		spec.Network = guest
	}

	instance, err := m.launcher.Launch(ctx, spec)
	if err != nil {
		if spec.Network != nil && m.network != nil {
			_ = m.network.Detach(spec.Network)
		}
		return nil, err
	}

	m.mu.Lock()
	m.instances[instance.ID] = instance
	m.mu.Unlock()

	return instance, nil
}

func (m *Manager) stop(ctx context.Context, id string) error {
	m.mu.Lock()
	instance, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no running vm with id %s", id)
	}

	if err := m.launcher.Stop(ctx, instance); err != nil {
		return err
	}

	if instance.Network != nil && m.network != nil {
		if err := m.network.Detach(instance.Network); err != nil {
			m.logger.WarnContext(ctx, "failed to detach guest network",
				"id", id, "error", err)
		}
	}

	return nil
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	instances := m.instances
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	ctx := context.Background()
	for id, instance := range instances {
		if err := m.launcher.Stop(ctx, instance); err != nil {
			m.logger.Warn("failed to stop vm during shutdown", "id", id, "error", err)
		}
		if instance.Network != nil && m.network != nil {
			_ = m.network.Detach(instance.Network)
		}
	}
}

func (m *Manager) setupSocketDir() error {
	if err := os.MkdirAll(m.socketDir, 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	return nil
}
