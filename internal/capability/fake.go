package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/periodic"
)

// FakeVariantName is the driver variant used in development and tests.
const FakeVariantName = "fake"

// fakeHardware backs every capability of the fake variant with logged no-ops
// and an in-memory power state table.
type fakeHardware struct {
	logger *slog.Logger

	mu    sync.Mutex
	power map[string]PowerState
}

// NewFakeVariant builds the fake driver variant. It declares the full
// capability set, trivial transition hooks, and a power-state sync task.
func NewFakeVariant(logger *slog.Logger) *Variant {
	if logger == nil {
		logger = slog.Default()
	}
	hw := &fakeHardware{
		logger: logger.With("driver", FakeVariantName),
		power:  make(map[string]PowerState),
	}

	return &Variant{
		Name: FakeVariantName,
		Capabilities: map[Name]any{
			Power:      hw,
			Deploy:     hw,
			Management: hw,
			Console:    hw,
			Boot:       hw,
			Inspect:    hw,
			RAID:       hw,
			Vendor:     hw,
		},
		TakeOver: hw.takeOver,
		CleanUp:  hw.cleanUp,
		PeriodicTasks: []periodic.Descriptor{
			{
				Name:     "fake.sync_power_states",
				Interval: time.Minute,
				Run:      hw.syncPowerStates,
			},
		},
	}
}

func (h *fakeHardware) takeOver(_ context.Context, node *models.Node) error {
	h.logger.Info("taking over node", "node_id", node.ID)
	return nil
}

func (h *fakeHardware) cleanUp(_ context.Context, node *models.Node) error {
	h.logger.Info("cleaning up node", "node_id", node.ID)
	h.mu.Lock()
	delete(h.power, node.ID)
	h.mu.Unlock()
	return nil
}

func (h *fakeHardware) syncPowerStates(context.Context) error {
	h.mu.Lock()
	n := len(h.power)
	h.mu.Unlock()
	h.logger.Debug("synced power states", "nodes", n)
	return nil
}

func (h *fakeHardware) PowerState(_ context.Context, node *models.Node) (PowerState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state, ok := h.power[node.ID]; ok {
		return state, nil
	}
	return PowerOff, nil
}

func (h *fakeHardware) SetPowerState(_ context.Context, node *models.Node, state PowerState) error {
	h.mu.Lock()
	h.power[node.ID] = state
	h.mu.Unlock()
	h.logger.Info("set power state", "node_id", node.ID, "state", string(state))
	return nil
}

func (h *fakeHardware) Reboot(ctx context.Context, node *models.Node) error {
	if err := h.SetPowerState(ctx, node, PowerOff); err != nil {
		return err
	}
	return h.SetPowerState(ctx, node, PowerOn)
}

func (h *fakeHardware) Deploy(_ context.Context, node *models.Node, _ json.RawMessage) error {
	h.logger.Info("deploying image", "node_id", node.ID)
	return nil
}

func (h *fakeHardware) TearDown(_ context.Context, node *models.Node) error {
	h.logger.Info("tearing down", "node_id", node.ID)
	return nil
}

func (h *fakeHardware) SetBootDevice(_ context.Context, node *models.Node, device string) error {
	h.logger.Info("set boot device", "node_id", node.ID, "device", device)
	return nil
}

func (h *fakeHardware) BootDevice(context.Context, *models.Node) (string, error) {
	return "disk", nil
}

func (h *fakeHardware) OpenConsole(_ context.Context, node *models.Node) (io.ReadWriteCloser, error) {
	return &fakeConsole{Reader: strings.NewReader("fake console for " + node.Name + "\r\n")}, nil
}

func (h *fakeHardware) PrepareBoot(context.Context, *models.Node) error { return nil }
func (h *fakeHardware) CleanUpBoot(context.Context, *models.Node) error { return nil }

func (h *fakeHardware) Inspect(_ context.Context, node *models.Node) error {
	h.logger.Info("inspected node", "node_id", node.ID)
	return nil
}

func (h *fakeHardware) ApplyRAIDConfig(_ context.Context, node *models.Node, _ json.RawMessage) error {
	h.logger.Info("applied raid config", "node_id", node.ID)
	return nil
}

func (h *fakeHardware) Passthru(_ context.Context, _ *models.Node, method string, payload json.RawMessage) (json.RawMessage, error) {
	h.logger.Info("vendor passthru", "method", method)
	return payload, nil
}

// fakeConsole serves a static banner and discards writes.
type fakeConsole struct {
	*strings.Reader
}

func (c *fakeConsole) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeConsole) Close() error                { return nil }
