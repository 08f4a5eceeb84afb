package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basaltfleet/basalt/internal/capability"
	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/store"
)

// execute runs a single routed operation against the node's driver
// capabilities. Failures surface in the node's provision state, never as a
// crash of the operation loop.
func (s *Service) execute(ctx context.Context, op *models.Operation) {
	logger := s.logger.With("operation_id", op.ID, "node_id", op.NodeID, "kind", string(op.Kind))

	node, err := s.st.Nodes().Get(ctx, op.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("operation for unknown node dropped")
			return
		}
		logger.Error("failed to load node", "error", err)
		return
	}

	// Ownership may have moved while the operation sat in the mailbox.
	// Forward instead of executing against a node we no longer own.
	dest, err := s.router.Route(node.ID, node.Driver)
	if err != nil {
		logger.Error("node became unroutable", "error", err)
		return
	}
	if !dest.Local {
		logger.Info("ownership moved mid-flight, forwarding", "new_owner", dest.Hostname)
		if err := s.router.Dispatch(ctx, dest, op); err != nil {
			logger.Error("failed to forward operation", "error", err)
		}
		return
	}

	if node.Maintenance {
		logger.Warn("operation rejected, node in maintenance")
		return
	}

	variant, ok := s.registry.Variant(node.Driver)
	if !ok {
		logger.Error("unsupported driver", "driver", node.Driver)
		return
	}

	if s.cipher != nil && s.cipher.CanDecrypt() {
		info, err := s.cipher.DecryptDriverInfo(node.DriverInfo)
		if err != nil {
			s.failNode(ctx, logger, node, fmt.Errorf("decrypting driver info: %w", err))
			return
		}
		node.DriverInfo = info
	}

	if err := s.runOperation(ctx, variant, node, op); err != nil {
		s.failNode(ctx, logger, node, err)
		return
	}
	logger.Info("operation completed")
}

func (s *Service) runOperation(ctx context.Context, variant *capability.Variant, node *models.Node, op *models.Operation) error {
	switch op.Kind {
	case models.OpPowerOn, models.OpPowerOff, models.OpReboot:
		power, ok := variant.Power()
		if !ok {
			return fmt.Errorf("driver %s has no power capability", node.Driver)
		}
		switch op.Kind {
		case models.OpPowerOn:
			return power.SetPowerState(ctx, node, capability.PowerOn)
		case models.OpPowerOff:
			return power.SetPowerState(ctx, node, capability.PowerOff)
		default:
			return power.Reboot(ctx, node)
		}

	case models.OpDeploy:
		deploy, ok := variant.Deploy()
		if !ok {
			return fmt.Errorf("driver %s has no deploy capability", node.Driver)
		}
		if err := s.setState(ctx, node, models.StateDeploying); err != nil {
			return err
		}
		if boot, ok := variant.Boot(); ok {
			if err := boot.PrepareBoot(ctx, node); err != nil {
				return fmt.Errorf("preparing boot: %w", err)
			}
		}
		if err := deploy.Deploy(ctx, node, op.Payload); err != nil {
			return err
		}
		return s.setState(ctx, node, models.StateActive)

	case models.OpUndeploy:
		deploy, ok := variant.Deploy()
		if !ok {
			return fmt.Errorf("driver %s has no deploy capability", node.Driver)
		}
		if err := s.setState(ctx, node, models.StateCleaning); err != nil {
			return err
		}
		if err := deploy.TearDown(ctx, node); err != nil {
			return err
		}
		if boot, ok := variant.Boot(); ok {
			if err := boot.CleanUpBoot(ctx, node); err != nil {
				return fmt.Errorf("cleaning up boot: %w", err)
			}
		}
		return s.setState(ctx, node, models.StateAvailable)

	case models.OpInspect:
		inspector, ok := variant.Inspector()
		if !ok {
			return fmt.Errorf("driver %s has no inspect capability", node.Driver)
		}
		if err := inspector.Inspect(ctx, node); err != nil {
			return err
		}
		if node.ProvisionState == models.StateEnrolling {
			return s.setState(ctx, node, models.StateAvailable)
		}
		return nil

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// setState persists a provision state change.
func (s *Service) setState(ctx context.Context, node *models.Node, state models.ProvisionState) error {
	node.ProvisionState = state
	if err := s.st.Nodes().Update(ctx, node); err != nil {
		return fmt.Errorf("persisting state %s: %w", state, err)
	}
	return nil
}

// failNode moves the node to the error state with the failure recorded.
func (s *Service) failNode(ctx context.Context, logger *slog.Logger, node *models.Node, opErr error) {
	logger.Error("operation failed", "error", opErr)
	node.ProvisionState = models.StateError
	node.AttentionReason = opErr.Error()
	node.NeedsAttention = true
	if err := s.st.Nodes().Update(ctx, node); err != nil {
		logger.Error("failed to persist error state", "error", err)
	}
}
