// Package capability describes driver variants as capability-set records: a
// variant is data declaring which named capabilities it provides, each backed
// by an interface value. Callers dispatch by looking up the capability,
// never by subtype inspection.
package capability

import (
	"context"
	"encoding/json"
	"io"

	"github.com/basaltfleet/basalt/internal/models"
)

// Name identifies one of the fixed set of driver capabilities.
type Name string

const (
	Power      Name = "power"
	Deploy     Name = "deploy"
	Management Name = "management"
	Console    Name = "console"
	Boot       Name = "boot"
	Inspect    Name = "inspect"
	RAID       Name = "raid"
	Vendor     Name = "vendor"
)

// PowerState is a hardware power state reported or requested via the power
// capability.
type PowerState string

const (
	PowerOn  PowerState = "on"
	PowerOff PowerState = "off"
)

// PowerInterface controls a node's power through its BMC.
type PowerInterface interface {
	PowerState(ctx context.Context, node *models.Node) (PowerState, error)
	SetPowerState(ctx context.Context, node *models.Node, state PowerState) error
	Reboot(ctx context.Context, node *models.Node) error
}

// DeployInterface writes and removes workload images.
type DeployInterface interface {
	Deploy(ctx context.Context, node *models.Node, payload json.RawMessage) error
	TearDown(ctx context.Context, node *models.Node) error
}

// ManagementInterface covers boot-device and general BMC management.
type ManagementInterface interface {
	SetBootDevice(ctx context.Context, node *models.Node, device string) error
	BootDevice(ctx context.Context, node *models.Node) (string, error)
}

// ConsoleInterface exposes the node's serial console as a byte stream.
type ConsoleInterface interface {
	OpenConsole(ctx context.Context, node *models.Node) (io.ReadWriteCloser, error)
}

// BootInterface prepares and cleans up boot configuration around a deploy.
type BootInterface interface {
	PrepareBoot(ctx context.Context, node *models.Node) error
	CleanUpBoot(ctx context.Context, node *models.Node) error
}

// InspectInterface discovers hardware properties of a node.
type InspectInterface interface {
	Inspect(ctx context.Context, node *models.Node) error
}

// RAIDInterface applies storage controller configuration.
type RAIDInterface interface {
	ApplyRAIDConfig(ctx context.Context, node *models.Node, config json.RawMessage) error
}

// VendorInterface forwards vendor-specific methods the generic capabilities
// do not model.
type VendorInterface interface {
	Passthru(ctx context.Context, node *models.Node, method string, payload json.RawMessage) (json.RawMessage, error)
}
