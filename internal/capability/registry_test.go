package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/basaltfleet/basalt/internal/models"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(NewFakeVariant(nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewFakeVariant(nil)); !errors.Is(err, ErrDuplicateVariant) {
		t.Fatalf("expected ErrDuplicateVariant, got %v", err)
	}
}

func TestRegistryValidatesCapabilityInterfaces(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Variant{
		Name: "broken",
		Capabilities: map[Name]any{
			Power: struct{}{}, // does not implement PowerInterface
		},
	})
	if err == nil {
		t.Fatal("expected validation error for non-conforming capability")
	}

	err = r.Register(&Variant{
		Name:         "unknown-cap",
		Capabilities: map[Name]any{Name("telepathy"): struct{}{}},
	})
	if err == nil {
		t.Fatal("expected validation error for unknown capability name")
	}
}

func TestFakeVariantDeclaresFullCapabilitySet(t *testing.T) {
	v := NewFakeVariant(nil)

	for _, name := range []Name{Power, Deploy, Management, Console, Boot, Inspect, RAID, Vendor} {
		if !v.Has(name) {
			t.Errorf("fake variant missing capability %q", name)
		}
	}
	if v.TakeOver == nil || v.CleanUp == nil {
		t.Fatal("fake variant must declare transition hooks")
	}
	if len(v.PeriodicTasks) == 0 {
		t.Fatal("fake variant must declare periodic tasks")
	}
}

func TestCapabilityDispatchByLookup(t *testing.T) {
	v := NewFakeVariant(nil)
	ctx := context.Background()
	node := &models.Node{ID: "n1", Name: "node-0001", Driver: FakeVariantName}

	power, ok := v.Power()
	if !ok {
		t.Fatal("power capability not found")
	}
	if err := power.SetPowerState(ctx, node, PowerOn); err != nil {
		t.Fatal(err)
	}
	state, err := power.PowerState(ctx, node)
	if err != nil || state != PowerOn {
		t.Fatalf("power state = %q, %v; want on", state, err)
	}

	console, ok := v.Console()
	if !ok {
		t.Fatal("console capability not found")
	}
	stream, err := console.OpenConsole(ctx, node)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	buf := make([]byte, 64)
	n, _ := stream.Read(buf)
	if n == 0 {
		t.Fatal("console produced no output")
	}
}
