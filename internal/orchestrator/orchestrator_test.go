package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/agidotai/memini/internal/config"
	"github.com/agidotai/memini/internal/coordination"
	"github.com/agidotai/memini/internal/provider"
)

type stubReasoner struct{}

func (stubReasoner) Decide(ctx context.Context, req provider.Request) (provider.Decision, error) {
	return provider.Decision{Kind: provider.KindFinal, Text: "done"}, nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.Autopilot.RecipesDir = t.TempDir()
	cfg.Autopilot.Watch = false
	cfg.Autopilot.Autostart = false
	cfg.History.Enabled = false
	cfg.Serve.Enabled = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orc, err := New(cfg, logger, WithReasoner(stubReasoner{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(orc.Close)
	return orc
}

func TestOrchestrator_SpawnGroupGeneratesKey(t *testing.T) {
	orc := newTestOrchestrator(t)

	key, ids, err := orc.SpawnGroup("", []string{"check the api", "check the docs"})
	if err != nil {
		t.Fatalf("SpawnGroup: %v", err)
	}
	if key == "" {
		t.Fatal("no key generated")
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	if !orc.Groups.Has(key) {
		t.Fatalf("group %q not registered", key)
	}

	second, _, err := orc.SpawnGroup("", []string{"one more"})
	if err != nil {
		t.Fatalf("SpawnGroup: %v", err)
	}
	if second == key {
		t.Fatalf("generated keys collide: %q", second)
	}
}

func TestOrchestrator_SpawnGroupSkipsClaimedKeys(t *testing.T) {
	orc := newTestOrchestrator(t)

	claimed, _, err := orc.SpawnGroup("group-1", []string{"a"})
	if err != nil {
		t.Fatalf("SpawnGroup: %v", err)
	}
	if claimed != "group-1" {
		t.Fatalf("operator key rewritten to %q", claimed)
	}

	generated, _, err := orc.SpawnGroup("", []string{"b"})
	if err != nil {
		t.Fatalf("SpawnGroup: %v", err)
	}
	if generated == "group-1" {
		t.Fatal("generated key collided with a claimed one")
	}
}

func TestOrchestrator_SpawnGroupDuplicateKey(t *testing.T) {
	orc := newTestOrchestrator(t)

	if _, _, err := orc.SpawnGroup("review", []string{"a"}); err != nil {
		t.Fatalf("SpawnGroup: %v", err)
	}
	if _, _, err := orc.SpawnGroup("review", []string{"b"}); !errors.Is(err, coordination.ErrDuplicateGroup) {
		t.Fatalf("duplicate key = %v", err)
	}
}
