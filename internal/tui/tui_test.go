package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/animus-labs/requestor-go/internal/domain"
)

func TestModelWaitsForSnapshot(t *testing.T) {
	view := NewModel("requestor", "subnet public").View()
	if !strings.Contains(view, "waiting for the first snapshot") {
		t.Fatalf("unexpected initial view: %q", view)
	}
}

func TestModelRendersStatus(t *testing.T) {
	var model tea.Model = NewModel("requestor", "subnet public")
	model, _ = model.Update(tea.WindowSizeMsg{Width: 100, Height: 20})
	model, cmd := model.Update(StatusMsg{
		At: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Instances: []domain.Instance{
			{Name: "lumen-node-1", State: domain.InstanceStateRunning, Context: &domain.ExecutionContext{ActivityID: "act-1"}},
			{Name: "basalt-gpu", State: domain.InstanceStateTerminated, Err: errors.New("step deploy failed")},
		},
	})
	if cmd != nil {
		t.Fatalf("status updates must not schedule commands")
	}

	view := model.View()
	for _, want := range []string{"lumen-node-1: running", "activity act-1", "basalt-gpu: terminated", "step deploy failed", "updated 03:04:05"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}
