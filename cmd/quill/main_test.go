package main

import (
	"strings"
	"testing"
)

func TestDispatchHistoryWithoutStore(t *testing.T) {
	app := &Application{}

	if err := app.dispatch([]string{"history"}, nil); err == nil {
		t.Fatal("expected error when history is not configured")
	}
	if err := app.dispatch([]string{"history", "user-2"}, nil); err == nil {
		t.Fatal("expected error for peer-filtered history without a store")
	}
	if err := app.dispatch([]string{"prune", "30"}, nil); err == nil {
		t.Fatal("expected error when pruning without a store")
	}
}

func TestDispatchPruneArguments(t *testing.T) {
	app := &Application{}

	for _, fields := range [][]string{
		{"prune"},
		{"prune", "soon"},
		{"prune", "-1"},
	} {
		err := app.dispatch(fields, nil)
		if err == nil || !strings.Contains(err.Error(), "usage") {
			t.Fatalf("dispatch(%v) = %v, want usage error", fields, err)
		}
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	app := &Application{}
	if err := app.dispatch([]string{"warble"}, nil); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
