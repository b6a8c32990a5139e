package exporter

import (
	"bufio"
	"os"
	"strings"
	"testing"

	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
	"github.com/VladMinzatu/minidump-stackwalker/internal/symbols"
)

func TestBuildFoldedStacks_AggregationAndOrder(t *testing.T) {
	agg := BuildFoldedStacks([]*processor.ProcessState{testState(), testState()}, All)
	if len(agg) != 2 {
		t.Fatalf("expected 2 aggregated entries, got %d: %v", len(agg), agg)
	}

	crashed := "(unloaded old.so+0xf);app!main;app!crash_here"
	if agg[crashed] != 2 {
		t.Fatalf("unexpected count for %q: %d (want 2)", crashed, agg[crashed])
	}
	if agg["app+0x3000"] != 2 {
		t.Fatalf("unexpected count for app+0x3000: %d (want 2)", agg["app+0x3000"])
	}
}

func TestBuildFoldedStacks_Requesting(t *testing.T) {
	agg := BuildFoldedStacks([]*processor.ProcessState{testState()}, Requesting)
	if len(agg) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(agg))
	}
	for k := range agg {
		if !strings.HasSuffix(k, "app!crash_here") {
			t.Fatalf("unexpected folded key: %q", k)
		}
	}

	state := testState()
	state.RequestingThread = -1
	if agg := BuildFoldedStacks([]*processor.ProcessState{state}, Requesting); len(agg) != 0 {
		t.Fatalf("expected no entries without a requesting thread, got %v", agg)
	}
}

func TestBuildFoldedStacks_Escaping(t *testing.T) {
	state := testState()
	state.Threads[0].Frames[0].Symbol = symbols.Resolution{Kind: symbols.KindFunction, Name: "operator;\nweird"}
	agg := BuildFoldedStacks([]*processor.ProcessState{state}, Requesting)
	for k := range agg {
		parts := strings.Split(k, ";")
		if len(parts) != 3 {
			t.Fatalf("internal semicolon not escaped in %q", k)
		}
		if strings.Contains(k, "\n") {
			t.Fatalf("newline not escaped in %q", k)
		}
	}
}

func TestWriteFoldedStacksToFile(t *testing.T) {
	agg := map[string]uint64{
		"root;leaf": 10,
		"r;l":       5,
		"a;b":       5,
	}
	tmp := t.TempDir() + "/folded.txt"
	if err := WriteFoldedStacksToFile(agg, tmp); err != nil {
		t.Fatalf("WriteFoldedStacksToFile failed: %v", err)
	}

	f, err := os.Open(tmp)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	want := []string{"root;leaf 10", "a;b 5", "r;l 5"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, lines[i], want[i])
		}
	}
}

func TestFrameName(t *testing.T) {
	state := testState()
	tests := []struct {
		frame *processor.StackFrame
		want  string
	}{
		{&state.Threads[0].Frames[0], "app!crash_here"},
		{&state.Threads[0].Frames[2], "(unloaded old.so+0xf)"},
		{&state.Threads[1].Frames[0], "app+0x3000"},
		{&processor.StackFrame{}, "0x0"},
	}
	for _, tt := range tests {
		if got := FrameName(tt.frame); got != tt.want {
			t.Errorf("FrameName() = %q, want %q", got, tt.want)
		}
	}
}
