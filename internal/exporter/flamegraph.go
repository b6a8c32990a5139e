package exporter

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
)

// BuildFoldedStacks counts identical thread stacks across reports, one per
// selected thread, in the folded format flamegraph tools read.
func BuildFoldedStacks(states []*processor.ProcessState, which ThreadSelection) map[string]uint64 {
	agg := make(map[string]uint64)
	for _, state := range states {
		for _, cs := range selectThreads(state, which) {
			if len(cs.Frames) == 0 {
				continue
			}

			names := make([]string, 0, len(cs.Frames))
			for i := len(cs.Frames) - 1; i >= 0; i-- { // reverse order because flamegraphs expect root->leaf order
				names = append(names, escapeFoldedName(FrameName(&cs.Frames[i])))
			}
			agg[strings.Join(names, ";")]++
		}
	}
	return agg
}

func escapeFoldedName(name string) string {
	name = strings.ReplaceAll(name, ";", "_")  // frame separator in folded stacks format
	name = strings.ReplaceAll(name, "\n", " ") // line separator
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}

// WriteFoldedStacksToFile writes agg to filename, heaviest stacks first.
func WriteFoldedStacksToFile(agg map[string]uint64, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteFoldedStacks(agg, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func WriteFoldedStacks(agg map[string]uint64, w io.Writer) error {
	type kv struct {
		k string
		v uint64
	}
	var items []kv
	for k, v := range agg {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v == items[j].v {
			return items[i].k < items[j].k
		}
		return items[i].v > items[j].v
	})

	for _, it := range items {
		if _, err := fmt.Fprintf(w, "%s %d\n", it.k, it.v); err != nil {
			return err
		}
	}
	return nil
}
