package exporter

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/google/pprof/profile"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
	"github.com/VladMinzatu/minidump-stackwalker/internal/stackwalker"
)

// BuildPprofProfile turns the selected threads of each report into one
// sample each, so `pprof -top` ranks the functions threads were stuck in.
func BuildPprofProfile(states []*processor.ProcessState, which ThreadSelection) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "threads", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "threads", Unit: "count"},
		Period:     1,
	}
	if len(states) == 0 {
		return p, nil
	}

	type mappingKey struct {
		file string
		base uint64
	}
	type locationKey struct {
		mapping uint64
		addr    uint64
	}
	funcs := map[[2]string]*profile.Function{}
	mappings := map[mappingKey]*profile.Mapping{}
	locs := map[locationKey]*profile.Location{}

	addFunction := func(name, file string) *profile.Function {
		key := [2]string{name, file}
		if fn, ok := funcs[key]; ok {
			return fn
		}
		fn := &profile.Function{ID: uint64(len(p.Function) + 1), Name: name, SystemName: name, Filename: file}
		funcs[key] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addMapping := func(m *minidump.Module) *profile.Mapping {
		key := mappingKey{m.Name, m.Base}
		if mp, ok := mappings[key]; ok {
			return mp
		}
		mp := &profile.Mapping{
			ID:      uint64(len(p.Mapping) + 1),
			Start:   m.Base,
			Limit:   m.End(),
			File:    m.Name,
			BuildID: m.DebugID(),
		}
		mappings[key] = mp
		p.Mapping = append(p.Mapping, mp)
		return mp
	}

	addLocation := func(f *processor.StackFrame) *profile.Location {
		var mp *profile.Mapping
		key := locationKey{addr: f.Instruction}
		if f.Module != nil {
			mp = addMapping(f.Module)
			key.mapping = mp.ID
		}
		if loc, ok := locs[key]; ok {
			return loc
		}
		loc := &profile.Location{ID: uint64(len(p.Location) + 1), Mapping: mp, Address: f.Instruction}
		if f.Symbol.Found() {
			// Inlined calls come first, the function they were inlined into last.
			for i := len(f.Symbol.Inlines) - 1; i >= 0; i-- {
				loc.Line = append(loc.Line, profile.Line{Function: addFunction(f.Symbol.Inlines[i].Name, "")})
			}
			loc.Line = append(loc.Line, profile.Line{
				Function: addFunction(f.Symbol.Name, f.Symbol.File),
				Line:     int64(f.Symbol.Line),
			})
			if mp != nil {
				mp.HasFunctions = true
			}
		} else {
			loc.Line = []profile.Line{{Function: addFunction(FrameName(f), "")}}
		}
		locs[key] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, state := range states {
		if t := state.Time.UnixNano(); p.TimeNanos == 0 || t < p.TimeNanos {
			p.TimeNanos = t
		}
		for _, cs := range selectThreads(state, which) {
			if len(cs.Frames) == 0 {
				continue
			}
			// pprof stacks are leaf first, like ours.
			sample := &profile.Sample{
				Value: []int64{1},
				Label: map[string][]string{
					"thread_name":      {cs.ThreadName},
					"call_stack_state": {cs.Info.String()},
				},
				NumLabel: map[string][]int64{
					"thread_id": {int64(cs.ThreadID)},
					"min_trust": {int64(minTrust(cs))},
				},
			}
			if state.Crashed() {
				sample.Label["crash_reason"] = []string{state.CrashReason}
			}
			for i := range cs.Frames {
				sample.Location = append(sample.Location, addLocation(&cs.Frames[i]))
			}
			p.Sample = append(p.Sample, sample)
		}
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("building pprof profile: %w", err)
	}
	return p, nil
}

func minTrust(cs *processor.CallStack) stackwalker.Trust {
	lowest := stackwalker.TrustContext
	for _, f := range cs.Frames {
		lowest = min(lowest, f.Trust)
	}
	return lowest
}

func WriteProfileGzip(p *profile.Profile, w io.Writer) error {
	gw := gzip.NewWriter(w)
	if err := p.WriteUncompressed(gw); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// WriteProfile writes p gzip compressed to filename.
func WriteProfile(p *profile.Profile, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteProfileGzip(p, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
