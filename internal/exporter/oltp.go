package exporter

import (
	"fmt"
	"io"

	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
)

type NowFunc func() uint64 // produces unix nsec

// BuildOltpProfile exports the selected threads of a report as an OTLP
// profile with one sample per thread. Report level facts become resource
// attributes.
func BuildOltpProfile(state *processor.ProcessState, which ThreadSelection, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	stringTable := []string{""}
	mappingTable := []*profilespb.Mapping{{}}
	locationTable := []*profilespb.Location{{}}
	functionTable := []*profilespb.Function{{}}
	stackTable := []*profilespb.Stack{{}}

	sampleType := &profilespb.ValueType{
		TypeStrindex: strIndex(&stringTable, "threads"),
		UnitStrindex: strIndex(&stringTable, "count"),
	}

	mappings := map[*minidump.Module]int32{}
	mappingFor := func(m *minidump.Module) int32 {
		if m == nil {
			return 0
		}
		if idx, ok := mappings[m]; ok {
			return idx
		}
		mappingTable = append(mappingTable, &profilespb.Mapping{
			MemoryStart:      m.Base,
			MemoryLimit:      m.End(),
			FilenameStrindex: strIndex(&stringTable, m.Name),
		})
		idx := int32(len(mappingTable) - 1)
		mappings[m] = idx
		return idx
	}

	functions := map[string]int32{}
	functionFor := func(name, file string) int32 {
		key := name + "\x00" + file
		if idx, ok := functions[key]; ok {
			return idx
		}
		nameIdx := strIndex(&stringTable, name)
		fn := &profilespb.Function{NameStrindex: nameIdx, SystemNameStrindex: nameIdx}
		if file != "" {
			fn.FilenameStrindex = strIndex(&stringTable, file)
		}
		functionTable = append(functionTable, fn)
		idx := int32(len(functionTable) - 1)
		functions[key] = idx
		return idx
	}

	buildStack := func(frames []processor.StackFrame) int32 {
		locIndices := make([]int32, 0, len(frames))
		for i := range frames {
			f := &frames[i]
			loc := &profilespb.Location{
				Address:      f.Instruction,
				MappingIndex: mappingFor(f.Module),
			}
			if f.Symbol.Found() {
				for j := len(f.Symbol.Inlines) - 1; j >= 0; j-- {
					loc.Lines = append(loc.Lines, &profilespb.Line{FunctionIndex: functionFor(f.Symbol.Inlines[j].Name, "")})
				}
				loc.Lines = append(loc.Lines, &profilespb.Line{
					FunctionIndex: functionFor(f.Symbol.Name, f.Symbol.File),
					Line:          int64(f.Symbol.Line),
				})
			} else {
				loc.Lines = []*profilespb.Line{{FunctionIndex: functionFor(FrameName(f), "")}}
			}
			locationTable = append(locationTable, loc)
			locIndices = append(locIndices, int32(len(locationTable)-1))
		}

		stackTable = append(stackTable, &profilespb.Stack{LocationIndices: locIndices})
		return int32(len(stackTable) - 1)
	}

	var profileSamples []*profilespb.Sample
	for _, cs := range selectThreads(state, which) {
		if len(cs.Frames) == 0 {
			continue
		}
		profileSamples = append(profileSamples, &profilespb.Sample{
			StackIndex:         buildStack(cs.Frames),
			Values:             []int64{1},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{uint64(state.Time.UnixNano())},
		})
	}

	profile := &profilespb.Profile{
		TimeUnixNano: nowNsec,
		DurationNano: uint64(0),
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resource := &resourceV1.Resource{Attributes: resourceAttributes(state)}
	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: resource,
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    "minidump-stackwalker",
					Version: "v1",
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	dictionary := &profilespb.ProfilesDictionary{
		MappingTable:  mappingTable,
		LocationTable: locationTable,
		FunctionTable: functionTable,
		StackTable:    stackTable,
		StringTable:   stringTable,
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary:       dictionary,
	}
}

func resourceAttributes(state *processor.ProcessState) []*v1.KeyValue {
	attrs := []*v1.KeyValue{
		stringAttr("os.type", state.SystemInfo.OS),
		stringAttr("os.version", state.SystemInfo.OSVersion),
		stringAttr("host.arch", state.SystemInfo.CPU),
	}
	if state.HasProcessID {
		attrs = append(attrs, &v1.KeyValue{
			Key:   "process.pid",
			Value: &v1.AnyValue{Value: &v1.AnyValue_IntValue{IntValue: int64(state.ProcessID)}},
		})
	}
	if state.Crashed() {
		attrs = append(attrs,
			stringAttr("crash.reason", state.CrashReason),
			stringAttr("crash.address", fmt.Sprintf("%#x", state.CrashAddress)),
		)
	}
	return attrs
}

func stringAttr(key, value string) *v1.KeyValue {
	return &v1.KeyValue{Key: key, Value: &v1.AnyValue{Value: &v1.AnyValue_StringValue{StringValue: value}}}
}

func strIndex(table *[]string, s string) int32 {
	for i, v := range *table {
		if v == s {
			return int32(i)
		}
	}
	*table = append(*table, s)
	return int32(len(*table) - 1)
}

// WriteOltp writes the binary protobuf encoding of data.
func WriteOltp(data *profilespb.ProfilesData, w io.Writer) error {
	raw, err := proto.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshalling profiles: %w", err)
	}
	_, err = w.Write(raw)
	return err
}
