package processor

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ExtraInfo is metadata some crash reporters ship next to the dump instead
// of inside it.
type ExtraInfo struct {
	ThreadNames map[uint32]string
	// Certs maps module names to code signing subjects.
	Certs map[string]string
}

type extraInfoFile struct {
	// ThreadIdNameMapping is a comma separated list of id:"name" pairs.
	ThreadIdNameMapping string `json:"ThreadIdNameMapping"`
	// ModuleSignatureInfo maps a signer to the modules it signed.
	ModuleSignatureInfo json.RawMessage `json:"ModuleSignatureInfo"`
}

// LoadExtraInfo reads the annotation file at path.
func LoadExtraInfo(path string) (*ExtraInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading extra info: %w", err)
	}
	return ParseExtraInfo(raw)
}

func ParseExtraInfo(raw []byte) (*ExtraInfo, error) {
	var f extraInfoFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decoding extra info: %w", err)
	}
	info := &ExtraInfo{
		ThreadNames: parseThreadNameMapping(f.ThreadIdNameMapping),
		Certs:       map[string]string{},
	}
	if len(f.ModuleSignatureInfo) == 0 {
		return info, nil
	}
	// Older reporters embed the object as a JSON string.
	sigs := f.ModuleSignatureInfo
	var embedded string
	if json.Unmarshal(sigs, &embedded) == nil {
		sigs = json.RawMessage(embedded)
	}
	var signers map[string][]string
	if err := json.Unmarshal(sigs, &signers); err != nil {
		return nil, fmt.Errorf("decoding module signature info: %w", err)
	}
	for signer, modules := range signers {
		for _, m := range modules {
			info.Certs[m] = signer
		}
	}
	return info, nil
}

func parseThreadNameMapping(s string) map[uint32]string {
	names := map[uint32]string{}
	for pair := range strings.SplitSeq(s, ",") {
		id, name, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		tid, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
		if err != nil {
			continue
		}
		names[uint32(tid)] = strings.Trim(strings.TrimSpace(name), `"`)
	}
	return names
}
