package minidump

import (
	"bytes"
	"iter"
	"strings"
)

// CPUInfo yields the key/value pairs of the captured /proc/cpuinfo.
// Keys repeat once per processor.
func (d *Dump) CPUInfo() (iter.Seq2[string, string], error) {
	raw, err := d.Stream(LinuxCPUInfoStream)
	if err != nil {
		return nil, err
	}
	return keyValues(raw, '\n', ':', false), nil
}

// LSBRelease yields the pairs of /etc/lsb-release (or os-release), with
// surrounding quotes removed from values.
func (d *Dump) LSBRelease() (iter.Seq2[string, string], error) {
	raw, err := d.Stream(LinuxLSBReleaseStream)
	if err != nil {
		return nil, err
	}
	return keyValues(raw, '\n', '=', true), nil
}

// Environ yields the NUL separated NAME=value pairs of the process
// environment.
func (d *Dump) Environ() (iter.Seq2[string, string], error) {
	raw, err := d.Stream(LinuxEnvironStream)
	if err != nil {
		return nil, err
	}
	return keyValues(raw, 0, '=', false), nil
}

// ProcStatus yields the pairs of /proc/self/status.
func (d *Dump) ProcStatus() (iter.Seq2[string, string], error) {
	raw, err := d.Stream(LinuxProcStatusStream)
	if err != nil {
		return nil, err
	}
	return keyValues(raw, '\n', ':', false), nil
}

// CommandLine returns the NUL separated arguments of the process.
func (d *Dump) CommandLine() ([]string, error) {
	raw, err := d.Stream(LinuxCmdLineStream)
	if err != nil {
		return nil, err
	}
	var args []string
	for arg := range bytes.SplitSeq(bytes.TrimRight(raw, "\x00"), []byte{0}) {
		args = append(args, string(arg))
	}
	return args, nil
}

func keyValues(raw []byte, sep, delim byte, unquote bool) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for line := range bytes.SplitSeq(raw, []byte{sep}) {
			k, v, ok := bytes.Cut(line, []byte{delim})
			if !ok {
				continue
			}
			key := strings.TrimSpace(string(k))
			val := strings.TrimSpace(string(v))
			if unquote && len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
				val = val[1 : len(val)-1]
			}
			if key == "" {
				continue
			}
			if !yield(key, val) {
				return
			}
		}
	}
}
