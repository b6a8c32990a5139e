package exporter

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, testState(), false); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Operating system: Linux\n",
		"Crash reason:  SIGSEGV / SEGV_MAPERR\n",
		"Crash address: 0xdead\n",
		"Thread 0 main (crashed)\n",
		" 0  app!crash_here + 0x10\n",
		" 1  app!main + 0xf [main.c:12]\n",
		" 2  (unloaded old.so+0xf)\n",
		"    Found by: previous frame's frame pointer\n",
		"    Found by: stack scanning\n",
		" <truncated: no_caller>\n",
		"Thread 2\n <dump_thread_skipped>\n",
		"Loaded modules:\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report is missing %q\n%s", want, out)
		}
	}

	if strings.Index(out, "Thread 0") > strings.Index(out, "Thread 1") {
		t.Errorf("the crashing thread should come first\n%s", out)
	}
	// Without verbose only the first frame of each thread prints registers.
	if got := strings.Count(out, "rip = "); got != 2 {
		t.Errorf("expected registers for 2 frames, got %d\n%s", got, out)
	}
}

func TestWriteTextVerbose(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, testState(), true); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if got := strings.Count(buf.String(), "rip = "); got != 4 {
		t.Errorf("expected registers for all 4 frames, got %d", got)
	}
}
