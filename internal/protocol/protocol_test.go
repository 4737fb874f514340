package protocol

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hailam/simdconv/internal/storage"
	"github.com/hailam/simdconv/internal/tensor"
)

func session(t *testing.T, script string, store *storage.Storage) []string {
	t.Helper()
	var out bytes.Buffer
	if err := New(&out, store).Run(strings.NewReader(script)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, want) {
			return true
		}
	}
	return false
}

func TestHandshake(t *testing.T) {
	lines := session(t, "hello\nisready\n", nil)
	if lines[0] != "id name simdconv" {
		t.Errorf("first line %q", lines[0])
	}
	if !contains(lines, "param vector_size 8") || !contains(lines, "hellook") {
		t.Errorf("missing hello fields: %v", lines)
	}
	if lines[len(lines)-1] != "readyok" {
		t.Errorf("last line %q, expected readyok", lines[len(lines)-1])
	}
}

func TestRunVerifyDump(t *testing.T) {
	script := `config 5 5 1 3 2
random 9
run
verify 0
stats
dump
trace
quit
run
`
	lines := session(t, script, nil)

	for _, want := range []string{
		"configok",
		"randomok 9",
		"done outputs 4",
		"verify ok",
		"stat outputs 4",
		"statsend",
		"row 1 ",
		"dumpend",
		"traceend 2",
	} {
		if !contains(lines, want) {
			t.Errorf("missing %q in output:\n%s", want, strings.Join(lines, "\n"))
		}
	}

	// Nothing after quit is processed.
	if n := strings.Count(strings.Join(lines, "\n"), "done outputs"); n != 1 {
		t.Errorf("run executed %d times, expected 1", n)
	}
}

func TestErrors(t *testing.T) {
	script := `run
config 8 8 1 3 3
config 8 8 1 x 1
frobnicate
config 8 8 1 3 1
run 0 0 5
verify
`
	lines := session(t, script, nil)

	// Every command above fails.
	if len(lines) != 7 {
		t.Fatalf("expected 7 reply lines, got %d:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	for i, l := range lines {
		if i == 4 {
			if !strings.HasPrefix(l, "configok") {
				t.Errorf("line %d = %q, expected configok", i, l)
			}
			continue
		}
		if !strings.HasPrefix(l, "error ") {
			t.Errorf("line %d = %q, expected an error", i, l)
		}
	}
	if !strings.Contains(lines[1], "unsupported field stride") {
		t.Errorf("stride error not reported: %q", lines[1])
	}
}

func TestHugeRunIndices(t *testing.T) {
	script := `config 8 8 1 3 1
run 200000000000000000 0 0
run 0 200000000000000000 0
isready
`
	lines := session(t, script, nil)
	if len(lines) != 4 {
		t.Fatalf("expected 4 reply lines, got %d:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	for _, l := range lines[1:3] {
		if !strings.HasPrefix(l, "error ") || !strings.Contains(l, "buffer too small") {
			t.Errorf("reply %q, expected a buffer error", l)
		}
	}
	if lines[3] != "readyok" {
		t.Errorf("last line %q, expected readyok", lines[3])
	}
}

func TestPaddedConfig(t *testing.T) {
	lines := session(t, "config 5 5 1 3 1 1\nrandom 3\nrun\nverify 0\n", nil)
	for _, want := range []string{"configok proto 7x7x1 k3 s1 p1", "done outputs 25", "verify ok"} {
		if !contains(lines, want) {
			t.Errorf("missing %q in output:\n%s", want, strings.Join(lines, "\n"))
		}
	}

	// Input files hold the unpadded image.
	path := filepath.Join(t.TempDir(), "in.f32")
	src := make([]float32, 5*8)
	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			src[r*8+c] = 1
		}
	}
	if err := tensor.WriteFile(path, src); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	lines = session(t, "config 5 5 1 3 1 1\ninput "+path+"\nrun\nverify 0\n", nil)
	for _, want := range []string{"inputok 40", "done outputs 25", "verify ok"} {
		if !contains(lines, want) {
			t.Errorf("missing %q in output:\n%s", want, strings.Join(lines, "\n"))
		}
	}
}

func TestSaveAndList(t *testing.T) {
	store, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	defer store.Close()

	lines := session(t, "config 6 16 1 3 1\nrandom 2\nrun\nsave\nruns\n", store)
	if !contains(lines, "saved ") || !contains(lines, "runsend 1") {
		t.Fatalf("save/runs failed:\n%s", strings.Join(lines, "\n"))
	}

	runs, err := store.ListRuns()
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %v, %v", runs, err)
	}
	run, err := store.LoadRun(runs[0].ID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if len(run.Result) != run.Config.Outputs.Rows*run.Config.Outputs.PaddedCols() {
		t.Errorf("stored plane has %d floats", len(run.Result))
	}

	if lines := session(t, "save\n", nil); !strings.HasPrefix(lines[0], "error no storage") {
		t.Errorf("save without storage: %q", lines[0])
	}
}
