package health

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequirements(t *testing.T) {
	in := `# core
Flask==2.3.0
python-dateutil>=2.8
eel
requests[security] ~= 2.31 ; python_version > "3.8"
  pyttsx3  # speech
-r extra.txt
--index-url https://example.invalid/simple
flask==2.3.0
SpeechRecognition @ https://example.invalid/sr.whl
`
	got, err := ParseRequirements(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"Flask", "python_dateutil", "eel", "requests", "pyttsx3", "flask", "SpeechRecognition"}, got)
}

func FuzzParseRequirements(f *testing.F) {
	f.Add("Flask==2.3.0\n")
	f.Add("# comment\n\n-e .\n")
	f.Add("a-b[c]>=1;x\n@@@\n==\n")
	f.Fuzz(func(t *testing.T, in string) {
		names, err := ParseRequirements(strings.NewReader(in))
		if err != nil {
			return
		}
		seen := map[string]bool{}
		for _, n := range names {
			if n == "" {
				t.Fatalf("empty name from %q", in)
			}
			if strings.ContainsAny(n, "=<>!~;[@ \t,#-") {
				t.Fatalf("name %q keeps a separator", n)
			}
			if seen[n] {
				t.Fatalf("duplicate name %q", n)
			}
			seen[n] = true
		}
	})
}

type setProbe map[string]bool

func (p setProbe) Available(_ context.Context, name string) (bool, error) { return p[name], nil }

func TestDependencyCheck(t *testing.T) {
	dir := t.TempDir()
	req := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(req, []byte("flask==2.0\neel\n"), 0o600))

	probe := setProbe{"flask": true, "eel": true, "sqlite3": true}
	res, err := DependencyCheck{Names: []string{"sqlite3"}, RequirementsFile: req, Probe: probe}.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, 3, res.Data["checked"])

	delete(probe, "eel")
	res, err = DependencyCheck{RequirementsFile: req, Probe: probe}.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, res.Status)
	assert.Equal(t, "missing packages: [eel]", res.Message)

	_, err = DependencyCheck{RequirementsFile: filepath.Join(dir, "absent.txt"), Probe: probe}.Evaluate(context.Background())
	assert.ErrorContains(t, err, "dependency check error")
}

func TestBinaryProbe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	ok, err := BinaryProbe{}.Available(context.Background(), "sh")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = BinaryProbe{}.Available(context.Background(), "__definitely_not_exists__")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestModuleProbe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	// /bin/sh stands in for an interpreter: `sh -c "import x"` fails as a
	// command, while a bad name is rejected before anything runs.
	p := ModuleProbe{Interpreter: "/bin/sh"}
	ok, err := p.Available(context.Background(), "os; rm -rf /")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = p.Available(context.Background(), "definitely_missing_module")
	require.NoError(t, err)
	assert.False(t, ok)
}

// hangingInterpreter writes an executable that ignores its arguments and
// sleeps, like an import blocked on the network.
func hangingInterpreter(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slowpython")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o700))
	return path
}

func TestModuleProbe_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	p := ModuleProbe{Interpreter: hangingInterpreter(t), Timeout: 100 * time.Millisecond}
	start := time.Now()
	ok, err := p.Available(context.Background(), "requests")
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestDependencyCheck_HonorsDeadline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c := DependencyCheck{Names: []string{"requests"}, Probe: ModuleProbe{Interpreter: hangingInterpreter(t)}}

	start := time.Now()
	_, err := c.Evaluate(ctx)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.ErrorContains(t, err, "dependency check error")
}
