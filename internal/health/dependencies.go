package health

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/warden/internal/detector"
)

// DependencyProbe tells whether one dependency is usable. An error means
// the answer could not be determined.
type DependencyProbe interface {
	Available(ctx context.Context, name string) (bool, error)
}

var importable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ModuleProbe imports a module with the target interpreter. Each import is
// bounded by Timeout (detector.DefaultCommandTimeout when zero).
type ModuleProbe struct {
	Interpreter string
	Timeout     time.Duration
}

func (p ModuleProbe) Available(ctx context.Context, name string) (bool, error) {
	if !importable.MatchString(name) {
		return false, nil
	}
	argv := strings.Fields(p.Interpreter)
	if len(argv) == 0 {
		argv = []string{"python3"}
	}
	d := detector.CommandDetector{
		Command: argv[0],
		Args:    append(argv[1:], "-c", "import "+name),
		Timeout: p.Timeout,
	}
	return d.Alive(ctx)
}

// BinaryProbe looks a dependency up as an executable on PATH.
type BinaryProbe struct{}

func (BinaryProbe) Available(_ context.Context, name string) (bool, error) {
	_, err := exec.LookPath(name)
	return err == nil, nil
}

// DependencyCheck warns when any configured or required dependency is
// unavailable.
type DependencyCheck struct {
	Names            []string
	RequirementsFile string
	Probe            DependencyProbe
}

func (DependencyCheck) Name() string { return NameDeps }

func (c DependencyCheck) Evaluate(ctx context.Context) (Result, error) {
	names := append([]string(nil), c.Names...)
	if c.RequirementsFile != "" {
		f, err := os.Open(c.RequirementsFile)
		if err != nil {
			return Result{}, fmt.Errorf("dependency check error: %w", err)
		}
		reqs, err := ParseRequirements(f)
		_ = f.Close()
		if err != nil {
			return Result{}, fmt.Errorf("dependency check error: %w", err)
		}
		names = append(names, reqs...)
	}
	p := c.Probe
	if p == nil {
		p = ModuleProbe{}
	}

	seen := map[string]bool{}
	var missing []string
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		ok, err := p.Available(ctx, n)
		if err != nil {
			return Result{}, fmt.Errorf("dependency check error: %s: %w", n, err)
		}
		if !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("missing packages: %v", missing),
			Data:    map[string]any{"missing": missing, "checked": len(seen)},
		}, nil
	}
	return Result{Status: StatusHealthy, Message: "all dependencies satisfied", Data: map[string]any{"checked": len(seen)}}, nil
}

// ParseRequirements extracts package names from a pip requirements file.
// Comments, blank lines and option lines (-r, -e, --index-url) are skipped.
// A name ends at the first version specifier, extras bracket, marker or
// whitespace; dashes become underscores.
func ParseRequirements(r io.Reader) ([]string, error) {
	var names []string
	seen := map[string]bool{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.IndexAny(line, "=<>!~;[@ \t,"); i >= 0 {
			line = line[:i]
		}
		name := strings.ReplaceAll(line, "-", "_")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
