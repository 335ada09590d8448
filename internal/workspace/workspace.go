// Package workspace owns the shared code directory mounted into every
// sandbox. Each job gets its own subdirectory, so concurrent submissions can
// never collide on artifact names, two simultaneous `public class Main`
// included. Artifacts of completed jobs are removed; artifacts of failed
// jobs stay on disk for post-mortem.
package workspace

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runbox/internal/catalog"
	"runbox/internal/logging"
)

// ContainerRoot is the fixed path the workspace volume is mounted at inside
// every sandbox.
const ContainerRoot = "/code"

// DefaultRoot is the host-side workspace root when WORKSPACE_DIR is unset.
const DefaultRoot = "/tmp/runbox-workspace"

// javaClassPattern extracts the first public class identifier. The character
// class is deliberately narrow because the extracted name lands inside a
// shell command; widening it would open injection.
var javaClassPattern = regexp.MustCompile(`public\s+class\s+([A-Za-z_][A-Za-z0-9_]*)`)

// ArtifactSet enumerates the filesystem outputs of one job.
type ArtifactSet struct {
	JobID string

	// Dir is the per-job subdirectory on the host.
	Dir string

	// SourceName is the source file basename inside Dir.
	SourceName string

	// OutputName is the compiled binary basename for templates that bind
	// {output}; empty otherwise.
	OutputName string

	// Classname is the extracted Java class name for templates that bind
	// {classname}; empty otherwise.
	Classname string

	// Paths lists every host path the execution is expected to produce.
	Paths []string
}

// SourcePath returns the host path of the source file.
func (a *ArtifactSet) SourcePath() string {
	return filepath.Join(a.Dir, a.SourceName)
}

// ContainerDir returns the job's working directory inside the sandbox.
func (a *ArtifactSet) ContainerDir() string {
	return path.Join(ContainerRoot, a.JobID)
}

// ContainerSourcePath returns the source path inside the sandbox.
func (a *ArtifactSet) ContainerSourcePath() string {
	return path.Join(a.ContainerDir(), a.SourceName)
}

// ContainerOutputPath returns the compiled binary path inside the sandbox,
// or "" when the language produces none.
func (a *ArtifactSet) ContainerOutputPath() string {
	if a.OutputName == "" {
		return ""
	}
	return path.Join(a.ContainerDir(), a.OutputName)
}

// Manager provisions and cleans per-job artifact sets under one root.
type Manager struct {
	root   string
	logger *zap.Logger
}

// NewManager creates a workspace manager rooted at root. An empty root falls
// back to WORKSPACE_DIR, then DefaultRoot.
func NewManager(root string) *Manager {
	if root == "" {
		root = envOr("WORKSPACE_DIR", DefaultRoot)
	}
	return &Manager{root: root, logger: logging.L()}
}

// Root returns the host-side workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Ensure creates the workspace root and verifies it is writable. The
// supervisor calls this before any job is accepted; failure is fatal.
func (m *Manager) Ensure() error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("create workspace root %s: %w", m.root, err)
	}
	probe, err := os.CreateTemp(m.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("workspace root %s is not writable: %w", m.root, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// Prepare materializes a submission into a fresh per-job subdirectory and
// returns the artifact set the execution will produce.
//
// Java sources are named after the first `public class` identifier so javac
// accepts them; when no public class is found the name falls back to Main
// and compilation is left to fail with the compiler's own diagnostic. Every
// other language gets a random uuid basename.
func (m *Manager) Prepare(desc catalog.Descriptor, code, jobID string) (*ArtifactSet, error) {
	if err := validJobID(jobID); err != nil {
		return nil, err
	}

	jobDir := filepath.Join(m.root, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create job directory: %w", err)
	}

	set := &ArtifactSet{JobID: jobID, Dir: jobDir}

	var base string
	if strings.Contains(desc.CommandTemplate, "{classname}") {
		set.Classname = extractJavaClass(code, m.logger.With(zap.String("job_id", jobID)))
		base = set.Classname
		set.Paths = append(set.Paths, filepath.Join(jobDir, set.Classname+".class"))
	} else {
		base = uuid.New().String()
	}
	set.SourceName = base + "." + desc.Ext

	if strings.Contains(desc.CommandTemplate, "{output}") {
		set.OutputName = base + ".out"
		set.Paths = append(set.Paths, filepath.Join(jobDir, set.OutputName))
	}

	sourcePath := set.SourcePath()
	if err := os.WriteFile(sourcePath, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("write source file: %w", err)
	}
	set.Paths = append([]string{sourcePath}, set.Paths...)

	return set, nil
}

// Cleanup removes every enumerated artifact and then the job subdirectory.
// Missing files are not errors; anything else is logged and swallowed so a
// cleanup hiccup never fails a completed job.
func (m *Manager) Cleanup(set *ArtifactSet) {
	if set == nil {
		return
	}
	for _, p := range set.Paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove artifact",
				zap.String("job_id", set.JobID), zap.String("path", p), zap.Error(err))
		}
	}
	// The compiler may have produced files beyond the enumerated set
	// (inner-class .class files, for one). Sweep the whole subdirectory.
	if err := os.RemoveAll(set.Dir); err != nil {
		m.logger.Warn("Failed to remove job directory",
			zap.String("job_id", set.JobID), zap.String("dir", set.Dir), zap.Error(err))
	}
}

// extractJavaClass pulls the public class name out of a Java source, falling
// back to Main when none is declared.
func extractJavaClass(code string, logger *zap.Logger) string {
	if m := javaClassPattern.FindStringSubmatch(code); len(m) > 1 {
		return m[1]
	}
	logger.Warn("No public class found in Java source, falling back to Main")
	return "Main"
}

// validJobID guards against a job id that would escape the workspace root.
// Queue-assigned ids are uuids, so anything else is a programming error.
func validJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty job id")
	}
	if strings.ContainsAny(jobID, "/\\") || strings.Contains(jobID, "..") {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
