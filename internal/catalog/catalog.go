// Package catalog defines the immutable per-language configuration table:
// which image runs a submission, how the compile/run command is assembled,
// and whether stderr output marks the run as failed.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Descriptor is one catalog entry. Descriptors are read-only after load.
type Descriptor struct {
	// Tag is the canonical language identifier clients submit.
	Tag string

	// Ext is the source file extension, without the dot.
	Ext string

	// Image is the sandbox image the driver runs.
	Image string

	// CommandTemplate is a single-line shell command with the named
	// placeholders {file}, {output}, and {classname}. Every occurrence of a
	// placeholder is replaced on expansion.
	CommandTemplate string

	// TreatStderrAsFailure marks languages whose toolchains write
	// diagnostics to stderr even on a zero exit. Any captured stderr fails
	// the job for these languages.
	TreatStderrAsFailure bool
}

// Binding carries the values substituted into a command template.
type Binding struct {
	File      string
	Output    string
	Classname string
}

// Catalog resolves language tags to descriptors.
type Catalog struct {
	descriptors map[string]Descriptor
}

// placeholderPattern matches {name} tokens inside a command template.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var knownPlaceholders = map[string]bool{
	"file":      true,
	"output":    true,
	"classname": true,
}

// defaultDescriptors returns the built-in language table. Images may be
// overridden per language with SANDBOX_IMAGE_<TAG>.
func defaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Tag:                  "c",
			Ext:                  "c",
			Image:                "gcc:13",
			CommandTemplate:      "gcc {file} -o {output} && {output}",
			TreatStderrAsFailure: true,
		},
		{
			Tag:                  "cpp",
			Ext:                  "cpp",
			Image:                "gcc:13",
			CommandTemplate:      "g++ {file} -o {output} && {output}",
			TreatStderrAsFailure: true,
		},
		{
			Tag:                  "python",
			Ext:                  "py",
			Image:                "python",
			CommandTemplate:      "python3 {file}",
			TreatStderrAsFailure: false,
		},
		{
			Tag:                  "java",
			Ext:                  "java",
			Image:                "openjdk:17",
			CommandTemplate:      "javac {file} && java {classname}",
			TreatStderrAsFailure: true,
		},
		{
			Tag:                  "node",
			Ext:                  "js",
			Image:                "node",
			CommandTemplate:      "node {file}",
			TreatStderrAsFailure: false,
		},
	}
}

// Default builds the catalog from the built-in table plus any per-language
// image overrides from the environment.
func Default() (*Catalog, error) {
	descs := defaultDescriptors()
	for i := range descs {
		if img := envOr("SANDBOX_IMAGE_"+strings.ToUpper(descs[i].Tag), ""); img != "" {
			descs[i].Image = img
		}
	}
	return New(descs)
}

// New builds a catalog from descriptors, validating every command template.
// A template referencing a placeholder other than {file}, {output}, or
// {classname} is a configuration error and fails the load.
func New(descs []Descriptor) (*Catalog, error) {
	c := &Catalog{descriptors: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if d.Tag == "" {
			return nil, fmt.Errorf("catalog entry with empty tag")
		}
		if d.Ext == "" {
			return nil, fmt.Errorf("catalog entry %q has no file extension", d.Tag)
		}
		if d.Image == "" {
			return nil, fmt.Errorf("catalog entry %q has no image", d.Tag)
		}
		if err := validateTemplate(d.CommandTemplate); err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", d.Tag, err)
		}
		c.descriptors[normalizeTag(d.Tag)] = d
	}
	return c, nil
}

// Resolve returns the descriptor for a language tag. Common aliases are
// accepted (py, python3, js, javascript, nodejs, c++).
func (c *Catalog) Resolve(tag string) (Descriptor, bool) {
	d, ok := c.descriptors[normalizeTag(tag)]
	return d, ok
}

// Tags returns the canonical language tags, sorted.
func (c *Catalog) Tags() []string {
	tags := make([]string, 0, len(c.descriptors))
	for t := range c.descriptors {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Expand substitutes a binding into a command template. Every occurrence of
// each placeholder is replaced, not just the first.
func Expand(template string, b Binding) string {
	cmd := strings.ReplaceAll(template, "{file}", b.File)
	cmd = strings.ReplaceAll(cmd, "{output}", b.Output)
	cmd = strings.ReplaceAll(cmd, "{classname}", b.Classname)
	return cmd
}

// validateTemplate rejects templates carrying unknown placeholders.
func validateTemplate(template string) error {
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("empty command template")
	}
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !knownPlaceholders[m[1]] {
			return fmt.Errorf("unknown placeholder {%s} in command template", m[1])
		}
	}
	return nil
}

func normalizeTag(tag string) string {
	switch t := strings.ToLower(strings.TrimSpace(tag)); t {
	case "js", "javascript", "nodejs":
		return "node"
	case "py", "python3":
		return "python"
	case "c++":
		return "cpp"
	default:
		return t
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
