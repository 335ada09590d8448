package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	tests := []struct {
		tag             string
		ext             string
		image           string
		stderrIsFailure bool
	}{
		{tag: "c", ext: "c", image: "gcc:13", stderrIsFailure: true},
		{tag: "cpp", ext: "cpp", image: "gcc:13", stderrIsFailure: true},
		{tag: "python", ext: "py", image: "python", stderrIsFailure: false},
		{tag: "java", ext: "java", image: "openjdk:17", stderrIsFailure: true},
		{tag: "node", ext: "js", image: "node", stderrIsFailure: false},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			d, ok := c.Resolve(tt.tag)
			require.True(t, ok, "tag %s should resolve", tt.tag)
			assert.Equal(t, tt.ext, d.Ext)
			assert.Equal(t, tt.image, d.Image)
			assert.Equal(t, tt.stderrIsFailure, d.TreatStderrAsFailure)
			assert.NotEmpty(t, d.CommandTemplate)
		})
	}
}

func TestResolveUnknownLanguage(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	for _, tag := range []string{"brainfuck", "", "go", "rust"} {
		_, ok := c.Resolve(tag)
		assert.False(t, ok, "tag %q should not resolve", tag)
	}
}

func TestResolveAliases(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	tests := []struct {
		alias     string
		canonical string
	}{
		{"py", "python"},
		{"python3", "python"},
		{"PYTHON", "python"},
		{"js", "node"},
		{"javascript", "node"},
		{"nodejs", "node"},
		{"c++", "cpp"},
		{"  java  ", "java"},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			d, ok := c.Resolve(tt.alias)
			require.True(t, ok)
			assert.Equal(t, tt.canonical, d.Tag)
		})
	}
}

func TestExpandReplacesAllOccurrences(t *testing.T) {
	tests := []struct {
		name     string
		template string
		binding  Binding
		want     string
	}{
		{
			name:     "c template uses output twice",
			template: "gcc {file} -o {output} && {output}",
			binding:  Binding{File: "/code/j1/a.c", Output: "/code/j1/a.out"},
			want:     "gcc /code/j1/a.c -o /code/j1/a.out && /code/j1/a.out",
		},
		{
			name:     "java template",
			template: "javac {file} && java {classname}",
			binding:  Binding{File: "/code/j2/Main.java", Classname: "Main"},
			want:     "javac /code/j2/Main.java && java Main",
		},
		{
			name:     "repeated file placeholder",
			template: "cat {file} && python3 {file}",
			binding:  Binding{File: "x.py"},
			want:     "cat x.py && python3 x.py",
		},
		{
			name:     "unbound placeholders expand to empty",
			template: "python3 {file}",
			binding:  Binding{File: "x.py", Output: "unused", Classname: "unused"},
			want:     "python3 x.py",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expand(tt.template, tt.binding))
		})
	}
}

func TestNewRejectsUnknownPlaceholders(t *testing.T) {
	_, err := New([]Descriptor{{
		Tag:             "bad",
		Ext:             "b",
		Image:           "img",
		CommandTemplate: "run {file} --flag {unknown}",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{unknown}")
}

func TestNewRejectsBrokenEntries(t *testing.T) {
	t.Run("empty template", func(t *testing.T) {
		_, err := New([]Descriptor{{Tag: "x", Ext: "x", Image: "img", CommandTemplate: "  "}})
		assert.Error(t, err)
	})

	t.Run("missing image", func(t *testing.T) {
		_, err := New([]Descriptor{{Tag: "x", Ext: "x", CommandTemplate: "run {file}"}})
		assert.Error(t, err)
	})

	t.Run("empty tag", func(t *testing.T) {
		_, err := New([]Descriptor{{Ext: "x", Image: "img", CommandTemplate: "run {file}"}})
		assert.Error(t, err)
	})
}

func TestImageOverrideFromEnv(t *testing.T) {
	t.Setenv("SANDBOX_IMAGE_PYTHON", "python:3.12-slim")

	c, err := Default()
	require.NoError(t, err)

	d, ok := c.Resolve("python")
	require.True(t, ok)
	assert.Equal(t, "python:3.12-slim", d.Image)

	// Other entries keep their defaults.
	d, ok = c.Resolve("node")
	require.True(t, ok)
	assert.Equal(t, "node", d.Image)
}

func TestTags(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "cpp", "java", "node", "python"}, c.Tags())
}
