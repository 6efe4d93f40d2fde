// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codegate/pkg/container"
)

// countingResolver records how often it is asked.
type countingResolver struct {
	inner Resolver
	mu    sync.Mutex
	calls int
}

func (c *countingResolver) Resolve(ctx context.Context, topLevel string) []string {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Resolve(ctx, topLevel)
}

func TestCanonicalName(t *testing.T) {
	tests := map[string]string{
		"PyYAML":           "pyyaml",
		"ruamel.yaml":      "ruamel-yaml",
		"Foo__Bar--baz..q": "foo-bar-baz-q",
		"  requests ":      "requests",
		"zope.interface":   "zope-interface",
	}
	for in, want := range tests {
		assert.Equal(t, want, CanonicalName(in), in)
	}
}

func TestMemoResolver_AsksOncePerName(t *testing.T) {
	inner := &countingResolver{inner: StaticResolver{"yaml": {"PyYAML", "PyYAML"}}}
	memo := NewMemoResolver(inner)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, []string{"PyYAML"}, memo.Resolve(ctx, "yaml"))
		assert.Empty(t, memo.Resolve(ctx, "unknown"))
	}
	assert.Equal(t, 2, inner.calls)
}

func TestChainResolver_FirstNonEmptyWins(t *testing.T) {
	chain := ChainResolver{
		nil,
		StaticResolver{"yaml": {"ruamel.yaml"}},
		KnownAliasResolver(),
	}
	ctx := context.Background()

	assert.Equal(t, []string{"ruamel.yaml"}, chain.Resolve(ctx, "yaml"))
	assert.Equal(t, []string{"Pillow"}, chain.Resolve(ctx, "PIL"))
	assert.Nil(t, chain.Resolve(ctx, "my_local_module"))
}

func TestKnownAliasResolver(t *testing.T) {
	r := KnownAliasResolver()
	ctx := context.Background()
	assert.Equal(t, []string{"PyYAML"}, r.Resolve(ctx, "yaml"))
	assert.Equal(t, []string{"scikit-learn"}, r.Resolve(ctx, "sklearn"))
	assert.Equal(t, []string{"beautifulsoup4"}, r.Resolve(ctx, "bs4"))
	assert.Len(t, r.Resolve(ctx, "cv2"), 3)
	assert.Empty(t, r.Resolve(ctx, "os"))
}

func TestSitePackagesResolver(t *testing.T) {
	const attrsRecord = "attr/__init__.py,sha256=x,1\nattrs/__init__.py,sha256=y,2\n" +
		"attrs-23.1.0.dist-info/RECORD,,\n__pycache__/x.pyc,,\nsix.py,,\n_cffi.cpython-311-x86_64-linux-gnu.so,,\n"

	// PyYAML has top_level.txt, attrs only a RECORD and no METADATA, and
	// two opencv distributions share one top level.
	dir := writeProject(t, map[string]string{
		"PyYAML-6.0.1.dist-info/METADATA":                    "Metadata-Version: 2.1\nName: PyYAML\nVersion: 6.0.1\n\nlong description Name: nope\n",
		"PyYAML-6.0.1.dist-info/top_level.txt":               "_yaml\nyaml\n",
		"attrs-23.1.0.dist-info/RECORD":                      attrsRecord,
		"opencv_python-4.8.dist-info/top_level.txt":          "cv2\n",
		"opencv_python_headless-4.8.dist-info/METADATA":      "Name: opencv-python-headless\n",
		"opencv_python_headless-4.8.dist-info/top_level.txt": "cv2\n",
		"legacy.egg-info/PKG-INFO":                           "Name: legacy-pkg\n",
		"legacy.egg-info/top_level.txt":                      "legacy\n",
		"stray_file.txt":                                     "ignored",
	})

	r := NewSitePackagesResolver(nil, dir, dir+"/does-not-exist")
	ctx := context.Background()

	assert.Equal(t, []string{"PyYAML"}, r.Resolve(ctx, "yaml"))
	assert.Equal(t, []string{"PyYAML"}, r.Resolve(ctx, "_yaml"))
	assert.Equal(t, []string{"attrs"}, r.Resolve(ctx, "attr"))
	assert.Equal(t, []string{"attrs"}, r.Resolve(ctx, "attrs"))
	assert.Equal(t, []string{"attrs"}, r.Resolve(ctx, "six"))
	assert.Equal(t, []string{"attrs"}, r.Resolve(ctx, "_cffi"))
	assert.Empty(t, r.Resolve(ctx, "__pycache__"))
	assert.Equal(t, []string{"opencv-python-headless", "opencv_python"}, r.Resolve(ctx, "cv2"))
	assert.Equal(t, []string{"legacy-pkg"}, r.Resolve(ctx, "legacy"))
}

// fakeRunner answers RunCommand from a function and counts calls.
type fakeRunner struct {
	mu    sync.Mutex
	calls []container.RunRequest
	fn    func(req container.RunRequest) (*container.CommandResult, error)
}

func (f *fakeRunner) RunCommand(_ context.Context, req container.RunRequest) (*container.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

func TestContainerResolver_LoadsOnce(t *testing.T) {
	runner := &fakeRunner{fn: func(req container.RunRequest) (*container.CommandResult, error) {
		return &container.CommandResult{
			Stdout: `{"yaml": ["PyYAML"], "google": ["protobuf", "googleapis-common-protos", "protobuf"]}` + "\n",
		}, nil
	}}
	r := NewContainerResolver(runner, "codegate-deps:abc", nil)
	ctx := context.Background()

	assert.Equal(t, []string{"PyYAML"}, r.Resolve(ctx, "yaml"))
	assert.Equal(t, []string{"googleapis-common-protos", "protobuf"}, r.Resolve(ctx, "google"))
	assert.Empty(t, r.Resolve(ctx, "missing"))

	require.Len(t, runner.calls, 1)
	req := runner.calls[0]
	assert.Equal(t, "codegate-deps:abc", req.Image)
	assert.Equal(t, []string{"python", "-c", packagesDistributionsScript}, req.Command)
	assert.False(t, req.NetworkAccess)
}

func TestContainerResolver_FailuresYieldEmpty(t *testing.T) {
	tests := []struct {
		name string
		fn   func(container.RunRequest) (*container.CommandResult, error)
	}{
		{"exec error", func(container.RunRequest) (*container.CommandResult, error) {
			return nil, errors.New("docker missing")
		}},
		{"non-zero exit", func(container.RunRequest) (*container.CommandResult, error) {
			return &container.CommandResult{ExitCode: 1, Stderr: "boom"}, nil
		}},
		{"timeout", func(container.RunRequest) (*container.CommandResult, error) {
			return &container.CommandResult{ExitCode: -1, TimedOut: true}, nil
		}},
		{"garbage", func(container.RunRequest) (*container.CommandResult, error) {
			return &container.CommandResult{Stdout: "not json"}, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{fn: tt.fn}
			r := NewContainerResolver(runner, "img", nil)
			assert.Empty(t, r.Resolve(context.Background(), "yaml"))
			assert.Empty(t, r.Resolve(context.Background(), "yaml"))
			assert.Len(t, runner.calls, 1)
		})
	}
}

func TestContainerResolver_NoImage(t *testing.T) {
	runner := &fakeRunner{fn: func(container.RunRequest) (*container.CommandResult, error) {
		t.Fatal("runner must not be called without an image")
		return nil, nil
	}}
	r := NewContainerResolver(runner, "", nil)
	assert.Empty(t, r.Resolve(context.Background(), "yaml"))
}

func TestRequirementName(t *testing.T) {
	tests := map[string]string{
		"requests==2.31.0":                "requests",
		"PyYAML[extra]>=6":                "PyYAML",
		"pyyaml ; python_version > '3.8'": "pyyaml",
		"zope.interface~=5.0":             "zope.interface",
		"  numpy  # pinned":               "numpy",
		"# comment":                       "",
		"-r other.txt":                    "",
		"--index-url https://example.com": "",
		"git+https://github.com/x/y.git":  "",
		"":                                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, RequirementName(in), in)
	}
}

func TestConstraintEvaluator_CachesPrograms(t *testing.T) {
	ev, err := NewConstraintEvaluator()
	require.NoError(t, err)

	facts := map[string]any{
		"files_checked":      int64(3),
		"used_distributions": []string{"requests"},
		"imports":            []string{"requests"},
		"calls":              []string{},
		"violations":         []map[string]any{},
	}

	ok, err := ev.Eval("files_checked == 3 && size(violations) == 0", facts)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Eval("files_checked == 3 && size(violations) == 0", facts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, ev.prgCache, 1)

	_, err = ev.Eval("files_checked + 1", facts)
	assert.ErrorContains(t, err, "must return bool")

	_, err = ev.Eval("unknown_var", facts)
	assert.ErrorContains(t, err, "compile")
}
