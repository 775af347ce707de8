package jsbridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestRuntime creates a base runtime from a fresh config and fails the
// test at cleanup if it still owns any handle or callback context.
func newTestRuntime(t *testing.T, options ...map[string]any) *Runtime {
	t.Helper()
	rt, err := NewRuntime(testConfig(t, options...))
	require.NoError(t, err)
	t.Cleanup(func() {
		if !rt.Closed() {
			require.NoError(t, rt.Close(), "runtime leaked resources")
		}
	})
	return rt
}

func newTestExtendedRuntime(t *testing.T, options ...map[string]any) *ExtendedRuntime {
	t.Helper()
	x, err := NewExtendedRuntime(testConfig(t, options...))
	require.NoError(t, err)
	t.Cleanup(func() {
		if !x.Closed() {
			require.NoError(t, x.Close(), "runtime leaked resources")
		}
	})
	return x
}

func testConfig(t *testing.T, options ...map[string]any) *Config {
	t.Helper()
	cfg := NewConfig()
	for _, set := range options {
		for name, value := range set {
			require.NoError(t, cfg.Set(name, value))
		}
	}
	return cfg
}

// execute runs source and closes the result handle when the test ends.
func execute(t *testing.T, rt *Runtime, source string) *Value {
	t.Helper()
	v, err := rt.Execute(source)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func closeValue(t *testing.T, v *Value) {
	t.Helper()
	require.NoError(t, v.Close())
}
