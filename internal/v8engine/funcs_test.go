//go:build v8

package v8engine

import (
	"errors"
	"testing"

	"github.com/cryguy/jsbridge/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBinding_RejectsUnsupportedSignatures(t *testing.T) {
	_, err := newBinding("x", 42)
	assert.ErrorContains(t, err, "expected function")

	_, err = newBinding("x", func(...int) {})
	assert.ErrorContains(t, err, "variadic")

	_, err = newBinding("x", func([]byte) {})
	assert.ErrorContains(t, err, "argument 0")

	_, err = newBinding("x", func() (int, string) { return 0, "" })
	assert.ErrorContains(t, err, "second result must be error")

	_, err = newBinding("x", func() (int, int, error) { return 0, 0, nil })
	assert.ErrorContains(t, err, "too many results")
}

func TestRegisterFunc_RoundTrip(t *testing.T) {
	e, err := New(core.EngineOptions{})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.RegisterFunc("join", func(a string, n int, ok bool) (string, error) {
		if !ok {
			return "", errors.New("refused")
		}
		return a + "#" + string(rune('0'+n)), nil
	}))
	require.NoError(t, e.RegisterFunc("big", func() int64 { return 1 << 40 }))

	s, err := e.EvalString("join('a', 7, true)")
	require.NoError(t, err)
	assert.Equal(t, "a#7", s)

	s, err = e.EvalString("try { join('a', 1, false) } catch (e) { String(e) }")
	require.NoError(t, err)
	assert.Equal(t, "calling join: refused", s)

	s, err = e.EvalString("try { join('a') } catch (e) { String(e) }")
	require.NoError(t, err)
	assert.Equal(t, "join requires at least 3 argument(s), got 1", s)

	ok, err := e.EvalBool("big() === 1099511627776")
	require.NoError(t, err)
	assert.True(t, ok)
}
