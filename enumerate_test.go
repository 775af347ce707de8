package jsbridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEach_AllShapesOverArray(t *testing.T) {
	rt := newTestRuntime(t)
	arr := execute(t, rt, "Array.from({ length: 1000 }, function(_, i) { return i; })")
	base := rt.HandleCount()

	for round := 0; round < 3; round++ {
		var sum int64
		require.NoError(t, arr.ForEach(func(v *Value) error {
			n, err := v.AsInteger()
			sum += int64(n)
			return err
		}))
		assert.Equal(t, int64(499500), sum)

		sum = 0
		require.NoError(t, arr.ForEachIndexed(func(i int, v *Value) error {
			n, err := v.AsInteger()
			if assert.NoError(t, err) {
				assert.Equal(t, int32(i), n)
			}
			sum += int64(n)
			return nil
		}))
		assert.Equal(t, int64(499500), sum)

		sum = 0
		require.NoError(t, arr.ForEachEntry(func(k, v *Value) error {
			key, err := k.AsInteger()
			if err != nil {
				return err
			}
			n, err := v.AsInteger()
			assert.Equal(t, key, n)
			sum += int64(n)
			return err
		}))
		assert.Equal(t, int64(499500), sum)

		sum = 0
		require.NoError(t, arr.ForEachEntryIndexed(func(i int, k, v *Value) error {
			key, err := k.AsInteger()
			if err != nil {
				return err
			}
			assert.Equal(t, int32(i), key)
			n, err := v.AsInteger()
			sum += int64(n)
			return err
		}))
		assert.Equal(t, int64(499500), sum)
	}

	assert.Equal(t, base, rt.HandleCount())
	slots, err := rt.EngineSlotCount()
	require.NoError(t, err)
	assert.Equal(t, base, slots)
}

func TestForEach_ObjectKeyOrder(t *testing.T) {
	rt := newTestRuntime(t)
	obj := execute(t, rt, "({ 2: 'two', b: 'bee', 1: 'one', a: 'ay' })")

	var keys, vals []string
	require.NoError(t, obj.ForEachEntry(func(k, v *Value) error {
		ks, err := k.AsString()
		if err != nil {
			return err
		}
		vs, err := v.AsString()
		keys, vals = append(keys, ks), append(vals, vs)
		return err
	}))
	assert.Equal(t, []string{"1", "2", "b", "a"}, keys)
	assert.Equal(t, []string{"one", "two", "bee", "ay"}, vals)
}

func TestForEach_MapInsertionOrder(t *testing.T) {
	rt := newTestRuntime(t)
	m := execute(t, rt, "new Map([['z', 1], [7, 2], [true, 3]])")

	var kinds []Kind
	var vals []int32
	require.NoError(t, m.ForEachEntryIndexed(func(i int, k, v *Value) error {
		kinds = append(kinds, k.Kind())
		n, err := v.AsInteger()
		vals = append(vals, n)
		return err
	}))
	assert.Equal(t, []Kind{KindString, KindInteger, KindBoolean}, kinds)
	assert.Equal(t, []int32{1, 2, 3}, vals)

	var count int
	require.NoError(t, m.ForEach(func(*Value) error { count++; return nil }))
	assert.Equal(t, 3, count)
}

func TestForEach_SetYieldsElementAsKey(t *testing.T) {
	rt := newTestRuntime(t)
	set := execute(t, rt, "new Set(['x', 'y', 'x'])")

	var got []string
	require.NoError(t, set.ForEachEntry(func(k, v *Value) error {
		ks, err := k.AsString()
		if err != nil {
			return err
		}
		vs, err := v.AsString()
		assert.Equal(t, ks, vs)
		got = append(got, vs)
		return err
	}))
	assert.Equal(t, []string{"x", "y"}, got)
}

func TestForEach_EmptyCollections(t *testing.T) {
	rt := newTestRuntime(t)
	for _, src := range []string{"[]", "({})", "new Map()", "new Set()"} {
		v := execute(t, rt, src)
		called := false
		require.NoError(t, v.ForEachEntry(func(_, _ *Value) error { called = true; return nil }), src)
		require.NoError(t, v.ForEach(func(*Value) error { called = true; return nil }), src)
		assert.False(t, called, src)
	}
}

func TestForEach_ConsumerErrorStops(t *testing.T) {
	rt := newTestRuntime(t)
	arr := execute(t, rt, "[1, 2, 3, 4]")
	stop := errors.New("stop here")

	var seen int
	err := arr.ForEachIndexed(func(i int, _ *Value) error {
		seen++
		if i == 1 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
	assert.Equal(t, 1, rt.HandleCount())
}

func TestForEach_DupOutlivesStep(t *testing.T) {
	rt := newTestRuntime(t)
	arr := execute(t, rt, "[{ id: 'first' }, { id: 'second' }]")

	var kept []*Value
	var transient []*Value
	require.NoError(t, arr.ForEach(func(v *Value) error {
		transient = append(transient, v)
		d, err := v.Dup()
		if err != nil {
			return err
		}
		kept = append(kept, d)
		return nil
	}))
	defer func() { require.NoError(t, CloseAll(kept...)) }()

	for _, v := range transient {
		assert.True(t, v.Closed())
	}
	require.Len(t, kept, 2)
	id, err := kept[1].GetString("id")
	require.NoError(t, err)
	assert.Equal(t, "second", id)
	assert.Equal(t, 3, rt.HandleCount())
}

func TestForEach_MutationDuringWalk(t *testing.T) {
	rt := newTestRuntime(t)
	arr := execute(t, rt, "[1, 2, 3]")
	push := execute(t, rt, "(function(a) { a.push(0); })")

	var n int
	require.NoError(t, arr.ForEach(func(*Value) error {
		n++
		out, err := push.Call(nil, arr)
		if err != nil {
			return err
		}
		return out.Close()
	}))
	assert.Equal(t, 3, n, "the walk covers the collection as it was when it started")
	length, err := arr.Length()
	require.NoError(t, err)
	assert.Equal(t, 6, length)
}

func TestForEach_RejectsNonCollections(t *testing.T) {
	rt := newTestRuntime(t)
	for _, src := range []string{"'abc'", "42", "(function() {})", "Promise.resolve()"} {
		v := execute(t, rt, src)
		err := v.ForEach(func(*Value) error { return nil })
		assert.ErrorIs(t, err, ErrTypeMismatch, src)
	}
}

func TestParseSnapshot(t *testing.T) {
	sid, n, err := parseSnapshot("17:1000")
	require.NoError(t, err)
	assert.Equal(t, "17", sid)
	assert.Equal(t, 1000, n)

	_, _, err = parseSnapshot("17")
	assert.ErrorIs(t, err, errMalformedReply)
	_, _, err = parseSnapshot("17:x")
	assert.ErrorIs(t, err, errMalformedReply)
}
