package jsbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtended_ImportModuleWithRelativeImports(t *testing.T) {
	x := newTestExtendedRuntime(t)
	require.NoError(t, x.RegisterModule("lib/math.js", `export function double(n) { return n * 2; }`))
	require.NoError(t, x.RegisterModule("lib/consts.js", `export const base = 21;`))
	require.NoError(t, x.RegisterModule("main", `
import { double } from './lib/math.js';
import { base } from './lib/consts';
export const answer = double(base);
export default 'main module';
`))
	assert.Equal(t, []string{"lib/consts.js", "lib/math.js", "main"}, x.Modules())

	ns, err := x.ImportModule("main")
	require.NoError(t, err)
	defer closeValue(t, ns)

	answer, err := ns.GetInteger("answer")
	require.NoError(t, err)
	assert.Equal(t, int32(42), answer)
	def, err := ns.GetString("default")
	require.NoError(t, err)
	assert.Equal(t, "main module", def)

	// The namespace is not left behind on the global object.
	ok := execute(t, x.Runtime, "!('"+moduleGlobal+"' in globalThis)")
	b, err := ok.AsBoolean()
	require.NoError(t, err)
	assert.True(t, b)
}

func TestExtended_ModulesShareGlobals(t *testing.T) {
	x := newTestExtendedRuntime(t)
	require.NoError(t, x.ExecuteVoid("globalThis.prefix = 'hello '"))
	require.NoError(t, x.RegisterModule("greet", `export const text = prefix + 'module';`))

	ns, err := x.ImportModule("greet")
	require.NoError(t, err)
	defer closeValue(t, ns)
	s, err := ns.GetString("text")
	require.NoError(t, err)
	assert.Equal(t, "hello module", s)
}

func TestExtended_ImportErrors(t *testing.T) {
	x := newTestExtendedRuntime(t)

	_, err := x.ImportModule("nowhere")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	require.NoError(t, x.RegisterModule("broken-import", `import { x } from './missing.js'; export default x;`))
	_, err = x.ImportModule("broken-import")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	require.NoError(t, x.RegisterModule("syntax", `export const = ;`))
	_, err = x.ImportModule("syntax")
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "SyntaxError", se.Name)

	require.NoError(t, x.RegisterModule("throws", `throw new RangeError('at load');`))
	_, err = x.ImportModule("throws")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "RangeError", se.Name)
	assert.Equal(t, "at load", se.Message)

	assert.ErrorIs(t, x.RegisterModule("", "export {}"), ErrInvalidArgument)
	assert.Equal(t, 0, x.HandleCount())
}

func TestExtended_TimersFireInOrder(t *testing.T) {
	x := newTestExtendedRuntime(t)
	require.NoError(t, x.ExecuteVoid(`
globalThis.order = [];
setTimeout(function() { order.push('late'); }, 30);
setTimeout(function(tag) { order.push(tag); }, 0, 'early');
var cancelled = setTimeout(function() { order.push('cancelled'); }, 10);
clearTimeout(cancelled);
var ticks = 0;
var iv = setInterval(function() { ticks++; if (ticks === 3) clearInterval(iv); }, 5);
Promise.resolve().then(function() { order.push('micro'); });
`))
	assert.Equal(t, 3, x.PendingTimers())

	require.NoError(t, x.RunEventLoop(2*time.Second))
	assert.Zero(t, x.PendingTimers())

	out := execute(t, x.Runtime, "order.join(',') + '|' + ticks")
	s, err := out.AsString()
	require.NoError(t, err)
	assert.Equal(t, "micro,early,late|3", s)
}

func TestExtended_TimerErrorsCombined(t *testing.T) {
	x := newTestExtendedRuntime(t)
	require.NoError(t, x.ExecuteVoid(`
globalThis.after = false;
setTimeout(function() { throw new Error('first'); }, 0);
setTimeout(function() { throw new Error('second'); }, 1);
setTimeout(function() { after = true; }, 2);
`))

	err := x.RunEventLoop(2 * time.Second)
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "TimerError", se.Name)
	assert.Contains(t, se.Message, "first")
	assert.Contains(t, se.Message, "second")

	out := execute(t, x.Runtime, "after")
	b, err := out.AsBoolean()
	require.NoError(t, err)
	assert.True(t, b, "a throwing timer does not stop the loop")
}

func TestExtended_RunEventLoopTimeout(t *testing.T) {
	x := newTestExtendedRuntime(t)
	require.NoError(t, x.ExecuteVoid("setTimeout(function() {}, 60000)"))

	start := time.Now()
	require.NoError(t, x.RunEventLoop(20*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, x.PendingTimers())
}

func TestExtended_AwaitResolved(t *testing.T) {
	x := newTestExtendedRuntime(t)
	p := execute(t, x.Runtime, "new Promise(function(resolve) { setTimeout(function() { resolve({ v: 7 }); }, 10); })")
	assert.Equal(t, KindPromise, p.Kind())

	v, err := x.Await(p, 2*time.Second)
	require.NoError(t, err)
	defer closeValue(t, v)
	n, err := v.GetInteger("v")
	require.NoError(t, err)
	assert.Equal(t, int32(7), n)

	// Awaiting a plain value yields the value itself.
	plain := execute(t, x.Runtime, "'plain'")
	same, err := x.Await(plain, time.Second)
	require.NoError(t, err)
	defer closeValue(t, same)
	s, err := same.AsString()
	require.NoError(t, err)
	assert.Equal(t, "plain", s)
}

func TestExtended_AwaitAsyncFunction(t *testing.T) {
	x := newTestExtendedRuntime(t)
	fn := execute(t, x.Runtime, `(async function(a) {
	await new Promise(function(r) { setTimeout(r, 5); });
	return a * 2;
})`)
	arg, err := x.NewInteger(21)
	require.NoError(t, err)
	defer closeValue(t, arg)

	p, err := fn.Call(nil, arg)
	require.NoError(t, err)
	defer closeValue(t, p)
	v, err := x.Await(p, 2*time.Second)
	require.NoError(t, err)
	defer closeValue(t, v)
	n, err := v.AsInteger()
	require.NoError(t, err)
	assert.Equal(t, int32(42), n)
}

func TestExtended_AwaitRejected(t *testing.T) {
	x := newTestExtendedRuntime(t)
	p := execute(t, x.Runtime, "Promise.reject(new TypeError('denied'))")

	_, err := x.Await(p, time.Second)
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "TypeError", se.Name)
	assert.Equal(t, "denied", se.Message)
	assert.Equal(t, 1, x.HandleCount())
}

func TestExtended_AwaitTimesOut(t *testing.T) {
	x := newTestExtendedRuntime(t)

	never := execute(t, x.Runtime, "new Promise(function() {})")
	_, err := x.Await(never, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)

	slow := execute(t, x.Runtime, "new Promise(function(r) { setTimeout(r, 60000); })")
	start := time.Now()
	_, err = x.Await(slow, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The abandoned timer can still be cancelled from script.
	require.NoError(t, x.ExecuteVoid("for (var id = 1; id < 10; id++) clearTimeout(id);"))
	assert.Zero(t, x.PendingTimers())
}

func TestExtended_HostFunctionFromTimer(t *testing.T) {
	x := newTestExtendedRuntime(t)
	fired := make(chan string, 1)
	fn, err := x.NewFunction("report", 1, func(c *Call) (any, error) {
		s, err := c.Arg(0).AsString()
		if err != nil {
			return nil, err
		}
		fired <- s
		return nil, nil
	})
	require.NoError(t, err)
	defer closeValue(t, fn)
	g, err := x.Global()
	require.NoError(t, err)
	require.NoError(t, g.Set("report", fn))
	require.NoError(t, g.Close())

	require.NoError(t, x.ExecuteVoid("setTimeout(function() { report('tick'); }, 1)"))
	require.NoError(t, x.RunEventLoop(time.Second))
	assert.Equal(t, "tick", <-fired)
}

func TestExtended_ClosedRuntime(t *testing.T) {
	x, err := NewExtendedRuntime(NewConfig())
	require.NoError(t, err)
	require.NoError(t, x.ExecuteVoid("setTimeout(function() {}, 60000)"))
	require.NoError(t, x.Close())

	assert.Zero(t, x.PendingTimers(), "close discards pending timers")
	assert.ErrorIs(t, x.RegisterModule("m", "export {}"), ErrClosedRuntime)
	_, err = x.ImportModule("never-registered")
	assert.ErrorIs(t, err, ErrClosedRuntime)
	assert.ErrorIs(t, x.RunEventLoop(time.Millisecond), ErrClosedRuntime)
	assert.ErrorIs(t, x.RunMicrotasks(), ErrClosedRuntime)
}
