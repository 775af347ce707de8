package jsbridge

// preludeJS installs globalThis.__bridge: the engine-side slot table that
// holds every engine value referenced by a host handle, plus the helpers
// the Go side drives through Eval. Values cross as "id:kind:payload" where
// payload is the primitive rendering (empty for reference kinds); values
// going in cross as "kind:payload" ("slot:N" for an existing slot).
const preludeJS = `
(function() {
	if (globalThis.__bridge) return;
	var slots = new Map();
	var next = 0;
	var contexts = new Map();
	var lastError = null;
	var dispatchPrefix = /^(TypeError: )?calling __bridge_dispatch: /;

	function kindOf(v) {
		if (v === undefined) return 'undefined';
		if (v === null) return 'null';
		switch (typeof v) {
		case 'boolean': return 'boolean';
		case 'number':
			return (Number.isInteger(v) && v >= -2147483648 && v <= 2147483647 && !Object.is(v, -0)) ? 'integer' : 'double';
		case 'bigint': return 'long';
		case 'string': return 'string';
		case 'symbol': return 'symbol';
		case 'function': return 'function';
		}
		if (Array.isArray(v)) return 'array';
		if (v instanceof Map) return 'map';
		if (v instanceof Set) return 'set';
		if (v instanceof Promise) return 'promise';
		if (v instanceof Error) return 'error';
		return 'object';
	}
	function payload(v, k) {
		switch (k) {
		case 'boolean': return v ? '1' : '0';
		case 'integer': return String(v);
		case 'long': return typeof v === 'bigint' ? v.toString() : String(v);
		case 'double': return Object.is(v, -0) ? '-0' : String(v);
		case 'string': return v;
		}
		return '';
	}
	function put(v) { next++; slots.set(next, v); return next; }
	function get(id) {
		if (id === 0) return undefined;
		if (!slots.has(id)) throw new ReferenceError('bridge slot ' + id + ' is not live');
		return slots.get(id);
	}
	function wrapAs(v, k) { return put(v) + ':' + k + ':' + payload(v, k); }
	function wrap(v) { return wrapAs(v, kindOf(v)); }
	function describe(v) { var k = kindOf(v); return k + ':' + payload(v, k); }
	function decode(s) {
		var c = s.indexOf(':');
		var k = s.slice(0, c), p = s.slice(c + 1);
		switch (k) {
		case 'undefined': return undefined;
		case 'null': return null;
		case 'boolean': return p === '1';
		case 'integer': case 'double': return Number(p);
		case 'long': return BigInt(p);
		case 'string': return p;
		case 'slot': return get(Number(p));
		case 'json': return JSON.parse(p);
		case 'object': return {};
		case 'array': return [];
		case 'map': return new Map();
		case 'set': return new Set();
		}
		throw new TypeError('bridge: cannot decode kind ' + k);
	}
	function record(e) {
		var rec = { name: '', message: '', stack: '' };
		if (e !== null && typeof e === 'object') {
			rec.name = e.name !== undefined ? String(e.name) : 'Error';
			rec.message = e.message !== undefined ? String(e.message) : String(e);
			if (e.stack !== undefined) rec.stack = String(e.stack);
		} else {
			rec.message = String(e);
		}
		lastError = JSON.stringify(rec);
	}
	function guard(fn) {
		try { return fn(); } catch (e) { record(e); throw e; }
	}
	function args(ids) {
		var out = new Array(ids.length);
		for (var i = 0; i < ids.length; i++) out[i] = get(ids[i]);
		return out;
	}
	function getKey(o, k) { return o instanceof Map ? o.get(k) : o[k]; }
	function setKey(o, k, v) { if (o instanceof Map) o.set(k, v); else o[k] = v; }
	function entries(v, k) {
		if (k === 'array') {
			var a = new Array(v.length);
			for (var i = 0; i < v.length; i++) a[i] = [i, v[i]];
			return a;
		}
		if (k === 'map') return Array.from(v.entries());
		if (k === 'set') return Array.from(v.values(), function(x) { return [x, x]; });
		return Object.keys(v).map(function(key) { return [key, v[key]]; });
	}
	function replacer(k, v) {
		if (typeof v === 'bigint') return v.toString();
		if (v instanceof Map) return Object.fromEntries(v);
		if (v instanceof Set) return Array.from(v);
		return v;
	}
	function stub(ctxId, op, name, arity) {
		return function() {
			if (!contexts.has(ctxId)) throw new Error(name + ': callback context is released');
			var n = arguments.length;
			if (arity >= 0 && n !== arity) {
				throw new TypeError(name + ' expects ' + arity + ' argument(s), got ' + n);
			}
			var parked = new Array(n);
			for (var i = 0; i < n; i++) parked[i] = wrap(arguments[i]);
			var self = wrap(this);
			try {
				var out;
				try {
					out = __bridge_dispatch(ctxId, op, self, JSON.stringify(parked));
				} catch (e) {
					var m = String(e !== null && typeof e === 'object' && 'message' in e ? e.message : e);
					throw new TypeError('calling ' + name + ': ' + m.replace(dispatchPrefix, ''));
				}
				return decode(out);
			} finally {
				slots.delete(parseInt(self, 10));
				for (var j = 0; j < n; j++) slots.delete(parseInt(parked[j], 10));
			}
		};
	}

	var B = {
		make: function(enc, k) {
			var v = decode(enc);
			return k ? wrapAs(v, k) : wrap(v);
		},
		free: function(id) { return slots.delete(id) ? 1 : 0; },
		size: function() { return slots.size; },
		dup: function(id) { return put(get(id)); },
		run: function(src, strict) {
			return guard(function() { return wrap((0, eval)(strict ? '"use strict";\n' + src : src)); });
		},
		exec: function(src, strict) {
			guard(function() { (0, eval)(strict ? '"use strict";\n' + src : src); });
		},
		global: function() { return wrap(globalThis); },
		take: function(name) {
			var v = globalThis[name];
			delete globalThis[name];
			return wrap(v);
		},
		get: function(id, key) {
			return guard(function() { return wrap(getKey(get(id), decode(key))); });
		},
		prim: function(id, key) {
			return guard(function() { return describe(getKey(get(id), decode(key))); });
		},
		set: function(id, key, val) {
			guard(function() { setKey(get(id), decode(key), decode(val)); });
		},
		has: function(id, key) {
			var o = get(id), k = decode(key);
			return o instanceof Map ? o.has(k) : (k in Object(o));
		},
		del: function(id, key) {
			return guard(function() {
				var o = get(id), k = decode(key);
				return o instanceof Map ? o.delete(k) : delete o[k];
			});
		},
		len: function(id) {
			var o = get(id);
			if (o instanceof Map || o instanceof Set) return o.size;
			if (Array.isArray(o)) return o.length;
			return Object.keys(o).length;
		},
		keys: function(id) {
			var o = get(id);
			return wrap(o instanceof Map ? Array.from(o.keys()) : Object.keys(o));
		},
		str: function(id) { return String(get(id)); },
		json: function(id) {
			return guard(function() {
				var s = JSON.stringify(get(id), replacer);
				return s === undefined ? '' : s;
			});
		},
		call: function(fid, rid, ids) {
			return guard(function() { return wrap(get(fid).apply(get(rid), args(ids))); });
		},
		call0: function(fid, rid) {
			return guard(function() { return wrap(get(fid).call(get(rid))); });
		},
		invoke: function(oid, name, ids) {
			return guard(function() { var o = get(oid); return wrap(o[name].apply(o, args(ids))); });
		},
		invoke0: function(oid, name) {
			return guard(function() { var o = get(oid); return wrap(o[name]()); });
		},
		construct: function(fid, ids) {
			return guard(function() { return wrap(Reflect.construct(get(fid), args(ids))); });
		},
		snapshot: function(id, k) {
			var e = entries(get(id), k);
			return put(e) + ':' + e.length;
		},
		step: function(sid, i) { return wrap(slots.get(sid)[i][1]); },
		stepEntry: function(sid, i) {
			var e = slots.get(sid)[i];
			return JSON.stringify([wrap(e[0]), wrap(e[1])]);
		},
		bind: function(oid, ctxId, names, arities) {
			var o = get(oid), fns = new Array(names.length);
			for (var i = 0; i < names.length; i++) {
				fns[i] = stub(ctxId, i, names[i], arities[i]);
				o[names[i]] = fns[i];
			}
			contexts.set(ctxId, { obj: o, names: names, fns: fns });
		},
		fn: function(ctxId, name, arity) {
			var f = stub(ctxId, 0, name, arity);
			contexts.set(ctxId, { obj: null, names: [], fns: [] });
			return wrapAs(f, 'function');
		},
		unbind: function(ctxId) {
			var c = contexts.get(ctxId);
			if (!c) return;
			contexts.delete(ctxId);
			if (!c.obj) return;
			for (var i = 0; i < c.names.length; i++) {
				if (c.obj[c.names[i]] === c.fns[i]) delete c.obj[c.names[i]];
			}
		},
		watch: function(id) {
			var st = { state: 'pending', value: undefined };
			Promise.resolve(get(id)).then(
				function(v) { st.state = 'fulfilled'; st.value = v; },
				function(e) { st.state = 'rejected'; st.value = e; });
			return put(st);
		},
		state: function(wid) { return get(wid).state; },
		settled: function(wid) {
			var st = get(wid);
			if (st.state === 'rejected') {
				record(st.value);
				return '';
			}
			return wrap(st.value);
		},
		takeError: function() {
			var e = lastError;
			lastError = null;
			return e === null ? '' : e;
		}
	};
	Object.defineProperty(globalThis, '__bridge', { value: B });
})();
`
