package testsupport

// Stage-2 module layout: 16 pages of memory, the stack pointer starts at the top
// and the bump allocator at 1 KiB.
const (
	modulePages = 16
	moduleStack = modulePages * 65536
	moduleHeap  = 1024
)

// EchoModule assembles a WebAssembly module with the stage-2 exports. The
// decrypt export "g" writes a return record pointing back at its input, so the
// module behaves like EchoTransformer. A non-zero status is stored in the first
// status word to simulate a failed transform.
func EchoModule(status int32) []byte {
	const (
		i32   = 0x7f
		fn    = 0x60
		local = 0x20
		gget  = 0x23
		gset  = 0x24
		konst = 0x41
		add   = 0x6a
		store = 0x36
		end   = 0x0b
	)

	types := vec(
		[]byte{fn, 1, i32, 1, i32},
		[]byte{fn, 5, i32, i32, i32, i32, i32, 0},
	)
	funcs := vec([]byte{0}, []byte{0}, []byte{1})
	memory := vec(append([]byte{0}, uleb(modulePages)...))
	globals := vec(
		cat([]byte{i32, 1, konst}, sleb(moduleStack), []byte{end}),
		cat([]byte{i32, 1, konst}, sleb(moduleHeap), []byte{end}),
	)
	exports := vec(
		export("a", 0, 0),
		export("c", 0, 1),
		export("g", 0, 2),
		export("memory", 2, 0),
	)

	// a(delta) adjusts the stack pointer and returns it.
	stack := body(gget, 0, local, 0, add, gset, 0, gget, 0, end)
	// c(size) bumps the heap and returns the previous top.
	malloc := body(gget, 1, gget, 1, local, 0, add, gset, 1, end)
	// g(ret, data, len, id, idLen) stores {data, len, status, 0} at ret.
	decrypt := body(cat(
		[]byte{local, 0, local, 1, store, 2, 0},
		[]byte{local, 0, local, 2, store, 2, 4},
		cat([]byte{local, 0, konst}, sleb(int64(status)), []byte{store, 2, 8}),
		[]byte{local, 0, konst, 0, store, 2, 12},
		[]byte{end},
	)...)
	code := vec(stack, malloc, decrypt)

	return cat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(1, types),
		section(3, funcs),
		section(5, memory),
		section(6, globals),
		section(7, exports),
		section(10, code),
	)
}

func section(id byte, content []byte) []byte {
	return cat([]byte{id}, uleb(uint64(len(content))), content)
}

func vec(items ...[]byte) []byte {
	return cat(append([][]byte{uleb(uint64(len(items)))}, items...)...)
}

func export(name string, kind, index byte) []byte {
	return cat(uleb(uint64(len(name))), []byte(name), []byte{kind, index})
}

// body prefixes instructions with an empty locals vector and the body size.
func body(instr ...byte) []byte {
	content := append([]byte{0}, instr...)
	return cat(uleb(uint64(len(content))), content)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
