// Package wasmtest assembles small WebAssembly binaries for tests.
package wasmtest

// ValType is a wasm value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

type funcImport struct {
	module, name string
	typ          uint32
}

type funcDef struct {
	typ    uint32
	locals []ValType
	body   []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	offset int32
	data   []byte
}

// Builder accumulates module sections. Imports must be declared before any
// function so that function indexes stay stable.
type Builder struct {
	types   []FuncType
	imports []funcImport
	funcs   []funcDef
	exports []export
	data    []segment
	pages   uint32
	memory  bool
}

func New() *Builder { return &Builder{} }

// Import declares a function import and returns its function index.
func (b *Builder) Import(module, name string, t FuncType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: import declared after function")
	}
	b.imports = append(b.imports, funcImport{module: module, name: name, typ: b.typeIndex(t)})
	return uint32(len(b.imports) - 1)
}

// Func defines a function and returns its index. The trailing end opcode is
// added automatically.
func (b *Builder) Func(t FuncType, locals []ValType, body ...[]byte) uint32 {
	var code []byte
	for _, ins := range body {
		code = append(code, ins...)
	}
	b.funcs = append(b.funcs, funcDef{typ: b.typeIndex(t), locals: locals, body: code})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Export exports a function by index.
func (b *Builder) Export(name string, funcIdx uint32) {
	b.exports = append(b.exports, export{name: name, kind: 0x00, idx: funcIdx})
}

// Memory declares one linear memory exported as "memory".
func (b *Builder) Memory(pages uint32) {
	b.memory = true
	b.pages = pages
}

// Data places an active data segment at offset.
func (b *Builder) Data(offset int32, data []byte) {
	b.data = append(b.data, segment{offset: offset, data: data})
}

func (b *Builder) typeIndex(t FuncType) uint32 {
	for i, existing := range b.types {
		if equalTypes(existing.Params, t.Params) && equalTypes(existing.Results, t.Results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, t)
	return uint32(len(b.types) - 1)
}

func equalTypes(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		var s []byte
		s = uleb(s, uint64(len(b.types)))
		for _, t := range b.types {
			s = append(s, 0x60)
			s = valTypes(s, t.Params)
			s = valTypes(s, t.Results)
		}
		out = section(out, 1, s)
	}

	if len(b.imports) > 0 {
		var s []byte
		s = uleb(s, uint64(len(b.imports)))
		for _, imp := range b.imports {
			s = name(s, imp.module)
			s = name(s, imp.name)
			s = append(s, 0x00)
			s = uleb(s, uint64(imp.typ))
		}
		out = section(out, 2, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = uleb(s, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			s = uleb(s, uint64(f.typ))
		}
		out = section(out, 3, s)
	}

	if b.memory {
		s := []byte{0x01, 0x00}
		s = uleb(s, uint64(b.pages))
		out = section(out, 5, s)
	}

	exports := b.exports
	if b.memory {
		exports = append([]export{{name: "memory", kind: 0x02}}, exports...)
	}
	if len(exports) > 0 {
		var s []byte
		s = uleb(s, uint64(len(exports)))
		for _, e := range exports {
			s = name(s, e.name)
			s = append(s, e.kind)
			s = uleb(s, uint64(e.idx))
		}
		out = section(out, 7, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = uleb(s, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			var body []byte
			body = uleb(body, uint64(len(f.locals)))
			for _, l := range f.locals {
				body = append(body, 0x01, byte(l))
			}
			body = append(body, f.body...)
			body = append(body, 0x0b)
			s = uleb(s, uint64(len(body)))
			s = append(s, body...)
		}
		out = section(out, 10, s)
	}

	if len(b.data) > 0 {
		var s []byte
		s = uleb(s, uint64(len(b.data)))
		for _, d := range b.data {
			s = append(s, 0x00)
			s = append(s, I32Const(d.offset)...)
			s = append(s, 0x0b)
			s = uleb(s, uint64(len(d.data)))
			s = append(s, d.data...)
		}
		out = section(out, 11, s)
	}
	return out
}

// Instructions.

func I32Const(v int32) []byte  { return sleb([]byte{0x41}, int64(v)) }
func Call(idx uint32) []byte     { return uleb([]byte{0x10}, uint64(idx)) }
func LocalGet(idx uint32) []byte { return uleb([]byte{0x20}, uint64(idx)) }
func LocalSet(idx uint32) []byte { return uleb([]byte{0x21}, uint64(idx)) }
func Drop() []byte               { return []byte{0x1a} }
func Unreachable() []byte        { return []byte{0x00} }

func section(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = uleb(out, uint64(len(content)))
	return append(out, content...)
}

func valTypes(out []byte, ts []ValType) []byte {
	out = uleb(out, uint64(len(ts)))
	for _, t := range ts {
		out = append(out, byte(t))
	}
	return out
}

func name(out []byte, s string) []byte {
	out = uleb(out, uint64(len(s)))
	return append(out, s...)
}

func uleb(out []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func sleb(out []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}
