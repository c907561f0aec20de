package bundler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidWasm indicates the imported file is not a WebAssembly binary
	ErrInvalidWasm = errors.New("invalid WebAssembly binary")

	wasmMagic   = []byte{0x00, 'a', 's', 'm'}
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

const (
	importSectionID = 2
	exportSectionID = 7
)

// ExternKind is the kind of a WebAssembly import or export.
type ExternKind byte

const (
	ExternFunc ExternKind = iota
	ExternTable
	ExternMemory
	ExternGlobal
	ExternTag
)

// WasmImport is one entry of the module's import section.
type WasmImport struct {
	Module string
	Name   string
	Kind   ExternKind
}

// WasmExport is one entry of the module's export section.
type WasmExport struct {
	Name string
	Kind ExternKind
}

// WasmModule is the linking surface of a binary: what it needs from the host
// and what it provides, both in declaration order.
type WasmModule struct {
	Imports []WasmImport
	Exports []WasmExport
}

// ImportModules returns the distinct import module names in order of first use.
func (m WasmModule) ImportModules() []string {
	seen := make(map[string]bool, len(m.Imports))
	var modules []string
	for _, imp := range m.Imports {
		if seen[imp.Module] {
			continue
		}
		seen[imp.Module] = true
		modules = append(modules, imp.Module)
	}
	return modules
}

// ReadWasmModule validates the binary header and reads the import and export
// sections. Every other section is skipped.
func ReadWasmModule(b []byte) (WasmModule, error) {
	var mod WasmModule

	if len(b) < 8 || !bytes.Equal(b[:4], wasmMagic) {
		return mod, fmt.Errorf("%w: missing \\0asm magic", ErrInvalidWasm)
	}
	if !bytes.Equal(b[4:8], wasmVersion) {
		return mod, fmt.Errorf("%w: unsupported version %x", ErrInvalidWasm, b[4:8])
	}

	r := &wasmReader{buf: b, off: 8}
	for r.off < len(r.buf) {
		id, err := r.byte()
		if err != nil {
			return mod, err
		}
		size, err := r.u32()
		if err != nil {
			return mod, err
		}
		end := r.off + int(size)
		if end > len(r.buf) {
			return mod, fmt.Errorf("%w: section %d overruns binary", ErrInvalidWasm, id)
		}

		section := &wasmReader{buf: r.buf[:end], off: r.off}
		switch id {
		case importSectionID:
			if mod.Imports, err = section.imports(); err != nil {
				return mod, err
			}
		case exportSectionID:
			if mod.Exports, err = section.exports(); err != nil {
				return mod, err
			}
		}
		r.off = end
	}

	return mod, nil
}

type wasmReader struct {
	buf []byte
	off int
}

func (r *wasmReader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("%w: unexpected end of binary", ErrInvalidWasm)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// u64 reads an unsigned LEB128 value, which shares its encoding with Go's uvarint.
func (r *wasmReader) u64() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: malformed LEB128 at offset %d", ErrInvalidWasm, r.off)
	}
	r.off += n
	return v, nil
}

func (r *wasmReader) u32() (uint32, error) {
	off := r.off
	v, err := r.u64()
	if err != nil {
		return 0, err
	}
	if v > 0xffffffff {
		return 0, fmt.Errorf("%w: malformed LEB128 at offset %d", ErrInvalidWasm, off)
	}
	return uint32(v), nil
}

func (r *wasmReader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	end := r.off + int(n)
	if end > len(r.buf) {
		return "", fmt.Errorf("%w: name overruns section", ErrInvalidWasm)
	}
	s := string(r.buf[r.off:end])
	r.off = end
	return s, nil
}

// refType skips a reference or value type. 0x63 and 0x64 are typed references
// followed by a heap type.
func (r *wasmReader) refType() error {
	t, err := r.byte()
	if err != nil {
		return err
	}
	if t == 0x63 || t == 0x64 {
		// heap types are signed LEB128; the unsigned decoder consumes the same bytes
		_, err = r.u64()
	}
	return err
}

func (r *wasmReader) limits() error {
	flags, err := r.byte()
	if err != nil {
		return err
	}
	if _, err := r.u64(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		_, err = r.u64()
	}
	return err
}

func (r *wasmReader) importDesc(kind ExternKind) error {
	switch kind {
	case ExternFunc:
		_, err := r.u32()
		return err
	case ExternTable:
		if err := r.refType(); err != nil {
			return err
		}
		return r.limits()
	case ExternMemory:
		return r.limits()
	case ExternGlobal:
		if err := r.refType(); err != nil {
			return err
		}
		_, err := r.byte()
		return err
	case ExternTag:
		if _, err := r.byte(); err != nil {
			return err
		}
		_, err := r.u32()
		return err
	default:
		return fmt.Errorf("%w: unknown import kind 0x%02x", ErrInvalidWasm, byte(kind))
	}
}

func (r *wasmReader) imports() ([]WasmImport, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}

	imports := make([]WasmImport, 0, min(count, uint32(len(r.buf))))
	for range count {
		module, err := r.name()
		if err != nil {
			return nil, err
		}
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		if err := r.importDesc(ExternKind(kind)); err != nil {
			return nil, err
		}

		imports = append(imports, WasmImport{Module: module, Name: name, Kind: ExternKind(kind)})
	}

	return imports, nil
}

func (r *wasmReader) exports() ([]WasmExport, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}

	exports := make([]WasmExport, 0, min(count, uint32(len(r.buf))))
	for range count {
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		// export index, unused
		if _, err := r.u32(); err != nil {
			return nil, err
		}

		exports = append(exports, WasmExport{Name: name, Kind: ExternKind(kind)})
	}

	return exports, nil
}
