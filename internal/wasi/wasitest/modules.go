// Package wasitest provides tiny hand-assembled wasm binaries for tests.
// Keeping them as raw section bytes avoids a build-time wat toolchain.
package wasitest

// header is the wasm magic number plus binary version 1.
var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// NoopModule exports a `_start` that returns immediately.
func NoopModule() []byte {
	return concat(
		header,
		// type section: one func type () -> ()
		[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
		// function section: one func of type 0
		[]byte{0x03, 0x02, 0x01, 0x00},
		// export section: "_start" -> func 0
		[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00},
		// code section: empty body
		[]byte{0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b},
	)
}

// TrapModule exports a `_start` whose body is a single unreachable.
func TrapModule() []byte {
	return concat(
		header,
		[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
		[]byte{0x03, 0x02, 0x01, 0x00},
		[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00},
		// code section: unreachable
		[]byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b},
	)
}

// HelloModule imports wasi fd_write and writes "hello\n" to stdout from
// `_start`. The iovec lives at offset 0, the string at offset 8, and the
// nwritten result is stored at offset 20.
func HelloModule() []byte {
	return concat(
		header,
		// type section: (i32,i32,i32,i32)->i32 and ()->()
		[]byte{0x01, 0x0c, 0x02,
			0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
			0x60, 0x00, 0x00},
		// import section: wasi_snapshot_preview1.fd_write as func 0
		concat(
			[]byte{0x02, 0x23, 0x01, 0x16},
			[]byte("wasi_snapshot_preview1"),
			[]byte{0x08},
			[]byte("fd_write"),
			[]byte{0x00, 0x00},
		),
		// function section: one func of type 1
		[]byte{0x03, 0x02, 0x01, 0x01},
		// memory section: one memory, min 1 page
		[]byte{0x05, 0x03, 0x01, 0x00, 0x01},
		// export section: "memory" -> mem 0, "_start" -> func 1
		[]byte{0x07, 0x13, 0x02,
			0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
			0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01},
		// code section: fd_write(1, 0, 1, 20); drop
		[]byte{0x0a, 0x0f, 0x01, 0x0d, 0x00,
			0x41, 0x01, // i32.const 1 (stdout fd)
			0x41, 0x00, // i32.const 0 (iovs)
			0x41, 0x01, // i32.const 1 (iovs_len)
			0x41, 0x14, // i32.const 20 (nwritten)
			0x10, 0x00, // call fd_write
			0x1a, // drop errno
			0x0b},
		// data section: iovec{ptr:8,len:6} then "hello\n"
		[]byte{0x0b, 0x14, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x0e,
			0x08, 0x00, 0x00, 0x00,
			0x06, 0x00, 0x00, 0x00,
			'h', 'e', 'l', 'l', 'o', '\n'},
	)
}

// HelloOutput is what HelloModule writes to stdout.
const HelloOutput = "hello\n"

// EmptyModule is a valid module with no exports at all.
func EmptyModule() []byte {
	return concat(header)
}

// InvalidModule is not a wasm binary.
func InvalidModule() []byte {
	return []byte("definitely not a wasm module")
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
