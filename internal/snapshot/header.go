// Package snapshot implements microVM save/restore: a versioned header
// followed by a CBOR-encoded body describing VM/device/vCPU state, plus
// a companion guest-memory file (full or dirty-page diff).
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// magic identifies a state file belonging to this VMM, 16 bytes so it
// never collides with a raw CBOR stream's leading byte.
var magic = [16]byte{'g', 'o', '-', 'm', 'i', 'c', 'r', 'o', 'v', 'm', '-', 's', 'n', 'a', 'p', 0}

// formatVersion is bumped whenever the CBOR body's schema changes in a
// way that breaks compatibility with older state files.
const formatVersion uint16 = 1

// writeHeader writes the 18-byte fixed header (16-byte magic + 2-byte
// little-endian format version) that precedes the CBOR body.
func writeHeader(w io.Writer) error {
	var buf bytes.Buffer
	buf.Write(magic[:])
	if err := binary.Write(&buf, binary.LittleEndian, formatVersion); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// readHeader validates the fixed header and returns the format version
// found, so callers can reject a state file from an incompatible build.
func readHeader(r io.Reader) (uint16, error) {
	var got [16]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return 0, fmt.Errorf("snapshot: reading magic: %w", err)
	}
	if got != magic {
		return 0, fmt.Errorf("snapshot: not a microVM state file")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, fmt.Errorf("snapshot: reading format version: %w", err)
	}
	if version != formatVersion {
		return 0, fmt.Errorf("snapshot: unsupported format version %d (want %d)", version, formatVersion)
	}
	return version, nil
}
