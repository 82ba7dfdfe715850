// Package synthdef handles the two touch points the runtime has with
// SuperCollider's synthdef file format: reading the name out of an opaque
// blob's header, and emitting the built-in system_link_audio passthrough.
package synthdef

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var magic = []byte("SCgf")

// ParseName reads the first synthdef name from an SCgf blob: magic (4
// bytes), version (4) and definition count (2) are skipped, then a
// length-prefixed name string follows. Everything past the name is opaque.
func ParseName(blob []byte) (string, error) {
	if len(blob) < 11 {
		return "", fmt.Errorf("synthdef blob too short (%d bytes)", len(blob))
	}
	if !bytes.Equal(blob[:4], magic) {
		return "", fmt.Errorf("bad synthdef magic %q", blob[:4])
	}
	nameLen := int(blob[10])
	if 11+nameLen > len(blob) {
		return "", fmt.Errorf("synthdef name truncated (want %d bytes)", nameLen)
	}
	return string(blob[11 : 11+nameLen]), nil
}

// SystemLinkAudioName is the name of the built-in link synthdef.
const SystemLinkAudioName = "system_link_audio"

// SystemLinkAudioBytes builds the system_link_audio synthdef: a stereo
// passthrough reading a group's bus (inbus) and writing into its parent's
// bus (outbus). Emitted by hand as SCgf v2 so the runtime has no sclang
// dependency for its one mandatory patch.
func SystemLinkAudioBytes() []byte {
	var buf bytes.Buffer

	w32 := func(v int32) { binary.Write(&buf, binary.BigEndian, v) }
	w16 := func(v int16) { binary.Write(&buf, binary.BigEndian, v) }
	wf32 := func(v float32) { binary.Write(&buf, binary.BigEndian, v) }
	wpstr := func(s string) {
		buf.WriteByte(byte(len(s)))
		buf.WriteString(s)
	}

	buf.Write(magic)
	w32(2) // file version
	w16(1) // one synthdef

	wpstr(SystemLinkAudioName)

	w32(0) // no constants

	// Parameters: inbus=0, outbus=0
	w32(2)
	wf32(0)
	wf32(0)

	w32(2) // parameter names
	wpstr("inbus")
	w32(0)
	wpstr("outbus")
	w32(1)

	w32(3) // ugens: Control, In.ar, Out.ar

	// UGen 0: Control (control rate, no inputs, two outputs)
	wpstr("Control")
	buf.WriteByte(1) // control rate
	w32(0)           // inputs
	w32(2)           // outputs
	w16(0)           // special index
	buf.WriteByte(1) // output 0 rate
	buf.WriteByte(1) // output 1 rate

	// UGen 1: In.ar reading the stereo pair at inbus
	wpstr("In")
	buf.WriteByte(2) // audio rate
	w32(1)
	w32(2)
	w16(0)
	w32(0) // input 0: ugen 0 (Control)
	w32(0) //          output 0 (inbus)
	buf.WriteByte(2)
	buf.WriteByte(2)

	// UGen 2: Out.ar writing the pair to outbus
	wpstr("Out")
	buf.WriteByte(2) // audio rate
	w32(3)
	w32(0)
	w16(0)
	w32(0) // input 0: ugen 0 (Control)
	w32(1) //          output 1 (outbus)
	w32(1) // input 1: ugen 1 (In) left
	w32(0)
	w32(1) // input 2: ugen 1 (In) right
	w32(1)

	w16(0) // no variants

	return buf.Bytes()
}
