package midiconnector

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

var mutex sync.Mutex

var devicesOpen map[string]drivers.Out

func init() {
	devicesOpen = make(map[string]drivers.Out)
}

// Device is one MIDI output, addressed by a fuzzy name match against the
// system's port list.
type Device struct {
	name    string
	num     int
	notesOn map[uint16]uint8 // (channel<<8)|note -> channel
}

func filterName(name string) (foundName string, foundNum int, err error) {
	names := Devices()

	// Truncate name to first 3 words
	words := strings.Fields(name)
	if len(words) > 3 {
		words = words[:3]
	}
	truncatedName := strings.Join(words, " ")

	// First try exact match with truncated name
	for i, n := range names {
		if strings.EqualFold(n, truncatedName) {
			foundName = n
			foundNum = i
			return
		}
	}

	// Then try prefix match with truncated name
	for i, n := range names {
		if strings.HasPrefix(strings.ToLower(n), strings.ToLower(truncatedName)) {
			foundName = n
			foundNum = i
			return
		}
	}

	// Finally try contains match for backward compatibility
	for i, n := range names {
		if strings.Contains(strings.ToLower(n), strings.ToLower(truncatedName)) {
			foundName = n
			foundNum = i
			return
		}
	}

	err = fmt.Errorf("could not find device with name %s", truncatedName)
	return
}

// New resolves a device by name. Open must be called before sending.
func New(name string) (*Device, error) {
	var d Device
	var err error
	d.name, d.num, err = filterName(name)
	d.notesOn = make(map[uint16]uint8)
	return &d, err
}

// Close closes every open output port.
func Close() {
	mutex.Lock()
	defer mutex.Unlock()
	for _, out := range devicesOpen {
		out.Close()
	}
	devicesOpen = make(map[string]drivers.Out)
}

// Name returns the resolved port name.
func (d *Device) Name() string { return d.name }

// Open opens the underlying port if it is not already open.
func (d *Device) Open() (err error) {
	mutex.Lock()
	defer mutex.Unlock()
	if _, ok := devicesOpen[d.name]; ok {
		return
	}
	out, err := midi.FindOutPort(d.name)
	if err == nil {
		devicesOpen[d.name] = out
		err = out.Open()
	}
	return
}

// CloseDevice sends note-offs for every sounding note and closes the port.
func (d *Device) CloseDevice() (err error) {
	for key, ch := range d.notesOn {
		d.NoteOff(ch, uint8(key&0x7F))
	}
	mutex.Lock()
	defer mutex.Unlock()
	if out, ok := devicesOpen[d.name]; ok {
		err = out.Close()
		delete(devicesOpen, d.name)
	}
	return
}

func (d *Device) send(bytes []byte, what string) (err error) {
	mutex.Lock()
	defer mutex.Unlock()
	if out, ok := devicesOpen[d.name]; ok {
		err = out.Send(bytes)
		if err != nil {
			// Log MIDI errors instead of letting them print to stderr
			log.Printf("MIDI %s error for device %s: %v", what, d.name, err)
		}
	}
	return
}

// NoteOn sends a note-on message.
func (d *Device) NoteOn(channel, note, velocity uint8) (err error) {
	err = d.send([]byte{0x90 | channel&0x0F, note & 0x7F, velocity & 0x7F}, "NoteOn")
	if err == nil {
		d.notesOn[uint16(channel)<<8|uint16(note)] = channel
	}
	return
}

// NoteOff sends a note-off message.
func (d *Device) NoteOff(channel, note uint8) (err error) {
	err = d.send([]byte{0x80 | channel&0x0F, note & 0x7F, 0}, "NoteOff")
	if err == nil {
		delete(d.notesOn, uint16(channel)<<8|uint16(note))
	}
	return
}

// ControlChange sends a CC message.
func (d *Device) ControlChange(channel, controller, value uint8) error {
	return d.send([]byte{0xB0 | channel&0x0F, controller & 0x7F, value & 0x7F}, "CC")
}

// PitchBend sends a 14-bit pitch bend value (0..16383, centre 8192).
func (d *Device) PitchBend(channel uint8, value uint16) error {
	lsb := uint8(value & 0x7F)
	msb := uint8((value >> 7) & 0x7F)
	return d.send([]byte{0xE0 | channel&0x0F, lsb, msb}, "PitchBend")
}

// Clock sends a MIDI timing clock pulse.
func (d *Device) Clock() error {
	return d.send([]byte{0xF8}, "Clock")
}

// Start sends a MIDI transport start.
func (d *Device) Start() error {
	return d.send([]byte{0xFA}, "Start")
}

// Stop sends a MIDI transport stop.
func (d *Device) Stop() error {
	return d.send([]byte{0xFC}, "Stop")
}

// Continue sends a MIDI transport continue.
func (d *Device) Continue() error {
	return d.send([]byte{0xFB}, "Continue")
}

// Devices lists the system's MIDI output port names.
func Devices() (devices []string) {
	outs := midi.GetOutPorts()
	for _, out := range outs {
		devices = append(devices, out.String())
	}
	return
}
