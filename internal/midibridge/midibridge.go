// Package midibridge decodes /tr replies from the DSP server into MIDI
// output. MIDI events are scheduled as trigger synths inside the same timed
// bundles as audio, so the server's SendTrig fires at sample-accurate times
// and this bridge only has to forward bytes immediately.
package midibridge

import (
	"log"
	"sync"
)

// Trigger id ranges. Note-on and note-off use single packed triggers; CC and
// pitch bend still use the legacy multi-trigger protocol (one SendTrig per
// field, accumulated per node id).
const (
	// TrigNoteOnPacked carries (device<<21)|(channel<<14)|(note<<7)|velocity.
	TrigNoteOnPacked = 100
	// TrigNoteOffPacked carries (device<<14)|(channel<<7)|note.
	TrigNoteOffPacked = 110

	TrigCCDeviceID = 120
	TrigCCChannel  = 121
	TrigCCNum      = 122
	TrigCCValue    = 123

	TrigPitchBendDeviceID = 130
	TrigPitchBendChannel  = 131
	TrigPitchBendValue    = 132

	TrigClock = 140

	TrigStart    = 150
	TrigStop     = 151
	TrigContinue = 152
)

// Output is the per-device MIDI sink the bridge dispatches to.
type Output interface {
	NoteOn(channel, note, velocity uint8) error
	NoteOff(channel, note uint8) error
	ControlChange(channel, controller, value uint8) error
	PitchBend(channel uint8, value uint16) error
	Clock() error
	Start() error
	Stop() error
	Continue() error
}

type ccEntry struct {
	device           int
	channel, num, vl uint8
	have             [4]bool
}

type pbEntry struct {
	device  int
	channel uint8
	value   int32
	have    [3]bool
}

// Bridge maps device ids to outputs and accumulates multi-trigger messages
// per node id. Stale accumulator entries are allowed to leak; they are
// bounded by the lifetime of the triggering DSP nodes.
type Bridge struct {
	mu      sync.Mutex
	devices map[int]Output
	cc      map[int32]*ccEntry
	pb      map[int32]*pbEntry

	errorCount uint64
}

// New returns an empty bridge.
func New() *Bridge {
	return &Bridge{
		devices: make(map[int]Output),
		cc:      make(map[int32]*ccEntry),
		pb:      make(map[int32]*pbEntry),
	}
}

// RegisterDevice binds a numeric device id to an output.
func (b *Bridge) RegisterDevice(id int, out Output) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[id] = out
}

// UnregisterDevice removes a device binding.
func (b *Bridge) UnregisterDevice(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, id)
}

// ErrorCount returns how many decoded events had no registered device.
func (b *Bridge) ErrorCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorCount
}

func (b *Bridge) device(id int) Output {
	out, ok := b.devices[id]
	if !ok {
		b.errorCount++
		log.Printf("[MIDI] no output registered for device %d", id)
		return nil
	}
	return out
}

// DecodeNoteOn unpacks a packed note-on value.
func DecodeNoteOn(packed int32) (device int, channel, note, velocity uint8) {
	device = int(packed >> 21)
	channel = uint8((packed >> 14) & 0x7F)
	note = uint8((packed >> 7) & 0x7F)
	velocity = uint8(packed & 0x7F)
	return
}

// DecodeNoteOff unpacks a packed note-off value.
func DecodeNoteOff(packed int32) (device int, channel, note uint8) {
	device = int(packed >> 14)
	channel = uint8((packed >> 7) & 0x7F)
	note = uint8(packed & 0x7F)
	return
}

// HandleTrigger processes one /tr reply (node id, trigger id, value). It
// never blocks and never panics; undeliverable events are counted and
// logged.
func (b *Bridge) HandleTrigger(nodeID int32, triggerID int32, value float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case triggerID == TrigNoteOnPacked:
		device, channel, note, velocity := DecodeNoteOn(int32(value))
		if out := b.device(device); out != nil {
			out.NoteOn(channel, note, velocity)
		}
	case triggerID == TrigNoteOffPacked:
		device, channel, note := DecodeNoteOff(int32(value))
		if out := b.device(device); out != nil {
			out.NoteOff(channel, note)
		}
	case triggerID >= TrigCCDeviceID && triggerID <= TrigCCValue:
		b.accumulateCC(nodeID, triggerID, value)
	case triggerID >= TrigPitchBendDeviceID && triggerID <= TrigPitchBendValue:
		b.accumulatePitchBend(nodeID, triggerID, value)
	case triggerID == TrigClock:
		if out := b.device(int(value)); out != nil {
			out.Clock()
		}
	case triggerID == TrigStart:
		if out := b.device(int(value)); out != nil {
			out.Start()
		}
	case triggerID == TrigStop:
		if out := b.device(int(value)); out != nil {
			out.Stop()
		}
	case triggerID == TrigContinue:
		if out := b.device(int(value)); out != nil {
			out.Continue()
		}
	default:
		log.Printf("[MIDI] unknown trigger id %d (node %d, value %v)", triggerID, nodeID, value)
	}
}

func (b *Bridge) accumulateCC(nodeID int32, triggerID int32, value float32) {
	entry, ok := b.cc[nodeID]
	if !ok {
		entry = &ccEntry{}
		b.cc[nodeID] = entry
	}
	switch triggerID {
	case TrigCCDeviceID:
		entry.device = int(value)
		entry.have[0] = true
	case TrigCCChannel:
		entry.channel = uint8(value)
		entry.have[1] = true
	case TrigCCNum:
		entry.num = uint8(value)
		entry.have[2] = true
	case TrigCCValue:
		entry.vl = uint8(value)
		entry.have[3] = true
	}
	if entry.have[0] && entry.have[1] && entry.have[2] && entry.have[3] {
		delete(b.cc, nodeID)
		if out := b.device(entry.device); out != nil {
			out.ControlChange(entry.channel, entry.num, entry.vl)
		}
	}
}

func (b *Bridge) accumulatePitchBend(nodeID int32, triggerID int32, value float32) {
	entry, ok := b.pb[nodeID]
	if !ok {
		entry = &pbEntry{}
		b.pb[nodeID] = entry
	}
	switch triggerID {
	case TrigPitchBendDeviceID:
		entry.device = int(value)
		entry.have[0] = true
	case TrigPitchBendChannel:
		entry.channel = uint8(value)
		entry.have[1] = true
	case TrigPitchBendValue:
		entry.value = int32(value)
		entry.have[2] = true
	}
	if entry.have[0] && entry.have[1] && entry.have[2] {
		delete(b.pb, nodeID)
		if out := b.device(entry.device); out != nil {
			v := entry.value
			if v < 0 {
				v = 0
			}
			if v > 16383 {
				v = 16383
			}
			out.PitchBend(entry.channel, uint16(v))
		}
	}
}
