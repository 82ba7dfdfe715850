package runtime

import (
	"fmt"
	"log"
	"os"

	"github.com/go-audio/wav"

	"github.com/schollz/colliderloop/internal/state"
)

type wavInfo struct {
	channels   int
	frames     int
	sampleRate float64
}

// probeWav reads channel count, frame count and sample rate from a WAV
// header without decoding audio.
func probeWav(path string) (info wavInfo, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		err = fmt.Errorf("open: %w", openErr)
		return
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		err = fmt.Errorf("invalid WAV file")
		return
	}
	d.ReadInfo()

	if d.SampleRate == 0 || d.NumChans == 0 {
		err = fmt.Errorf("invalid WAV header (rate=%d chans=%d)", d.SampleRate, d.NumChans)
		return
	}
	info.channels = int(d.NumChans)
	info.sampleRate = float64(d.SampleRate)

	bytesPerSample := int(d.BitDepth) / 8
	if bytesPerSample > 0 {
		if !d.WasPCMAccessed() && d.PCMChunk == nil {
			if fwdErr := d.FwdToPCM(); fwdErr != nil {
				err = fmt.Errorf("locate PCM: %w", fwdErr)
				return
			}
		}
		totalBytes := int(d.PCMLen())
		info.frames = totalBytes / (bytesPerSample * info.channels)
	}
	return
}

// handleLoadSample loads a sound file into a server buffer. Same id + same
// path is a no-op; a changed path frees the old buffer first. Loaded stays
// false until /done /b_allocRead comes back.
func (t *thread) handleLoadSample(id, path string) {
	var existingPath string
	var existingBuffer int32 = -1
	t.store.Read(func(s *state.State) {
		if smp, ok := s.Samples[id]; ok {
			existingPath = smp.Path
			existingBuffer = smp.BufferID
		}
	})
	if existingPath == path && existingPath != "" {
		log.Printf("[SAMPLE] %q already loaded from %q, skipping", id, path)
		return
	}
	if existingBuffer >= 0 {
		log.Printf("[SAMPLE] %q path changed, reloading", id)
		t.store.Write(func(s *state.State) { delete(s.Samples, id) })
		t.conn.BFree(existingBuffer)
	}

	var bufferID int32
	t.store.Write(func(s *state.State) { bufferID = s.AllocateBufferID() })

	info, err := probeWav(path)
	if err != nil {
		// Fall back to stereo at 44.1k; scsynth reads the real header itself
		log.Printf("[SAMPLE] could not read WAV metadata for %q: %v", path, err)
		info = wavInfo{channels: 2, sampleRate: 44100}
	}

	log.Printf("[SAMPLE] loading %q from %q into buffer %d (%d ch, %d frames)",
		id, path, bufferID, info.channels, info.frames)
	if err := t.conn.BAllocRead(bufferID, path); err != nil {
		log.Printf("[SAMPLE] failed to load %q: %v", id, err)
		return
	}

	t.store.Write(func(s *state.State) {
		s.Samples[id] = &state.Sample{
			ID:         id,
			Path:       path,
			BufferID:   bufferID,
			Channels:   info.channels,
			Frames:     info.frames,
			SampleRate: info.sampleRate,
			SynthDef:   "__sample_" + id,
		}
	})
}

// handleLoadInstrument parses a sampler instrument through the host's
// loader and allocates a buffer per region.
func (t *thread) handleLoadInstrument(id, path string) {
	if t.samplerLoader == nil {
		log.Printf("[SAMPLER] no instrument loader configured, dropping %q", id)
		return
	}

	inst, err := t.samplerLoader(id, path)
	if err != nil {
		log.Printf("[SAMPLER] failed to load %q from %q: %v", id, path, err)
		return
	}

	for i := range inst.Regions {
		region := &inst.Regions[i]
		var bufferID int32
		t.store.Write(func(s *state.State) { bufferID = s.AllocateBufferID() })
		region.BufferID = bufferID
		if region.Channels == 0 {
			if info, probeErr := probeWav(region.SamplePath); probeErr == nil {
				region.Channels = info.channels
			} else {
				region.Channels = 2
			}
		}
		if err := t.conn.BAllocRead(bufferID, region.SamplePath); err != nil {
			log.Printf("[SAMPLER] buffer load for %q region %d: %v", id, i, err)
		}
	}

	t.store.Write(func(s *state.State) {
		s.Instruments[id] = inst
	})
	log.Printf("[SAMPLER] loaded instrument %q with %d regions", id, inst.NumRegions())
}
