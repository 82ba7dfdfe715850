// Package storage persists the definitional part of the runtime state
// (groups, voices, loops, sequences, fades, samples) as gzipped JSON, with a
// debounced autosave for hosts that mutate frequently.
package storage

import (
	"compress/gzip"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	mu           sync.Mutex
	timer        *time.Timer
	debounceTime = 1 * time.Second
)

// SavedGroup keeps the declarative part of a group; node and bus ids are
// reallocated on load.
type SavedGroup struct {
	Name       string             `json:"name"`
	Path       string             `json:"path"`
	ParentPath string             `json:"parent_path,omitempty"`
	Params     map[string]float32 `json:"params"`
}

// SavedVoice mirrors the UpsertVoice command.
type SavedVoice struct {
	Name       string             `json:"name"`
	GroupPath  string             `json:"group_path"`
	SynthName  string             `json:"synth_name,omitempty"`
	Polyphony  int                `json:"polyphony"`
	Gain       float64            `json:"gain"`
	Muted      bool               `json:"muted"`
	Soloed     bool               `json:"soloed"`
	OutputBus  int32              `json:"output_bus"`
	Params     map[string]float32 `json:"params"`
	Instrument string             `json:"instrument,omitempty"`
}

// SavedLoop mirrors the CreatePattern/CreateMelody commands.
type SavedLoop struct {
	Name      string             `json:"name"`
	GroupPath string             `json:"group_path"`
	VoiceName string             `json:"voice_name,omitempty"`
	Body      *types.LoopBody    `json:"body,omitempty"`
	Params    map[string]float32 `json:"params"`
}

// SavedSample mirrors the LoadSample command.
type SavedSample struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// SaveData is everything needed to rebuild the definitional state.
type SaveData struct {
	Tempo             float64                              `json:"tempo"`
	TimeSigNum        int                                  `json:"time_sig_num"`
	TimeSigDen        int                                  `json:"time_sig_den"`
	QuantizationBeats float64                              `json:"quantization_beats"`
	Groups            []SavedGroup                         `json:"groups,omitempty"`
	Voices            []SavedVoice                         `json:"voices,omitempty"`
	Patterns          []SavedLoop                          `json:"patterns,omitempty"`
	Melodies          []SavedLoop                          `json:"melodies,omitempty"`
	Sequences         []types.SequenceDefinition           `json:"sequences,omitempty"`
	FadeDefs          []types.FadeDefinition               `json:"fade_defs,omitempty"`
	Samples           []SavedSample                        `json:"samples,omitempty"`
}

// Snapshot copies the definitional state into a SaveData, ordered by name so
// saves are stable.
func Snapshot(s *state.State) *SaveData {
	data := &SaveData{
		Tempo:             s.Tempo,
		TimeSigNum:        s.TimeSigNum,
		TimeSigDen:        s.TimeSigDen,
		QuantizationBeats: s.QuantizationBeats,
	}

	// Parents before children so load-time registration works in order
	var groupPaths []string
	for path := range s.Groups {
		groupPaths = append(groupPaths, path)
	}
	sort.Slice(groupPaths, func(i, j int) bool {
		if len(groupPaths[i]) != len(groupPaths[j]) {
			return len(groupPaths[i]) < len(groupPaths[j])
		}
		return groupPaths[i] < groupPaths[j]
	})
	for _, path := range groupPaths {
		g := s.Groups[path]
		data.Groups = append(data.Groups, SavedGroup{
			Name:       g.Name,
			Path:       g.Path,
			ParentPath: g.ParentPath,
			Params:     g.Params,
		})
	}

	for _, name := range sortedKeysVoice(s.Voices) {
		v := s.Voices[name]
		data.Voices = append(data.Voices, SavedVoice{
			Name:       v.Name,
			GroupPath:  v.GroupPath,
			SynthName:  v.SynthName,
			Polyphony:  v.Polyphony,
			Gain:       v.Gain,
			Muted:      v.Muted,
			Soloed:     v.Soloed,
			OutputBus:  v.OutputBus,
			Params:     v.Params,
			Instrument: v.Instrument,
		})
	}

	for _, name := range sortedKeysLoop(s.Patterns) {
		data.Patterns = append(data.Patterns, savedLoop(s.Patterns[name]))
	}
	for _, name := range sortedKeysLoop(s.Melodies) {
		data.Melodies = append(data.Melodies, savedLoop(s.Melodies[name]))
	}

	for _, name := range sortedKeysSeq(s.Sequences) {
		data.Sequences = append(data.Sequences, *s.Sequences[name])
	}
	for _, name := range sortedKeysFade(s.FadeDefs) {
		data.FadeDefs = append(data.FadeDefs, *s.FadeDefs[name])
	}
	for _, id := range sortedKeysSample(s.Samples) {
		smp := s.Samples[id]
		data.Samples = append(data.Samples, SavedSample{ID: smp.ID, Path: smp.Path})
	}

	return data
}

func savedLoop(l *state.Loop) SavedLoop {
	return SavedLoop{
		Name:      l.Name,
		GroupPath: l.GroupPath,
		VoiceName: l.VoiceName,
		Body:      l.Body,
		Params:    l.Params,
	}
}

func sortedKeysVoice(m map[string]*state.Voice) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysLoop(m map[string]*state.Loop) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysSeq(m map[string]*types.SequenceDefinition) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysFade(m map[string]*types.FadeDefinition) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysSample(m map[string]*state.Sample) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Save writes the data as gzipped JSON.
func Save(data *SaveData, filename string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal save data: %w", err)
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(raw); err != nil {
		gz.Close()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return gz.Close()
}

// Load reads a SaveData written by Save.
func Load(filename string) (*SaveData, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", filename, err)
	}
	defer gz.Close()

	var data SaveData
	if err := json.NewDecoder(gz).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filename, err)
	}
	return &data, nil
}

// AutoSave schedules a debounced background save. Repeated calls within the
// debounce window collapse into one write.
func AutoSave(snapshot func() *SaveData, filename string) {
	mu.Lock()
	defer mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	timer = time.AfterFunc(debounceTime, func() {
		go func() {
			startTime := time.Now()
			if err := Save(snapshot(), filename); err != nil {
				log.Printf("autosave failed: %v", err)
				return
			}
			log.Printf("autosaved in %d ms", time.Since(startTime).Milliseconds())
		}()
	})
}
