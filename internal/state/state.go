package state

import (
	"sync"
	"time"

	"github.com/schollz/colliderloop/internal/sampler"
	"github.com/schollz/colliderloop/internal/types"
)

// Id allocation bases. Each space is monotone and never recycled within a
// process. Group nodes sit low, synth nodes high; buses and buffers start
// above scsynth's own reservations (hardware input+output channels for
// buses).
const (
	GroupNodeBase = 2
	SynthNodeBase = 10000
	AudioBusBase  = 64
	BufferBase    = 100
)

// Group is one node in the group forest. Its audio bus is allocated once and
// stays stable for the group's lifetime; the link synth is created exactly
// once by FinalizeGroups and sits last in the group's node chain.
type Group struct {
	Name          string             `json:"name"`
	Path          string             `json:"path"`
	ParentPath    string             `json:"parent_path,omitempty"`
	NodeID        int32              `json:"node_id"`
	AudioBus      int32              `json:"audio_bus"`
	Muted         bool               `json:"muted"`
	Soloed        bool               `json:"soloed"`
	Params        map[string]float32 `json:"params"`
	LinkSynthNode int32              `json:"link_synth_node"` // 0 until finalized
}

// Voice is a named playable instrument bound to a group.
type Voice struct {
	Name       string             `json:"name"`
	GroupPath  string             `json:"group_path"`
	SynthName  string             `json:"synth_name,omitempty"`
	Polyphony  int                `json:"polyphony"`
	Gain       float64            `json:"gain"`
	Muted      bool               `json:"muted"`
	Soloed     bool               `json:"soloed"`
	OutputBus  int32              `json:"output_bus"` // -1 means no override
	Params     map[string]float32 `json:"params"`
	Instrument string             `json:"instrument,omitempty"` // sampler instrument id

	// ActiveNotes maps MIDI note -> live node ids, for fades and note-offs.
	ActiveNotes map[uint8][]int32 `json:"-"`
	// RoundRobin persists sample round-robin positions across triggers.
	RoundRobin *sampler.RoundRobin `json:"-"`
}

// NewVoice returns a voice with the fields every caller needs initialized.
func NewVoice(name, groupPath string) *Voice {
	return &Voice{
		Name:        name,
		GroupPath:   groupPath,
		Polyphony:   8,
		Gain:        1.0,
		OutputBus:   -1,
		Params:      make(map[string]float32),
		ActiveNotes: make(map[uint8][]int32),
		RoundRobin:  sampler.NewRoundRobin(),
	}
}

// Loop is a pattern or melody slot: a loop body plus play status and params.
type Loop struct {
	Name       string             `json:"name"`
	GroupPath  string             `json:"group_path"`
	VoiceName  string             `json:"voice_name,omitempty"`
	Body       *types.LoopBody    `json:"body,omitempty"`
	Params     map[string]float32 `json:"params"`
	Status     types.LoopStatus   `json:"status"`
	Generation uint64             `json:"generation"`
}

// NewLoop returns an empty stopped loop slot.
func NewLoop(name, groupPath, voiceName string) *Loop {
	return &Loop{
		Name:      name,
		GroupPath: groupPath,
		VoiceName: voiceName,
		Params:    make(map[string]float32),
	}
}

// ActiveSequence is a playing instance of a sequence definition.
type ActiveSequence struct {
	AnchorBeat    float64           `json:"anchor_beat"`
	Paused        bool              `json:"paused"`
	FiredOnce     map[string]uint64 `json:"fired_once"` // clip id -> iteration
	LastIteration uint64            `json:"last_iteration"`
}

// ActiveFade is a running parameter ramp.
type ActiveFade struct {
	Target       types.FadeTarget
	TargetName   string
	ParamName    string
	From         float32
	To           float32
	StartTime    time.Time
	DelaySeconds float64
	DurationSecs float64
	LastValue    float32
	HasLast      bool
	Completed    bool
}

// Effect is one synth in a group's effect chain, processing in place on the
// group's bus.
type Effect struct {
	ID         string             `json:"id"`
	SynthDef   string             `json:"synth_def"`
	GroupPath  string             `json:"group_path"`
	NodeID     int32              `json:"node_id"`
	BusIn      int32              `json:"bus_in"`
	BusOut     int32              `json:"bus_out"`
	Params     map[string]float32 `json:"params"`
	Position   int                `json:"position"`
	Generation uint64             `json:"generation"`
}

// Sample is a loaded audio buffer.
type Sample struct {
	ID         string  `json:"id"`
	Path       string  `json:"path"`
	BufferID   int32   `json:"buffer_id"`
	Channels   int     `json:"channels"`
	Frames     int     `json:"frames"`
	SampleRate float64 `json:"sample_rate"`
	SynthDef   string  `json:"synth_def"`
	Loaded     bool    `json:"loaded"` // set once /done /b_allocRead arrives
}

// ActiveSynth tracks one live (or pending) node and the entities that
// originated it.
type ActiveSynth struct {
	NodeID       int32
	GroupPaths   map[string]struct{}
	VoiceNames   map[string]struct{}
	PatternNames map[string]struct{}
	MelodyNames  map[string]struct{}
}

// ScheduledNoteOff releases a note at a target beat.
type ScheduledNoteOff struct {
	Beat      float64
	VoiceName string
	Note      uint8
	NodeID    int32 // 0 means release every node of the voice
}

// SequenceRun is one journal entry of a sequence start.
type SequenceRun struct {
	Name       string    `json:"name"`
	AnchorBeat float64   `json:"anchor_beat"`
	StartedAt  time.Time `json:"started_at"`
}

// State is the single authoritative container of musical state. All mutation
// happens on the runtime thread through Store.Write; foreign threads read
// through Store.Read.
type State struct {
	Tempo             float64
	TimeSigNum        int
	TimeSigDen        int
	TransportRunning  bool
	CurrentBeat       float64
	QuantizationBeats float64
	ScrubMuted        bool
	ReloadGeneration  uint64

	Groups          map[string]*Group
	Voices          map[string]*Voice
	Patterns        map[string]*Loop
	Melodies        map[string]*Loop
	Sequences       map[string]*types.SequenceDefinition
	ActiveSequences map[string]*ActiveSequence
	FadeDefs        map[string]*types.FadeDefinition
	Fades           []*ActiveFade
	Effects         map[string]*Effect
	Samples         map[string]*Sample
	Instruments     map[string]*sampler.Instrument
	SynthDefs       map[string]uint64 // name -> generation loaded at

	ActiveSynths      map[int32]*ActiveSynth
	PendingNodes      map[int32]time.Time
	ScheduledNoteOffs []ScheduledNoteOff
	ScheduledEvents   []types.ScheduledEvent
	SequenceRuns      []SequenceRun

	nextGroupNode int32
	nextSynthNode int32
	nextAudioBus  int32
	nextBufferID  int32
	version       uint64
}

func newState() *State {
	return &State{
		Tempo:             120,
		TimeSigNum:        4,
		TimeSigDen:        4,
		QuantizationBeats: 1,
		Groups:            make(map[string]*Group),
		Voices:            make(map[string]*Voice),
		Patterns:          make(map[string]*Loop),
		Melodies:          make(map[string]*Loop),
		Sequences:         make(map[string]*types.SequenceDefinition),
		ActiveSequences:   make(map[string]*ActiveSequence),
		FadeDefs:          make(map[string]*types.FadeDefinition),
		Effects:           make(map[string]*Effect),
		Samples:           make(map[string]*Sample),
		Instruments:       make(map[string]*sampler.Instrument),
		SynthDefs:         make(map[string]uint64),
		ActiveSynths:      make(map[int32]*ActiveSynth),
		PendingNodes:      make(map[int32]time.Time),
		nextGroupNode:     GroupNodeBase,
		nextSynthNode:     SynthNodeBase,
		nextAudioBus:      AudioBusBase,
		nextBufferID:      BufferBase,
	}
}

// AllocateGroupNode returns the next group node id.
func (s *State) AllocateGroupNode() int32 {
	id := s.nextGroupNode
	s.nextGroupNode++
	return id
}

// AllocateSynthNode returns the next synth node id.
func (s *State) AllocateSynthNode() int32 {
	id := s.nextSynthNode
	s.nextSynthNode++
	return id
}

// AllocateAudioBus returns the next stereo audio bus pair.
func (s *State) AllocateAudioBus() int32 {
	id := s.nextAudioBus
	s.nextAudioBus += 2 // stereo pair
	return id
}

// AllocateBufferID returns the next buffer id.
func (s *State) AllocateBufferID() int32 {
	id := s.nextBufferID
	s.nextBufferID++
	return id
}

// Version returns the mutation counter (bumped on every Store.Write).
func (s *State) Version() uint64 { return s.version }

// Loops returns the pattern or melody map for the given kind.
func (s *State) Loops(kind types.LoopKind) map[string]*Loop {
	if kind == types.KindMelody {
		return s.Melodies
	}
	return s.Patterns
}

// Store wraps State behind reader/writer access. Only the runtime thread
// writes; any number of foreign threads may read briefly.
type Store struct {
	mu    sync.RWMutex
	state *State
}

// NewStore returns a store around a fresh default state.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Read runs f with shared access to the state. f must not retain the pointer
// or mutate through it.
func (st *Store) Read(f func(*State)) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	f(st.state)
}

// Write runs f with exclusive access and bumps the version counter.
func (st *Store) Write(f func(*State)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	f(st.state)
	st.state.version++
}
