package runtime

import (
	"log"
	"sort"
	"strings"

	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/supercollider"
	"github.com/schollz/colliderloop/internal/synthdef"
)

func scControl(name string, value float32) supercollider.Control {
	return supercollider.Control{Name: name, Value: value}
}

// handleRegisterGroup creates a group on demand: node id and audio bus are
// allocated once and stay stable for the group's lifetime. Registering an
// existing path is a no-op.
func (t *thread) handleRegisterGroup(m RegisterGroup) {
	exists := false
	t.store.Read(func(s *state.State) {
		_, exists = s.Groups[m.Path]
	})
	if exists {
		log.Printf("group %q already exists, skipping creation", m.Path)
		return
	}

	nodeID := m.NodeID
	parentID := int32(0) // scsynth root group
	var audioBus int32
	t.store.Write(func(s *state.State) {
		if nodeID == 0 {
			nodeID = s.AllocateGroupNode()
		}
		if m.ParentPath != "" {
			if parent, ok := s.Groups[m.ParentPath]; ok {
				parentID = parent.NodeID
			}
		}
		audioBus = s.AllocateAudioBus()
	})

	if err := t.conn.GNew(nodeID, supercollider.AddToTail, parentID); err != nil {
		log.Printf("failed to create group %q: %v", m.Path, err)
		return
	}

	t.store.Write(func(s *state.State) {
		s.Groups[m.Path] = &state.Group{
			Name:       m.Name,
			Path:       m.Path,
			ParentPath: m.ParentPath,
			NodeID:     nodeID,
			AudioBus:   audioBus,
			Params:     make(map[string]float32),
		}
	})
}

// handleSetGroupParam accepts a full dotted path or a bare name suffix.
// Group params affect new synths only: the final amp is composed when each
// s_new payload is built.
func (t *thread) handleSetGroupParam(pathOrName, param string, value float32) {
	found := ""
	t.store.Write(func(s *state.State) {
		if g, ok := s.Groups[pathOrName]; ok {
			g.Params[param] = value
			found = pathOrName
			return
		}
		for path, g := range s.Groups {
			if g.Name == pathOrName || strings.HasSuffix(path, "."+pathOrName) {
				g.Params[param] = value
				found = path
				return
			}
		}
	})
	if found == "" {
		log.Printf("[GROUP PARAM] group %q not found when setting %s=%v", pathOrName, param, value)
	}
}

func (t *thread) setGroupRunState(path string, running bool) {
	var nodeID int32
	t.store.Write(func(s *state.State) {
		if g, ok := s.Groups[path]; ok {
			g.Muted = !running
			nodeID = g.NodeID
		}
	})
	if nodeID != 0 {
		t.conn.NRun(nodeID, running)
	}
}

// finalizeGroups creates a passthrough link synth for every group that has a
// bus but no link synth yet, placed after all effects (or at the group tail
// with none). Groups are processed deepest-first so children's link synths
// execute before their parents' on the server.
func (t *thread) finalizeGroups() {
	type pending struct {
		path           string
		inBus          int32
		parentPath     string
		groupNodeID    int32
		lastEffectNode int32
	}
	var groups []pending

	t.store.Read(func(s *state.State) {
		for _, g := range s.Groups {
			if g.LinkSynthNode != 0 || g.AudioBus == 0 {
				continue
			}
			lastEffect := int32(0)
			bestPos := -1
			for _, e := range s.Effects {
				if e.GroupPath == g.Path && e.Position > bestPos {
					bestPos = e.Position
					lastEffect = e.NodeID
				}
			}
			groups = append(groups, pending{
				path:           g.Path,
				inBus:          g.AudioBus,
				parentPath:     g.ParentPath,
				groupNodeID:    g.NodeID,
				lastEffectNode: lastEffect,
			})
		}
	})

	// Deeper paths first so parent link synths run after their children
	sort.Slice(groups, func(i, j int) bool {
		di := strings.Count(groups[i].path, ".")
		dj := strings.Count(groups[j].path, ".")
		if di != dj {
			return di > dj
		}
		return groups[i].path < groups[j].path
	})

	for _, g := range groups {
		outBus := int32(0) // root groups link straight to hardware out
		if g.parentPath != "" {
			t.store.Read(func(s *state.State) {
				if parent, ok := s.Groups[g.parentPath]; ok {
					outBus = parent.AudioBus
				}
			})
		}

		var linkNodeID int32
		t.store.Write(func(s *state.State) {
			linkNodeID = s.AllocateSynthNode()
		})

		addAction := int32(supercollider.AddToTail)
		target := g.groupNodeID
		if g.lastEffectNode != 0 {
			addAction = supercollider.AddAfter
			target = g.lastEffectNode
		}

		log.Printf("[LINK] link synth for %q: inbus=%d outbus=%d", g.path, g.inBus, outBus)
		err := t.conn.SNew(synthdef.SystemLinkAudioName, linkNodeID, addAction, target,
			scControl("inbus", float32(g.inBus)),
			scControl("outbus", float32(outBus)),
		)
		if err != nil {
			log.Printf("failed to create link synth for %q: %v", g.path, err)
			continue
		}

		t.store.Write(func(s *state.State) {
			if grp, ok := s.Groups[g.path]; ok {
				grp.LinkSynthNode = linkNodeID
			}
		})
	}
}

// handleAddEffect adds or updates one effect in a group's chain. Identical
// id+patch+group only refreshes params and generation; a changed patch or
// group frees the old node and recreates. New effects go after the last
// effect so chain order reflects addition order.
func (t *thread) handleAddEffect(m AddEffect) {
	var (
		haveExisting     bool
		existingNode     int32
		existingSynthDef string
		existingGroup    string
		existingParams   map[string]float32
	)
	t.store.Read(func(s *state.State) {
		if e, ok := s.Effects[m.ID]; ok {
			haveExisting = true
			existingNode = e.NodeID
			existingSynthDef = e.SynthDef
			existingGroup = e.GroupPath
			existingParams = e.Params
		}
	})

	if haveExisting {
		if existingSynthDef == m.SynthDef && existingGroup == m.GroupPath {
			log.Printf("[EFFECT] %q already exists, updating params", m.ID)
			if existingNode != 0 {
				for param, value := range m.Params {
					if old, ok := existingParams[param]; !ok || old != value {
						t.conn.NSet(existingNode, scControl(param, value))
					}
				}
			}
			t.store.Write(func(s *state.State) {
				if e, ok := s.Effects[m.ID]; ok {
					e.Generation = s.ReloadGeneration
					e.Params = m.Params
				}
			})
			return
		}
		if existingNode != 0 {
			log.Printf("[EFFECT] %q patch/group changed, freeing node %d", m.ID, existingNode)
			t.conn.NFree(existingNode)
		}
	}

	var (
		groupNodeID    int32
		groupBus       int32
		groupFound     bool
		lastEffectNode int32
		nextPosition   int
	)
	t.store.Read(func(s *state.State) {
		if g, ok := s.Groups[m.GroupPath]; ok {
			groupFound = true
			groupNodeID = g.NodeID
			groupBus = g.AudioBus
		}
		bestPos := -1
		for _, e := range s.Effects {
			if e.GroupPath != m.GroupPath || e.ID == m.ID {
				continue
			}
			nextPosition++
			if e.Position > bestPos {
				bestPos = e.Position
				lastEffectNode = e.NodeID
			}
		}
	})

	if !groupFound {
		log.Printf("[EFFECT] cannot add %q: group %q not registered", m.ID, m.GroupPath)
		return
	}

	var nodeID int32
	var generation uint64
	t.store.Write(func(s *state.State) {
		nodeID = s.AllocateSynthNode()
		generation = s.ReloadGeneration
	})

	// Effects process in place on the group's bus
	controls := []supercollider.Control{
		scControl("__fx_bus_in", float32(groupBus)),
		scControl("__fx_bus_out", float32(groupBus)),
	}
	for _, c := range sortedParams(m.Params) {
		controls = append(controls, scControl(c.Name, c.Value))
	}

	addAction := int32(supercollider.AddToTail)
	target := groupNodeID
	if lastEffectNode != 0 {
		addAction = supercollider.AddAfter
		target = lastEffectNode
	}

	if err := t.conn.SNew(m.SynthDef, nodeID, addAction, target, controls...); err != nil {
		log.Printf("[EFFECT] failed to create %q: %v", m.ID, err)
		return
	}

	t.store.Write(func(s *state.State) {
		params := m.Params
		if params == nil {
			params = make(map[string]float32)
		}
		s.Effects[m.ID] = &state.Effect{
			ID:         m.ID,
			SynthDef:   m.SynthDef,
			GroupPath:  m.GroupPath,
			NodeID:     nodeID,
			BusIn:      groupBus,
			BusOut:     groupBus,
			Params:     params,
			Position:   nextPosition,
			Generation: generation,
		}
	})

	log.Printf("[EFFECT] created %q (node %d) on bus %d", m.ID, nodeID, groupBus)
}
