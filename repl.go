package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/schollz/colliderloop/internal/midiconnector"
	"github.com/schollz/colliderloop/internal/runtime"
	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/types"
)

// runRepl reads one-line commands and turns them into runtime messages. It
// is the stand-in for a script host: anything it can do goes through the
// same command set a script binding would use.
func runRepl(handle *runtime.Handle, saveFile string) {
	rl, err := readline.New("loop> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if err := dispatchLine(handle, saveFile, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func dispatchLine(handle *runtime.Handle, saveFile, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printHelp()
	case "bpm":
		v, err := floatArg(args, 0)
		if err != nil {
			return err
		}
		handle.Send(runtime.SetBpm{BPM: v})
	case "quant":
		v, err := floatArg(args, 0)
		if err != nil {
			return err
		}
		handle.Send(runtime.SetQuantization{Beats: v})
	case "sig":
		num, err := intArg(args, 0)
		if err != nil {
			return err
		}
		den, err := intArg(args, 1)
		if err != nil {
			return err
		}
		handle.Send(runtime.SetTimeSignature{Num: num, Den: den})
	case "start":
		handle.Send(runtime.StartScheduler{})
	case "stop":
		handle.Send(runtime.StopScheduler{})
	case "seek":
		v, err := floatArg(args, 0)
		if err != nil {
			return err
		}
		handle.Send(runtime.SeekTransport{Beat: v})
	case "reload":
		handle.Send(runtime.BeginReload{})
	case "scrub":
		if len(args) < 1 {
			return fmt.Errorf("usage: scrub on|off")
		}
		handle.Send(runtime.SetScrubMute{Muted: args[0] == "on"})
	case "group":
		if len(args) < 2 {
			return fmt.Errorf("usage: group NAME PATH [PARENT]")
		}
		parent := ""
		if len(args) > 2 {
			parent = args[2]
		}
		handle.Send(runtime.RegisterGroup{Name: args[0], Path: args[1], ParentPath: parent})
	case "finalize":
		handle.Send(runtime.FinalizeGroups{})
	case "voice":
		if len(args) < 3 {
			return fmt.Errorf("usage: voice NAME GROUP SYNTH [GAIN]")
		}
		gain := 1.0
		if len(args) > 3 {
			g, err := strconv.ParseFloat(args[3], 64)
			if err != nil {
				return fmt.Errorf("bad gain %q", args[3])
			}
			gain = g
		}
		handle.Send(runtime.UpsertVoice{
			Name:      args[0],
			GroupPath: args[1],
			SynthName: args[2],
			Polyphony: 8,
			Gain:      gain,
			OutputBus: -1,
		})
	case "trig":
		if len(args) < 1 {
			return fmt.Errorf("usage: trig VOICE")
		}
		handle.Send(runtime.TriggerVoice{Name: args[0]})
	case "on":
		if len(args) < 3 {
			return fmt.Errorf("usage: on VOICE NOTE VEL [DURATION]")
		}
		note, err := intArg(args, 1)
		if err != nil {
			return err
		}
		vel, err := intArg(args, 2)
		if err != nil {
			return err
		}
		dur := 0.0
		if len(args) > 3 {
			dur, err = floatArg(args, 3)
			if err != nil {
				return err
			}
		}
		handle.Send(runtime.NoteOn{VoiceName: args[0], Note: uint8(note), Velocity: uint8(vel), Duration: dur})
	case "off":
		if len(args) < 2 {
			return fmt.Errorf("usage: off VOICE NOTE")
		}
		note, err := intArg(args, 1)
		if err != nil {
			return err
		}
		handle.Send(runtime.NoteOff{VoiceName: args[0], Note: uint8(note)})
	case "pattern":
		return dispatchLoop(handle, types.KindPattern, args)
	case "melody":
		return dispatchLoop(handle, types.KindMelody, args)
	case "seq":
		return dispatchSeq(handle, args)
	case "fade":
		return dispatchFade(handle, args)
	case "fx":
		return dispatchFx(handle, args)
	case "sample":
		if len(args) < 2 {
			return fmt.Errorf("usage: sample load ID PATH | sample free ID")
		}
		switch args[0] {
		case "load":
			if len(args) < 3 {
				return fmt.Errorf("usage: sample load ID PATH")
			}
			handle.Send(runtime.LoadSample{ID: args[1], Path: args[2]})
		case "free":
			handle.Send(runtime.FreeSample{ID: args[1]})
		default:
			return fmt.Errorf("unknown sample command %q", args[0])
		}
	case "midi":
		if len(args) < 1 {
			return fmt.Errorf("usage: midi list | midi add ID NAME... | midi rm ID")
		}
		switch args[0] {
		case "list":
			for i, name := range midiconnector.Devices() {
				fmt.Printf("%d: %s\n", i, name)
			}
		case "add":
			if len(args) < 3 {
				return fmt.Errorf("usage: midi add ID NAME...")
			}
			id, err := intArg(args, 1)
			if err != nil {
				return err
			}
			handle.Send(runtime.RegisterMidiDevice{ID: id, Name: strings.Join(args[2:], " ")})
		case "rm":
			id, err := intArg(args, 1)
			if err != nil {
				return err
			}
			handle.Send(runtime.UnregisterMidiDevice{ID: id})
		default:
			return fmt.Errorf("unknown midi command %q", args[0])
		}
	case "status":
		handle.WithState(func(s *state.State) {
			fmt.Printf("beat %.2f  bpm %.1f  %d/%d  running=%v  gen=%d\n",
				s.CurrentBeat, s.Tempo, s.TimeSigNum, s.TimeSigDen, s.TransportRunning, s.ReloadGeneration)
			fmt.Printf("groups=%d voices=%d patterns=%d melodies=%d sequences=%d active=%d synths=%d\n",
				len(s.Groups), len(s.Voices), len(s.Patterns), len(s.Melodies),
				len(s.Sequences), len(s.ActiveSequences), len(s.ActiveSynths))
		})
	case "save":
		saveSession(handle, saveFile)
		fmt.Printf("saved to %s\n", saveFile)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

// dispatchLoop handles pattern/melody subcommands:
//
//	pattern add NAME VOICE LOOPBEATS BEAT[:NOTE] ...
//	pattern start NAME | stop NAME | rm NAME
func dispatchLoop(handle *runtime.Handle, kind types.LoopKind, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s add|start|stop|rm NAME ...", kind)
	}
	name := args[1]
	switch args[0] {
	case "add":
		if len(args) < 4 {
			return fmt.Errorf("usage: %s add NAME VOICE LOOPBEATS BEAT[:NOTE] ...", kind)
		}
		voice := args[2]
		loopBeats, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return fmt.Errorf("bad loop length %q", args[3])
		}
		var events []types.BeatEvent
		for _, spec := range args[4:] {
			ev, err := parseEventSpec(spec)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		body := types.LoopBody{Name: name, Events: events, LoopBeats: loopBeats}
		if kind == types.KindPattern {
			handle.Send(runtime.CreatePattern{Name: name, VoiceName: voice, Body: body})
		} else {
			handle.Send(runtime.CreateMelody{Name: name, VoiceName: voice, Body: body})
		}
	case "start":
		if kind == types.KindPattern {
			handle.Send(runtime.StartPattern{Name: name})
		} else {
			handle.Send(runtime.StartMelody{Name: name})
		}
	case "stop":
		if kind == types.KindPattern {
			handle.Send(runtime.StopPattern{Name: name})
		} else {
			handle.Send(runtime.StopMelody{Name: name})
		}
	case "rm":
		if kind == types.KindPattern {
			handle.Send(runtime.DeletePattern{Name: name})
		} else {
			handle.Send(runtime.DeleteMelody{Name: name})
		}
	default:
		return fmt.Errorf("unknown %s command %q", kind, args[0])
	}
	return nil
}

// parseEventSpec parses "BEAT" or "BEAT:NOTE" or "BEAT:NOTE:AMP".
func parseEventSpec(spec string) (types.BeatEvent, error) {
	parts := strings.Split(spec, ":")
	beat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return types.BeatEvent{}, fmt.Errorf("bad beat %q", parts[0])
	}
	ev := types.BeatEvent{
		Beat:     beat,
		SynthDef: "trigger",
		Controls: []types.Control{{Name: "amp", Value: 1}},
	}
	if len(parts) > 1 {
		note, err := strconv.Atoi(parts[1])
		if err != nil {
			return types.BeatEvent{}, fmt.Errorf("bad note %q", parts[1])
		}
		freq := 440.0 * math.Exp2((float64(note)-69.0)/12.0)
		ev.SynthDef = "melody_note"
		ev.Controls = append(ev.Controls, types.Control{Name: "freq", Value: float32(freq)})
	}
	if len(parts) > 2 {
		amp, err := strconv.ParseFloat(parts[2], 32)
		if err != nil {
			return types.BeatEvent{}, fmt.Errorf("bad amp %q", parts[2])
		}
		ev.Controls[0].Value = float32(amp)
	}
	return ev, nil
}

// dispatchSeq handles:
//
//	seq add NAME LOOPBEATS SRC:NAME:START:END[:MODE[:N]] ...
//	seq start NAME | stop NAME | rm NAME
func dispatchSeq(handle *runtime.Handle, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: seq add|start|stop|rm NAME ...")
	}
	name := args[1]
	switch args[0] {
	case "add":
		if len(args) < 4 {
			return fmt.Errorf("usage: seq add NAME LOOPBEATS CLIP ...")
		}
		loopBeats, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("bad loop length %q", args[2])
		}
		var clips []types.Clip
		for _, spec := range args[3:] {
			clip, err := parseClipSpec(spec)
			if err != nil {
				return err
			}
			clips = append(clips, clip)
		}
		handle.Send(runtime.CreateSequence{Definition: types.SequenceDefinition{
			Name:      name,
			LoopBeats: loopBeats,
			Clips:     clips,
		}})
	case "start":
		handle.Send(runtime.StartSequence{Name: name})
		var anchor float64
		handle.WithState(func(s *state.State) { anchor = s.CurrentBeat })
		handle.Send(runtime.RegisterSequenceRun{Name: name, AnchorBeat: anchor})
	case "stop":
		handle.Send(runtime.StopSequence{Name: name})
	case "rm":
		handle.Send(runtime.DeleteSequence{Name: name})
	default:
		return fmt.Errorf("unknown seq command %q", args[0])
	}
	return nil
}

func parseClipSpec(spec string) (types.Clip, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 4 {
		return types.Clip{}, fmt.Errorf("clip %q needs SRC:NAME:START:END", spec)
	}
	var source types.ClipSourceKind
	switch parts[0] {
	case "pattern":
		source = types.SourcePattern
	case "melody":
		source = types.SourceMelody
	case "fade":
		source = types.SourceFade
	case "seq", "sequence":
		source = types.SourceSequence
	default:
		return types.Clip{}, fmt.Errorf("unknown clip source %q", parts[0])
	}
	start, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return types.Clip{}, fmt.Errorf("bad clip start %q", parts[2])
	}
	end, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return types.Clip{}, fmt.Errorf("bad clip end %q", parts[3])
	}
	clip := types.Clip{Start: start, End: end, Source: source, Name: parts[1]}
	if len(parts) > 4 {
		switch parts[4] {
		case "loop":
			clip.Mode = types.ClipLoop
		case "once":
			clip.Mode = types.ClipOnce
		case "loopn":
			clip.Mode = types.ClipLoopN
			if len(parts) > 5 {
				n, err := strconv.Atoi(parts[5])
				if err != nil {
					return types.Clip{}, fmt.Errorf("bad loop count %q", parts[5])
				}
				clip.Count = n
			}
		default:
			return types.Clip{}, fmt.Errorf("unknown clip mode %q", parts[4])
		}
	}
	return clip, nil
}

// dispatchFade handles:
//
//	fade def NAME KIND TARGET PARAM FROM TO BEATS
//	fade run KIND TARGET PARAM FROM TO BEATS
func dispatchFade(handle *runtime.Handle, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fade def|run ...")
	}
	parseKind := func(s string) (types.FadeTarget, error) {
		switch s {
		case "group":
			return types.FadeGroup, nil
		case "voice":
			return types.FadeVoice, nil
		case "pattern":
			return types.FadePattern, nil
		case "melody":
			return types.FadeMelody, nil
		case "effect", "fx":
			return types.FadeEffect, nil
		}
		return 0, fmt.Errorf("unknown fade target %q", s)
	}
	switch args[0] {
	case "def":
		if len(args) < 8 {
			return fmt.Errorf("usage: fade def NAME KIND TARGET PARAM FROM TO BEATS")
		}
		kind, err := parseKind(args[2])
		if err != nil {
			return err
		}
		from, err := floatArg(args, 5)
		if err != nil {
			return err
		}
		to, err := floatArg(args, 6)
		if err != nil {
			return err
		}
		beats, err := floatArg(args, 7)
		if err != nil {
			return err
		}
		handle.Send(runtime.CreateFadeDefinition{Definition: types.FadeDefinition{
			Name:          args[1],
			Target:        kind,
			TargetName:    args[3],
			ParamName:     args[4],
			From:          float32(from),
			To:            float32(to),
			DurationBeats: beats,
		}})
	case "run":
		if len(args) < 7 {
			return fmt.Errorf("usage: fade run KIND TARGET PARAM FROM TO BEATS")
		}
		kind, err := parseKind(args[1])
		if err != nil {
			return err
		}
		from, err := floatArg(args, 4)
		if err != nil {
			return err
		}
		to, err := floatArg(args, 5)
		if err != nil {
			return err
		}
		beats, err := floatArg(args, 6)
		if err != nil {
			return err
		}
		handle.Send(runtime.FadeParam{
			Target:        kind,
			TargetName:    args[2],
			Param:         args[3],
			From:          float32(from),
			To:            float32(to),
			DurationBeats: beats,
		})
	default:
		return fmt.Errorf("unknown fade command %q", args[0])
	}
	return nil
}

// dispatchFx handles: fx add ID SYNTH GROUP | fx rm ID | fx set ID PARAM VAL
func dispatchFx(handle *runtime.Handle, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: fx add|rm|set ...")
	}
	switch args[0] {
	case "add":
		if len(args) < 4 {
			return fmt.Errorf("usage: fx add ID SYNTH GROUP")
		}
		handle.Send(runtime.AddEffect{ID: args[1], SynthDef: args[2], GroupPath: args[3]})
	case "rm":
		handle.Send(runtime.RemoveEffect{ID: args[1]})
	case "set":
		if len(args) < 4 {
			return fmt.Errorf("usage: fx set ID PARAM VALUE")
		}
		v, err := floatArg(args, 3)
		if err != nil {
			return err
		}
		handle.Send(runtime.SetEffectParam{ID: args[1], Param: args[2], Value: float32(v)})
	default:
		return fmt.Errorf("unknown fx command %q", args[0])
	}
	return nil
}

func floatArg(args []string, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument")
	}
	v, err := strconv.ParseFloat(args[i], 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", args[i])
	}
	return v, nil
}

func intArg(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument")
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("bad integer %q", args[i])
	}
	return v, nil
}

func printHelp() {
	fmt.Print(`transport:  bpm F | quant F | sig N D | start | stop | seek F | scrub on|off | reload
groups:     group NAME PATH [PARENT] | finalize
voices:     voice NAME GROUP SYNTH [GAIN] | trig VOICE | on VOICE NOTE VEL [DUR] | off VOICE NOTE
loops:      pattern|melody add NAME VOICE LOOPBEATS BEAT[:NOTE[:AMP]]... ; start|stop|rm NAME
sequences:  seq add NAME LOOPBEATS SRC:NAME:START:END[:MODE[:N]]... ; start|stop|rm NAME
fades:      fade def NAME KIND TARGET PARAM FROM TO BEATS | fade run KIND TARGET PARAM FROM TO BEATS
effects:    fx add ID SYNTH GROUP | fx rm ID | fx set ID PARAM VALUE
samples:    sample load ID PATH | sample free ID
midi:       midi list | midi add ID NAME... | midi rm ID
misc:       status | save | quit
`)
}
