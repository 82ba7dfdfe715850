package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/schollz/colliderloop/internal/midiconnector"
	"github.com/schollz/colliderloop/internal/runtime"
	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/storage"
	"github.com/schollz/colliderloop/internal/supercollider"
)

var (
	flagPort            int
	flagDebugLog        string
	flagSaveFile        string
	flagSkipServerStart bool
)

func main() {
	root := &cobra.Command{
		Use:   "colliderloop",
		Short: "Live-coding runtime driving scsynth and MIDI devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVar(&flagPort, "port", 57110, "scsynth UDP port")
	root.PersistentFlags().StringVar(&flagDebugLog, "debug", "", "if set, write debug logs to this file; empty disables logging")
	root.Flags().StringVar(&flagSaveFile, "save-file", "session.json.gz", "session file to load from or create")
	root.Flags().BoolVar(&flagSkipServerStart, "skip-server-start", false, "connect to an already-running scsynth instead of starting one")

	devices := &cobra.Command{
		Use:   "devices",
		Short: "List MIDI output devices",
		Run: func(cmd *cobra.Command, args []string) {
			for i, name := range midiconnector.Devices() {
				fmt.Printf("%d: %s\n", i, name)
			}
		},
	}
	root.AddCommand(devices)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	if flagDebugLog != "" {
		f, err := os.OpenFile(flagDebugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		defer f.Close()
		log.SetOutput(f)
		// File and line numbers make log lines clickable in editors
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	} else {
		log.SetOutput(io.Discard)
	}

	log.Printf("scsynth port configured: %d", flagPort)

	rt, err := runtime.Start(runtime.Config{
		Port:            flagPort,
		SkipServerStart: flagSkipServerStart,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start runtime: %v\n", err)
		return err
	}
	handle := rt.Handle()

	// Restore the previous session if one exists
	if data, err := storage.Load(flagSaveFile); err == nil {
		log.Printf("loaded session from %s", flagSaveFile)
		applySaveData(handle, data)
	} else if !os.IsNotExist(err) {
		log.Printf("could not load %s: %v", flagSaveFile, err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	cleanup := func() {
		saveSession(handle, flagSaveFile)
		rt.Shutdown()
		midiconnector.Close()
		supercollider.Cleanup()
	}

	if isatty.IsTerminal(os.Stdin.Fd()) {
		done := make(chan struct{})
		go func() {
			runRepl(handle, flagSaveFile)
			close(done)
		}()
		select {
		case <-sigc:
		case <-done:
		}
	} else {
		<-sigc
	}

	cleanup()
	return nil
}

func saveSession(handle *runtime.Handle, filename string) {
	var data *storage.SaveData
	handle.WithState(func(s *state.State) {
		data = storage.Snapshot(s)
	})
	if err := storage.Save(data, filename); err != nil {
		log.Printf("save session: %v", err)
	} else {
		log.Printf("session saved to %s", filename)
	}
}

// applySaveData replays a saved session through the command interface.
func applySaveData(handle *runtime.Handle, data *storage.SaveData) {
	if data.Tempo > 0 {
		handle.Send(runtime.SetBpm{BPM: data.Tempo})
	}
	if data.TimeSigNum > 0 && data.TimeSigDen > 0 {
		handle.Send(runtime.SetTimeSignature{Num: data.TimeSigNum, Den: data.TimeSigDen})
	}
	if data.QuantizationBeats > 0 {
		handle.Send(runtime.SetQuantization{Beats: data.QuantizationBeats})
	}
	for _, g := range data.Groups {
		handle.Send(runtime.RegisterGroup{Name: g.Name, Path: g.Path, ParentPath: g.ParentPath})
		for param, value := range g.Params {
			handle.Send(runtime.SetGroupParam{Path: g.Path, Param: param, Value: value})
		}
	}
	for _, v := range data.Voices {
		handle.Send(runtime.UpsertVoice{
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
	for _, p := range data.Patterns {
		if p.Body != nil {
			handle.Send(runtime.CreatePattern{Name: p.Name, GroupPath: p.GroupPath, VoiceName: p.VoiceName, Body: *p.Body})
		}
	}
	for _, m := range data.Melodies {
		if m.Body != nil {
			handle.Send(runtime.CreateMelody{Name: m.Name, GroupPath: m.GroupPath, VoiceName: m.VoiceName, Body: *m.Body})
		}
	}
	for _, fd := range data.FadeDefs {
		handle.Send(runtime.CreateFadeDefinition{Definition: fd})
	}
	for _, seq := range data.Sequences {
		handle.Send(runtime.CreateSequence{Definition: seq})
	}
	for _, smp := range data.Samples {
		handle.Send(runtime.LoadSample{ID: smp.ID, Path: smp.Path})
	}
	handle.Send(runtime.FinalizeGroups{})
}
