package runtime

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/schollz/colliderloop/internal/midibridge"
	"github.com/schollz/colliderloop/internal/sampler"
	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/supercollider"
	"github.com/schollz/colliderloop/internal/synthdef"
)

// ServerConn is the slice of the DSP-server connection the runtime thread
// uses. *supercollider.Conn satisfies it; tests substitute a recorder.
type ServerConn interface {
	Notify(on bool) error
	DRecv(bytes []byte) error
	GNew(nodeID, addAction, target int32) error
	GFreeAll(groupID int32) error
	SNew(synthDef string, nodeID, addAction, target int32, controls ...supercollider.Control) error
	NSet(nodeID int32, controls ...supercollider.Control) error
	NRun(nodeID int32, running bool) error
	NFree(nodeID int32) error
	BAllocRead(bufNum int32, path string) error
	BFree(bufNum int32) error
	SendBundle(t time.Time, msgs []*osc.Message) error
	TryRecv() osc.Packet
	Close() error
}

// Config controls runtime startup.
type Config struct {
	// Port is the scsynth UDP port. Zero means 57110.
	Port int
	// SkipServerStart connects to an externally managed scsynth instead of
	// spawning one.
	SkipServerStart bool
	// SamplerLoader parses sampler-instrument files for LoadSfzInstrument.
	// With none installed the command logs and drops.
	SamplerLoader sampler.Loader
}

const defaultPort = 57110

// Runtime owns the scsynth subprocess (when it spawned one), the OSC
// connection and the runtime thread.
type Runtime struct {
	handle      *Handle
	conn        ServerConn
	ownedServer bool
	done        chan struct{}
}

// Start spawns scsynth (unless cfg.SkipServerStart), connects, loads the
// system link synthdef, clears the server's node tree, launches the runtime
// thread and starts the transport. A failure to spawn, connect, register for
// notifications or load the link synthdef is fatal; a failed g_freeAll is
// only logged. After this returns, the loop only logs.
func Start(cfg Config) (*Runtime, error) {
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	ownedServer := false
	if !cfg.SkipServerStart {
		log.Printf("starting scsynth on port %d", port)
		if err := supercollider.StartServer(port); err != nil {
			return nil, fmt.Errorf("start scsynth: %w", err)
		}
		ownedServer = supercollider.WasStartedBySelf()
	}

	conn, err := supercollider.Dial(fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		if ownedServer {
			supercollider.Cleanup()
		}
		return nil, fmt.Errorf("connect to scsynth: %w", err)
	}

	rt, err := startWithConn(conn, cfg)
	if err != nil {
		conn.Close()
		if ownedServer {
			supercollider.Cleanup()
		}
		return nil, err
	}
	rt.ownedServer = ownedServer
	return rt, nil
}

// startWithConn finishes startup over an established connection. Split out
// so tests can drive the runtime against a fake server.
func startWithConn(conn ServerConn, cfg Config) (*Runtime, error) {
	if err := conn.Notify(true); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if err := conn.DRecv(synthdef.SystemLinkAudioBytes()); err != nil {
		return nil, fmt.Errorf("load %s: %w", synthdef.SystemLinkAudioName, err)
	}
	if err := conn.GFreeAll(0); err != nil {
		log.Printf("free existing groups: %v", err)
	}

	store := state.NewStore()
	q := newQueue()
	var shutdown atomic.Bool

	handle := &Handle{
		queue:    q,
		store:    store,
		shutdown: &shutdown,
	}

	rt := &Runtime{
		handle: handle,
		conn:   conn,
		done:   make(chan struct{}),
	}

	th := newThread(conn, store, q, midibridge.New(), cfg.SamplerLoader)
	go func() {
		defer close(rt.done)
		th.run(&shutdown)
	}()

	handle.Send(StartScheduler{})
	log.Printf("runtime started")
	return rt, nil
}

// Handle returns the thread-safe facade for this runtime.
func (r *Runtime) Handle() *Handle { return r.handle }

// Shutdown stops the runtime thread, closes the connection and kills the
// scsynth subprocess if this runtime spawned it. Safe to call once.
func (r *Runtime) Shutdown() {
	r.handle.Shutdown()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		log.Printf("runtime thread did not exit in time")
	}
	r.handle.queue.close()
	r.conn.Close()
	if r.ownedServer {
		supercollider.Cleanup()
	}
}
