package supercollider

import (
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// Node add actions, matching scsynth's /s_new and /g_new semantics. The
// choices are load-bearing for node ordering: voices use AddToHead, effects
// AddToTail or AddAfter the previous effect, link synths after the last
// effect.
const (
	AddToHead = 0
	AddToTail = 1
	AddBefore = 2
	AddAfter  = 3
	AddReplace = 4
)

// Conn is a UDP OSC connection to scsynth. A single socket is used for both
// directions because scsynth addresses replies to the sender; go-osc's
// Client dials per send and would lose them, so this wraps one UDPConn and
// uses go-osc only for the wire format.
type Conn struct {
	udp    *net.UDPConn
	recv   chan osc.Packet
	closed atomic.Bool
}

// Dial connects to scsynth at addr (e.g. "127.0.0.1:57110") and starts the
// reply reader.
func Dial(addr string) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %v", addr, err)
	}
	udp, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("connect to scsynth at %s: %v", addr, err)
	}

	c := &Conn{
		udp:  udp,
		recv: make(chan osc.Packet, 1024),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := c.udp.Read(buf)
		if err != nil {
			if !c.closed.Load() {
				log.Printf("[OSC] read error: %v", err)
			}
			return
		}
		packet, err := osc.ParsePacket(string(buf[:n]))
		if err != nil {
			log.Printf("[OSC] bad packet (%d bytes): %v", n, err)
			continue
		}
		select {
		case c.recv <- packet:
		default:
			// Reply channel full; drop rather than block the socket reader
			log.Printf("[OSC] reply channel full, dropping packet")
		}
	}
}

// TryRecv returns the next pending reply packet, or nil when none is queued.
func (c *Conn) TryRecv() osc.Packet {
	select {
	case p := <-c.recv:
		return p
	default:
		return nil
	}
}

// Close shuts the socket down. Pending sends fail afterwards.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.udp.Close()
}

// Send transmits a single OSC message immediately.
func (c *Conn) Send(msg *osc.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal %s: %v", msg.Address, err)
	}
	_, err = c.udp.Write(data)
	return err
}

// SendBundle wraps the messages in a bundle timetagged for t and sends it.
// scsynth holds the bundle until the timetag elapses, giving sample-accurate
// execution.
func (c *Conn) SendBundle(t time.Time, msgs []*osc.Message) error {
	bundle := osc.NewBundle(t)
	for _, m := range msgs {
		if err := bundle.Append(m); err != nil {
			return fmt.Errorf("bundle append: %v", err)
		}
	}
	data, err := bundle.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal bundle: %v", err)
	}
	_, err = c.udp.Write(data)
	return err
}

// Notify asks scsynth to send /n_go, /n_end and /tr replies to this socket.
func (c *Conn) Notify(on bool) error {
	msg := osc.NewMessage("/notify")
	v := int32(0)
	if on {
		v = 1
	}
	msg.Append(v)
	return c.Send(msg)
}

// DRecv sends a synthdef blob. The bytes are opaque to the runtime.
func (c *Conn) DRecv(bytes []byte) error {
	msg := osc.NewMessage("/d_recv")
	msg.Append(bytes)
	return c.Send(msg)
}

// GNew creates a group node.
func (c *Conn) GNew(nodeID int32, addAction int32, target int32) error {
	msg := osc.NewMessage("/g_new")
	msg.Append(nodeID)
	msg.Append(addAction)
	msg.Append(target)
	return c.Send(msg)
}

// GFreeAll frees every node inside the given group.
func (c *Conn) GFreeAll(groupID int32) error {
	msg := osc.NewMessage("/g_freeAll")
	msg.Append(groupID)
	return c.Send(msg)
}

// SNewMessage builds (without sending) an /s_new message; timed bundles are
// assembled from these.
func SNewMessage(synthDef string, nodeID int32, addAction int32, target int32, controls []Control) *osc.Message {
	msg := osc.NewMessage("/s_new")
	msg.Append(synthDef)
	msg.Append(nodeID)
	msg.Append(addAction)
	msg.Append(target)
	for _, ctl := range controls {
		msg.Append(ctl.Name)
		msg.Append(ctl.Value)
	}
	return msg
}

// Control is a named synth control value on the wire.
type Control struct {
	Name  string
	Value float32
}

// SNew creates a synth immediately.
func (c *Conn) SNew(synthDef string, nodeID int32, addAction int32, target int32, controls ...Control) error {
	return c.Send(SNewMessage(synthDef, nodeID, addAction, target, controls))
}

// NSet sets controls on a live node.
func (c *Conn) NSet(nodeID int32, controls ...Control) error {
	msg := osc.NewMessage("/n_set")
	msg.Append(nodeID)
	for _, ctl := range controls {
		msg.Append(ctl.Name)
		msg.Append(ctl.Value)
	}
	return c.Send(msg)
}

// NRun pauses or resumes a node.
func (c *Conn) NRun(nodeID int32, running bool) error {
	msg := osc.NewMessage("/n_run")
	msg.Append(nodeID)
	v := int32(0)
	if running {
		v = 1
	}
	msg.Append(v)
	return c.Send(msg)
}

// NFree removes a node.
func (c *Conn) NFree(nodeID int32) error {
	msg := osc.NewMessage("/n_free")
	msg.Append(nodeID)
	return c.Send(msg)
}

// BAllocRead allocates a buffer and reads a sound file into it. scsynth
// acknowledges with /done /b_allocRead <bufnum>.
func (c *Conn) BAllocRead(bufNum int32, path string) error {
	msg := osc.NewMessage("/b_allocRead")
	msg.Append(bufNum)
	msg.Append(path)
	return c.Send(msg)
}

// BFree releases a buffer.
func (c *Conn) BFree(bufNum int32) error {
	msg := osc.NewMessage("/b_free")
	msg.Append(bufNum)
	return c.Send(msg)
}
