// Package packet implements a layered, non-copying view over a raw
// Ethernet frame buffer. Each protocol handler claims one layer from the
// front (and optionally the tail) of the unclaimed window as it walks
// down the protocol graph, so later handlers can inspect earlier layers
// without re-parsing them.
package packet

import "fmt"

// Layer is a named annotation over a byte range of the original frame.
// Attributes carries protocol-specific metadata (e.g. src/dst addresses)
// that downstream layers may need without re-parsing data.
type Layer struct {
	Data       []byte
	Attributes map[string]any
	Tail       []byte // non-nil if the layer claimed bytes from the tail
}

// Packet is an immutable raw buffer plus the bookkeeping of which byte
// ranges have been claimed by which named layer. Claimed ranges never
// overlap; the "current window" is always a contiguous sub-range of the
// original buffer.
type Packet struct {
	all     []byte
	current []byte
	layers  map[string]Layer
	order   []string
}

// New constructs a Packet whose current window is the entire buffer. buf
// is not copied; callers must not mutate it afterward.
func New(buf []byte) *Packet {
	return &Packet{
		all:     buf,
		current: buf,
		layers:  make(map[string]Layer),
	}
}

// AddLayer consumes size bytes from the front of the current window, and
// optionally tailSize bytes from the back, recording them as a Layer
// under name. It fails if the current window is too small.
func (p *Packet) AddLayer(name string, attrs map[string]any, size, tailSize int) error {
	if size+tailSize > len(p.current) {
		return fmt.Errorf("packet: layer %q needs %d bytes (+%d tail), only %d remain", name, size, tailSize, len(p.current))
	}

	data := p.current[:size]
	rest := p.current[size:]

	var tail []byte
	if tailSize > 0 {
		tail = rest[len(rest)-tailSize:]
		rest = rest[:len(rest)-tailSize]
	}

	if _, exists := p.layers[name]; !exists {
		p.order = append(p.order, name)
	}
	p.layers[name] = Layer{Data: data, Attributes: attrs, Tail: tail}
	p.current = rest
	return nil
}

// GetLayer returns the Layer previously added under name. It fails if no
// such layer was added.
func (p *Packet) GetLayer(name string) (Layer, error) {
	l, ok := p.layers[name]
	if !ok {
		return Layer{}, fmt.Errorf("packet: no layer named %q", name)
	}
	return l, nil
}

// CurrentBytes returns the unclaimed window of the buffer.
func (p *Packet) CurrentBytes() []byte { return p.current }

// AllBytes returns the full original buffer.
func (p *Packet) AllBytes() []byte { return p.all }

// Layers returns the names of the layers added so far, in the order they
// were added.
func (p *Packet) Layers() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}
