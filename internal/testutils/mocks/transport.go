package mocks

import (
	"io"
	"sync"

	"github.com/srg/sppctl/internal/stack"
)

// ReadStep is one scripted result of a Read call
type ReadStep struct {
	Data []byte
	Err  error
}

// ScriptedTransport implements stack.Transport with per-descriptor scripts.
// Once a descriptor's script is exhausted Read keeps returning (0, nil),
// or io.EOF when the descriptor was marked closed.
type ScriptedTransport struct {
	mu      sync.Mutex
	scripts map[stack.Descriptor][]ReadStep
	closed  map[stack.Descriptor]bool
	writes  map[stack.Descriptor][][]byte
	reads   map[stack.Descriptor]int
	written chan stack.Descriptor

	// WriteErr, when set, is returned by every Write
	WriteErr error
}

var _ stack.Transport = (*ScriptedTransport)(nil)

// NewScriptedTransport creates an empty transport
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{
		scripts: make(map[stack.Descriptor][]ReadStep),
		closed:  make(map[stack.Descriptor]bool),
		writes:  make(map[stack.Descriptor][][]byte),
		reads:   make(map[stack.Descriptor]int),
		written: make(chan stack.Descriptor, 64),
	}
}

// Script appends read results for d
func (t *ScriptedTransport) Script(d stack.Descriptor, steps ...ReadStep) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[d] = append(t.scripts[d], steps...)
}

// CloseDescriptor makes reads on d fail with io.EOF once its script is used up
func (t *ScriptedTransport) CloseDescriptor(d stack.Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed[d] = true
}

// Read implements stack.Transport
func (t *ScriptedTransport) Read(d stack.Descriptor, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reads[d]++
	steps := t.scripts[d]
	if len(steps) == 0 {
		if t.closed[d] {
			return 0, io.EOF
		}
		return 0, nil
	}
	step := steps[0]
	t.scripts[d] = steps[1:]
	if step.Err != nil {
		return 0, step.Err
	}
	return copy(buf, step.Data), nil
}

// Write implements stack.Transport
func (t *ScriptedTransport) Write(d stack.Descriptor, buf []byte) (int, error) {
	t.mu.Lock()
	if t.WriteErr != nil {
		t.mu.Unlock()
		return 0, t.WriteErr
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	t.writes[d] = append(t.writes[d], data)
	t.mu.Unlock()

	select {
	case t.written <- d:
	default:
	}
	return len(buf), nil
}

// Writes returns a copy of everything written to d
func (t *ScriptedTransport) Writes(d stack.Descriptor) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes[d]))
	copy(out, t.writes[d])
	return out
}

// Reads returns how many times Read was called for d
func (t *ScriptedTransport) Reads(d stack.Descriptor) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads[d]
}

// Written signals the descriptor of every completed Write
func (t *ScriptedTransport) Written() <-chan stack.Descriptor {
	return t.written
}
