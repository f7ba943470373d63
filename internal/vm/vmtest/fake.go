// Package vmtest provides an in-memory VM for exercising the debugger
// client without a real debug service.
package vmtest

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ctagard/vmdbg/pkg/types"
)

// Request is one request the fake received.
type Request struct {
	ID      int64           `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// Isolate decodes the request's isolateId parameter.
func (r Request) Isolate() types.IsolateID {
	var p struct {
		IsolateID types.IsolateID `json:"isolateId"`
	}
	_ = json.Unmarshal(r.Params, &p)
	return p.IsolateID
}

// Decode unmarshals the request parameters into v.
func (r Request) Decode(v interface{}) error {
	return json.Unmarshal(r.Params, v)
}

// Reply is what a handler sends back. Exactly one of Result and Error is
// used; NoReply leaves the request pending forever.
type Reply struct {
	Result  interface{}
	Error   string
	NoReply bool
}

// HandlerFunc answers one command.
type HandlerFunc func(vm *FakeVM, req Request) Reply

// FakeVM implements vm.Transport. It answers the standard commands with a
// simple model of isolate run state and breakpoint ids, records every
// request, and lets tests inject events.
type FakeVM struct {
	mu       sync.Mutex
	requests []Request
	handlers map[string]HandlerFunc
	paused   map[types.IsolateID]bool
	nextBP   int

	// InterruptPauses makes a successful interrupt of a running isolate
	// emit paused(reason=interrupted) after the response, like a real VM.
	InterruptPauses bool

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a fake VM with default handlers.
func New() *FakeVM {
	f := &FakeVM{
		handlers: make(map[string]HandlerFunc),
		paused:   make(map[types.IsolateID]bool),
		nextBP:   1,
		inbox:    make(chan []byte, 1024),
		closed:   make(chan struct{}),
	}
	f.handlers["setBreakpoint"] = defaultSetBreakpoint
	f.handlers["interrupt"] = defaultInterrupt
	f.handlers["resume"] = defaultResume
	f.handlers["evaluateExpr"] = func(*FakeVM, Request) Reply { return Reply{Result: map[string]string{"text": ""}} }
	f.handlers["getVersion"] = func(*FakeVM, Request) Reply { return Reply{Result: map[string]string{"protocolVersion": "3.5"}} }
	f.handlers["getIsolateList"] = func(*FakeVM, Request) Reply {
		return Reply{Result: map[string][]types.IsolateID{"isolateIds": {}}}
	}
	return f
}

// Handle replaces the handler for command.
func (f *FakeVM) Handle(command string, h HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[command] = h
}

// SetPaused sets the modelled run state of an isolate.
func (f *FakeVM) SetPaused(isolate types.IsolateID, paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[isolate] = paused
}

// IsPaused reports the modelled run state of an isolate.
func (f *FakeVM) IsPaused(isolate types.IsolateID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[isolate]
}

// Requests returns a copy of every request received so far.
func (f *FakeVM) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Commands returns the command names received so far, in order.
func (f *FakeVM) Commands() []string {
	reqs := f.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Command
	}
	return out
}

// Count returns how many requests for command were received.
func (f *FakeVM) Count(command string) int {
	n := 0
	for _, r := range f.Requests() {
		if r.Command == command {
			n++
		}
	}
	return n
}

// RequestsFor returns the requests for one command.
func (f *FakeVM) RequestsFor(command string) []Request {
	var out []Request
	for _, r := range f.Requests() {
		if r.Command == command {
			out = append(out, r)
		}
	}
	return out
}

// Emit sends an event to the client.
func (f *FakeVM) Emit(event string, params interface{}) {
	f.send(map[string]interface{}{"event": event, "params": params})
}

// EmitIsolateCreated sends isolate(reason=created).
func (f *FakeVM) EmitIsolateCreated(isolate types.IsolateID) {
	f.Emit("isolate", map[string]interface{}{"reason": "created", "id": isolate})
}

// EmitIsolateShutdown sends isolate(reason=shutdown).
func (f *FakeVM) EmitIsolateShutdown(isolate types.IsolateID) {
	f.Emit("isolate", map[string]interface{}{"reason": "shutdown", "id": isolate})
}

// Frame describes one call frame for EmitPaused.
type Frame struct {
	ID       int
	Function string
	URL      string
	Line     int
}

// EmitPaused marks the isolate paused and sends a paused event.
func (f *FakeVM) EmitPaused(isolate types.IsolateID, reason string, stepping bool, frames ...Frame) {
	f.SetPaused(isolate, true)
	wire := make([]map[string]interface{}, 0, len(frames))
	for _, fr := range frames {
		wire = append(wire, map[string]interface{}{
			"id":       fr.ID,
			"function": fr.Function,
			"location": map[string]interface{}{"url": fr.URL, "line": fr.Line},
		})
	}
	f.Emit("paused", map[string]interface{}{
		"isolateId":  isolate,
		"reason":     reason,
		"callFrames": wire,
		"isStepping": stepping,
	})
}

// EmitBreakpointResolved sends breakpointResolved for a breakpoint id.
func (f *FakeVM) EmitBreakpointResolved(isolate types.IsolateID, id int, url string, line int) {
	f.Emit("breakpointResolved", map[string]interface{}{
		"isolateId": isolate,
		"breakpoint": map[string]interface{}{
			"id":       id,
			"resolved": true,
			"location": map[string]interface{}{"url": url, "line": line},
		},
	})
}

// SendRaw delivers an arbitrary message to the client.
func (f *FakeVM) SendRaw(data []byte) {
	select {
	case f.inbox <- data:
	case <-f.closed:
	}
}

// Disconnect simulates the VM going away.
func (f *FakeVM) Disconnect() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *FakeVM) send(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("vmtest: cannot encode %v: %v", msg, err))
	}
	f.SendRaw(data)
}

// WriteMessage implements vm.Transport.
func (f *FakeVM) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("vmtest: bad request: %w", err)
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	h, ok := f.handlers[req.Command]
	f.mu.Unlock()

	reply := Reply{Result: map[string]interface{}{}}
	if ok {
		reply = h(f, req)
	}
	if reply.NoReply {
		return nil
	}

	if reply.Error != "" {
		f.send(map[string]interface{}{"id": req.ID, "error": reply.Error})
	} else {
		f.send(map[string]interface{}{"id": req.ID, "result": reply.Result})
	}

	if req.Command == "interrupt" && f.InterruptPauses {
		if res, ok := reply.Result.(map[string]interface{}); ok && res["wasPaused"] == false {
			f.EmitPaused(req.Isolate(), "interrupted", false)
		}
	}
	return nil
}

// ReadMessage implements vm.Transport. Messages sent before Disconnect are
// still delivered.
func (f *FakeVM) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	default:
	}
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

// Close implements vm.Transport.
func (f *FakeVM) Close() error {
	f.Disconnect()
	return nil
}

func defaultSetBreakpoint(f *FakeVM, req Request) Reply {
	var p struct {
		URL  string `json:"url"`
		Line int    `json:"line"`
	}
	_ = req.Decode(&p)

	f.mu.Lock()
	id := f.nextBP
	f.nextBP++
	f.mu.Unlock()

	return Reply{Result: map[string]interface{}{
		"breakpointId": id,
		"resolved":     true,
		"location":     map[string]interface{}{"url": p.URL, "line": p.Line},
	}}
}

func defaultInterrupt(f *FakeVM, req Request) Reply {
	iso := req.Isolate()
	f.mu.Lock()
	was := f.paused[iso]
	f.paused[iso] = true
	f.mu.Unlock()
	return Reply{Result: map[string]interface{}{"wasPaused": was}}
}

func defaultResume(f *FakeVM, req Request) Reply {
	f.SetPaused(req.Isolate(), false)
	return Reply{Result: map[string]interface{}{}}
}
