package turnsy

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Decoder assembles complete tool-call requests from an ordered sequence of
// provider stream events. Argument deltas are buffered per call id and may
// interleave across ids; a final event replaces whatever was buffered for
// its id. A call may also arrive via a single final event with no preceding
// deltas.
//
// A Decoder serves one turn and is not safe for concurrent use: feed events
// from a single goroutine, in stream order.
type Decoder struct {
	buffers    map[string]*callBuffer
	finalized  []ToolCallRequest
	byID       map[string]int // id → index into finalized
	content    strings.Builder
	reasoning  strings.Builder
	stopReason StopReason
	err        error
}

type callBuffer struct {
	id   string
	name string
	args strings.Builder
}

// NewDecoder returns a Decoder for a single model turn.
func NewDecoder() *Decoder {
	return &Decoder{
		buffers: make(map[string]*callBuffer),
		byID:    make(map[string]int),
	}
}

// Feed processes one stream event. It returns a non-nil error only for
// error events (wrapped as TransportError), which signals the transport to
// stop delivering further events for this turn.
func (d *Decoder) Feed(ev StreamEvent) error {
	switch ev.Type {
	case StreamReasoning:
		d.reasoning.WriteString(ev.Text)
	case StreamContent:
		d.content.WriteString(ev.Text)
	case StreamToolCall:
		d.feedToolCall(ev)
	case StreamMeta:
		if ev.Key == MetaKeyStopReason {
			d.stopReason = StopReason(ev.Value)
		}
	case StreamError:
		d.err = &TransportError{Err: ev.Err}
		return d.err
	}
	return nil
}

func (d *Decoder) feedToolCall(ev StreamEvent) {
	if ev.Call == nil {
		return
	}
	key := bufferKey(ev.Call)
	switch ev.Phase {
	case PhaseDelta:
		buf, ok := d.buffers[key]
		if !ok {
			buf = &callBuffer{id: ev.Call.ID}
			d.buffers[key] = buf
		}
		if buf.name == "" {
			buf.name = ev.Call.Function.Name
		}
		buf.args.WriteString(ev.Call.Function.Arguments)
	case PhaseFinal:
		req := ToolCallRequest{
			ID:   ev.Call.ID,
			Name: ev.Call.Function.Name,
		}
		args := ev.Call.Function.Arguments
		if buf, ok := d.buffers[key]; ok {
			// The final payload is authoritative; buffered fragments only
			// fill fields the final event omitted.
			if args == "" {
				args = buf.args.String()
			}
			if req.Name == "" {
				req.Name = buf.name
			}
			if req.ID == "" {
				req.ID = buf.id
			}
			delete(d.buffers, key)
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		req.RawArguments = []byte(args)
		if i, ok := d.byID[req.ID]; ok {
			// Duplicate final for the same id updates the request in place.
			d.finalized[i] = req
			return
		}
		d.byID[req.ID] = len(d.finalized)
		d.finalized = append(d.finalized, req)
	}
}

// bufferKey identifies an in-progress call. Providers that omit ids on
// deltas still carry a stable stream index.
func bufferKey(c *StreamToolCallPayload) string {
	if c.ID != "" {
		return c.ID
	}
	return "#" + strconv.Itoa(c.Index)
}

// Requests returns the finalized tool-call requests in decode order.
func (d *Decoder) Requests() []ToolCallRequest {
	out := make([]ToolCallRequest, len(d.finalized))
	copy(out, d.finalized)
	return out
}

// StopReason returns the turn-termination signal observed so far
// (empty until a stop-reason meta event arrives).
func (d *Decoder) StopReason() StopReason { return d.stopReason }

// Content returns the accumulated assistant text for the turn.
func (d *Decoder) Content() string { return d.content.String() }

// Reasoning returns the accumulated reasoning text for the turn.
func (d *Decoder) Reasoning() string { return d.reasoning.String() }

// Err returns the transport error surfaced by an error event, if any.
func (d *Decoder) Err() error { return d.err }
