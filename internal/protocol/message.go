// Package protocol defines the messages exchanged between a coordinator and
// its worker processes. On the wire every message is an ordered tuple whose
// first element is the tag:
//
//	["load", job, options, worker, run_id]
//	["input", job, units, seq]
//	["pull", job, worker]
//	["output", job, worker, units]
//	["add", job, worker, units, dont_flatten]
//	["complete", job, worker, units, seq]
//	["err", job, worker, message]
//	["exit"]
package protocol

import (
	"errors"
	"fmt"
)

type Tag string

const (
	TagLoad     Tag = "load"
	TagInput    Tag = "input"
	TagPull     Tag = "pull"
	TagOutput   Tag = "output"
	TagAdd      Tag = "add"
	TagComplete Tag = "complete"
	TagErr      Tag = "err"
	TagExit     Tag = "exit"
)

var ErrUnknownTag = errors.New("unknown message tag")

type Message struct {
	Tag    Tag
	Job    string
	Worker int
	// Seq numbers input assignments per worker. A completion report carries
	// the last sequence the worker drained.
	Seq   uint64
	Units []any
	// Value is the raw payload of an add message.
	Value       any
	DontFlatten bool
	Options     map[string]any
	RunID       string
	Err         string
}

// Tuple converts m into its wire representation.
func (m Message) Tuple() []any {
	switch m.Tag {
	case TagLoad:
		return []any{string(m.Tag), m.Job, m.Options, m.Worker, m.RunID}
	case TagInput:
		return []any{string(m.Tag), m.Job, units(m.Units), m.Seq}
	case TagPull:
		return []any{string(m.Tag), m.Job, m.Worker}
	case TagOutput:
		return []any{string(m.Tag), m.Job, m.Worker, units(m.Units)}
	case TagAdd:
		return []any{string(m.Tag), m.Job, m.Worker, m.Value, m.DontFlatten}
	case TagComplete:
		return []any{string(m.Tag), m.Job, m.Worker, units(m.Units), m.Seq}
	case TagErr:
		return []any{string(m.Tag), m.Job, m.Worker, m.Err}
	default:
		return []any{string(m.Tag)}
	}
}

// Parse converts a decoded tuple back into a Message.
func Parse(v any) (Message, error) {
	t, ok := v.([]any)
	if !ok || len(t) == 0 {
		return Message{}, fmt.Errorf("message is not a tuple: %T", v)
	}
	tag, ok := t[0].(string)
	if !ok {
		return Message{}, fmt.Errorf("message tag is not a string: %T", t[0])
	}

	p := parser{t: t}
	m := Message{Tag: Tag(tag)}
	switch m.Tag {
	case TagLoad:
		m.Job = p.str(1)
		m.Options = p.dict(2)
		m.Worker = p.int(3)
		m.RunID = p.str(4)
	case TagInput:
		m.Job = p.str(1)
		m.Units = p.list(2)
		m.Seq = uint64(p.int(3))
	case TagPull:
		m.Job = p.str(1)
		m.Worker = p.int(2)
	case TagOutput:
		m.Job = p.str(1)
		m.Worker = p.int(2)
		m.Units = p.list(3)
	case TagAdd:
		m.Job = p.str(1)
		m.Worker = p.int(2)
		m.Value = p.any(3)
		m.DontFlatten = p.bool(4)
	case TagComplete:
		m.Job = p.str(1)
		m.Worker = p.int(2)
		m.Units = p.list(3)
		m.Seq = uint64(p.int(4))
	case TagErr:
		m.Job = p.str(1)
		m.Worker = p.int(2)
		m.Err = p.str(3)
	case TagExit:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}

	if p.err != nil {
		return Message{}, fmt.Errorf("%s message: %w", tag, p.err)
	}
	return m, nil
}

func units(u []any) []any {
	if u == nil {
		return []any{}
	}
	return u
}

type parser struct {
	t   []any
	err error
}

func (p *parser) any(i int) any {
	if i >= len(p.t) {
		p.fail(fmt.Errorf("missing field %d", i))
		return nil
	}
	return p.t[i]
}

func (p *parser) str(i int) string {
	v := p.any(i)
	s, ok := v.(string)
	if !ok && v != nil {
		p.fail(fmt.Errorf("field %d is %T, want string", i, v))
	}
	return s
}

func (p *parser) int(i int) int {
	switch n := p.any(i).(type) {
	case float64:
		return int(n)
	case int:
		return n
	case uint64:
		return int(n)
	case nil:
		return 0
	default:
		p.fail(fmt.Errorf("field %d is %T, want number", i, n))
		return 0
	}
}

func (p *parser) bool(i int) bool {
	b, _ := p.any(i).(bool)
	return b
}

func (p *parser) list(i int) []any {
	v := p.any(i)
	l, ok := v.([]any)
	if !ok && v != nil {
		p.fail(fmt.Errorf("field %d is %T, want list", i, v))
	}
	return l
}

func (p *parser) dict(i int) map[string]any {
	v := p.any(i)
	d, ok := v.(map[string]any)
	if !ok && v != nil {
		p.fail(fmt.Errorf("field %d is %T, want map", i, v))
	}
	return d
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
