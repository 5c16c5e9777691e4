// Package unit reconciles the display unit requested by the user with the
// unit the scale actually shows
package unit

import (
	"errors"
	"fmt"
	"time"

	"github.com/fako1024/btfitscale/pkg/etekcity/codec"
	"github.com/fako1024/btfitscale/pkg/scale"
)

// ErrAckTimeout denotes that the scale did not echo a requested unit in time
var ErrAckTimeout = errors.New("display unit change was not acknowledged in time")

// Request denotes a single display unit change request
type Request struct {
	Unit scale.WeightUnit

	done     chan struct{}
	err      error
	deadline time.Time
	armed    bool
}

// Done returns a channel that is closed once the request is resolved
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome of the request (only valid once Done is closed). A
// request superseded by a newer one resolves without error
func (r *Request) Err() error {
	return r.err
}

func (r *Request) resolve(err error) {
	r.err = err
	close(r.done)
}

// Negotiator tracks the display unit of a single scale. It is not safe for
// concurrent use
type Negotiator struct {
	timeout time.Duration

	current scale.WeightUnit
	desired scale.WeightUnit
	pending *Request
	seq     byte

	// inFlight is the unit of the last command sent but not yet echoed
	inFlight scale.WeightUnit
}

// New instantiates a new Negotiator with the given acknowledgment timeout
func New(timeout time.Duration) *Negotiator {
	return &Negotiator{
		timeout: timeout,
		current:  scale.UnitUnknown,
		desired:  scale.UnitUnknown,
		inFlight: scale.UnitUnknown,
	}
}

// Current returns the unit last echoed by the scale (UnitUnknown before the first echo)
func (n *Negotiator) Current() scale.WeightUnit {
	return n.current
}

// Desired returns the most recently requested unit (UnitUnknown if none)
func (n *Negotiator) Desired() scale.WeightUnit {
	return n.desired
}

// SetDesired sets the unit to enforce without waiting for its acknowledgment
func (n *Negotiator) SetDesired(unit scale.WeightUnit) error {
	if !unit.Valid() {
		return fmt.Errorf("invalid display unit `%s`", unit)
	}
	n.desired = unit
	return nil
}

// Request requests a unit change, superseding any pending request
func (n *Negotiator) Request(unit scale.WeightUnit) (*Request, error) {
	if err := n.SetDesired(unit); err != nil {
		return nil, err
	}

	if n.pending != nil {
		n.pending.resolve(nil)
		n.pending = nil
	}

	req := &Request{
		Unit: unit,
		done: make(chan struct{}),
	}

	// Nothing to do if the scale already shows the requested unit and no other
	// command may still change it
	if n.current == unit && n.inFlight == scale.UnitUnknown {
		req.resolve(nil)
		return req, nil
	}

	n.pending = req
	return req, nil
}

// NeedsWrite returns if the scale has to be instructed to change its unit
// (and the same command is not already awaiting its echo)
func (n *Negotiator) NeedsWrite() bool {
	return n.desired.Valid() && n.desired != n.current && n.desired != n.inFlight
}

// Awaiting returns if a request waits for the echo of a command already sent
func (n *Negotiator) Awaiting() bool {
	return n.pending != nil && n.inFlight != scale.UnitUnknown
}

// Command encodes the unit change command for the desired unit
func (n *Negotiator) Command() ([]byte, error) {
	cmd, err := codec.EncodeSetUnit(n.desired, n.seq+1)
	if err != nil {
		return nil, err
	}
	n.seq++
	n.inFlight = n.desired

	return cmd, nil
}

// Arm starts the acknowledgment timeout of the pending request (once the
// command has actually been sent to the scale)
func (n *Negotiator) Arm(now time.Time) {
	if n.pending == nil || n.pending.armed {
		return
	}
	n.pending.armed = true
	n.pending.deadline = now.Add(n.timeout)
}

// Ack handles a unit echoed by the scale
func (n *Negotiator) Ack(unit scale.WeightUnit) {
	if !unit.Valid() {
		return
	}
	n.current = unit
	if n.inFlight == unit {
		n.inFlight = scale.UnitUnknown
	}

	if n.pending != nil && n.pending.Unit == unit {
		n.pending.resolve(nil)
		n.pending = nil
	}
}

// Invalidate forgets the unit last echoed by the scale
func (n *Negotiator) Invalidate() {
	n.current = scale.UnitUnknown
	n.inFlight = scale.UnitUnknown
}

// Expire fails the pending request if its acknowledgment timeout has elapsed
func (n *Negotiator) Expire(now time.Time) {
	if n.pending == nil || !n.pending.armed || now.Before(n.pending.deadline) {
		return
	}

	n.pending.resolve(fmt.Errorf("%w (requested `%s`, scale shows `%s`)", ErrAckTimeout, n.pending.Unit, n.current))
	n.pending = nil
	n.inFlight = scale.UnitUnknown
}

// Deadline returns the acknowledgment deadline of the pending request (if any)
func (n *Negotiator) Deadline() (time.Time, bool) {
	if n.pending == nil || !n.pending.armed {
		return time.Time{}, false
	}
	return n.pending.deadline, true
}

// Abandon resolves the pending request (if any) with the given error
func (n *Negotiator) Abandon(err error) {
	if n.pending == nil {
		return
	}
	n.pending.resolve(err)
	n.pending = nil
	n.inFlight = scale.UnitUnknown
}
