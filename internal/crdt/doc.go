// Package crdt implements the convergent document underlying a shared
// music project. Each namespace is a last-writer-wins map keyed by
// entity ID; concurrent, duplicated, or out-of-order updates merge to
// the same state on every replica.
package crdt

import (
	"errors"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Namespaces of a project document, in canonical order.
var Namespaces = []string{"tracks", "clips", "effects", "automation", "metadata"}

var (
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	ErrBadNamespace    = errors.New("crdt: unknown namespace")
)

// Op is a single register write. Ordering between concurrent writes to
// the same key is (Stamp, Actor), Lamport stamp first.
type Op struct {
	Actor     string `cbor:"1,keyasint"`
	Seq       uint64 `cbor:"2,keyasint"`
	Stamp     uint64 `cbor:"3,keyasint"`
	Namespace string `cbor:"4,keyasint"`
	Key       string `cbor:"5,keyasint"`
	Value     Value  `cbor:"6,keyasint,omitempty"`
	Deleted   bool   `cbor:"7,keyasint,omitempty"`
}

type register struct {
	value   Value
	stamp   uint64
	actor   string
	deleted bool
}

func (r register) losesTo(op Op) bool {
	if op.Stamp != r.stamp {
		return op.Stamp > r.stamp
	}
	return op.Actor > r.actor
}

// Doc is one replica of a project document. It is safe for concurrent
// use; a merge either applies completely or not at all.
type Doc struct {
	mu    sync.Mutex
	actor string
	clock uint64

	regs map[string]map[string]register
	log  map[string]map[uint64]Op // actor -> seq -> op
	max  map[string]uint64        // actor -> highest seq seen

	// onUpdate receives the encoded ops of every local-origin change.
	// Remote applies never trigger it, so a delta relayed into this
	// replica is not echoed back out of it.
	onUpdate func(update []byte)
}

// NewDoc creates an empty replica identified by actor.
func NewDoc(actor string) *Doc {
	regs := make(map[string]map[string]register, len(Namespaces))
	for _, ns := range Namespaces {
		regs[ns] = make(map[string]register)
	}
	return &Doc{
		actor: actor,
		regs:  regs,
		log:   make(map[string]map[uint64]Op),
		max:   make(map[string]uint64),
	}
}

// OnUpdate registers the local-origin update listener. At most one
// listener is supported; the document registry fans out from there.
func (d *Doc) OnUpdate(fn func(update []byte)) {
	d.mu.Lock()
	d.onUpdate = fn
	d.mu.Unlock()
}

// Set writes value under namespace/key as a local operation.
func (d *Doc) Set(namespace, key string, value Value) error {
	return d.localOp(Op{Namespace: namespace, Key: key, Value: value})
}

// Delete tombstones namespace/key as a local operation.
func (d *Doc) Delete(namespace, key string) error {
	return d.localOp(Op{Namespace: namespace, Key: key, Deleted: true})
}

func (d *Doc) localOp(op Op) error {
	d.mu.Lock()
	if _, ok := d.regs[op.Namespace]; !ok {
		d.mu.Unlock()
		return ErrBadNamespace
	}
	d.clock++
	op.Actor = d.actor
	op.Stamp = d.clock
	op.Seq = d.max[d.actor] + 1
	d.integrate(op)
	fn := d.onUpdate
	d.mu.Unlock()

	if fn != nil {
		update, err := EncodeUpdate([]Op{op})
		if err != nil {
			return err
		}
		fn(update)
	}
	return nil
}

// ApplyUpdate merges a remote update. The bytes are fully decoded and
// validated before any register changes, so a malformed update leaves
// the document untouched. Duplicated ops are ignored.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		if seen, ok := d.log[op.Actor]; ok {
			if _, dup := seen[op.Seq]; dup {
				continue
			}
		}
		if op.Stamp > d.clock {
			d.clock = op.Stamp
		}
		d.integrate(op)
	}
	return nil
}

// integrate records op in the log and merges it into its register.
// Caller holds d.mu.
func (d *Doc) integrate(op Op) {
	byActor := d.log[op.Actor]
	if byActor == nil {
		byActor = make(map[uint64]Op)
		d.log[op.Actor] = byActor
	}
	byActor[op.Seq] = op
	if op.Seq > d.max[op.Actor] {
		d.max[op.Actor] = op.Seq
	}

	ns := d.regs[op.Namespace]
	reg, exists := ns[op.Key]
	if !exists || reg.losesTo(op) {
		ns[op.Key] = register{value: op.Value, stamp: op.Stamp, actor: op.Actor, deleted: op.Deleted}
	}
}

// Get returns the live value under namespace/key.
func (d *Doc) Get(namespace, key string) (Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, ok := d.regs[namespace]
	if !ok {
		return Value{}, false
	}
	reg, ok := ns[key]
	if !ok || reg.deleted {
		return Value{}, false
	}
	return reg.value, true
}

// Entries returns all live entries of a namespace.
func (d *Doc) Entries(namespace string) map[string]Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entriesLocked(namespace)
}

func (d *Doc) entriesLocked(namespace string) map[string]Value {
	out := make(map[string]Value)
	for key, reg := range d.regs[namespace] {
		if !reg.deleted {
			out[key] = reg.value
		}
	}
	return out
}

// StateVector summarizes which operations this replica has seen, as the
// highest sequence number per actor.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.max))
	for actor, seq := range d.max {
		sv[actor] = seq
	}
	return sv
}

// DiffFrom encodes exactly the operations absent from the given vector.
// Applying the result to a replica at that vector reproduces this
// replica's full state.
func (d *Doc) DiffFrom(sv StateVector) ([]byte, error) {
	d.mu.Lock()
	var ops []Op
	for actor, byActor := range d.log {
		since := sv[actor]
		for seq, op := range byActor {
			if seq > since {
				ops = append(ops, op)
			}
		}
	}
	d.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Actor != ops[j].Actor {
			return ops[i].Actor < ops[j].Actor
		}
		return ops[i].Seq < ops[j].Seq
	})
	return EncodeUpdate(ops)
}

// EncodeStateAsUpdate encodes the full operation history.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	return d.DiffFrom(nil)
}

// EncodeUpdate serializes ops into the binary update format.
func EncodeUpdate(ops []Op) ([]byte, error) {
	return cbor.Marshal(ops)
}

// DecodeUpdate parses and validates a binary update.
func DecodeUpdate(update []byte) ([]Op, error) {
	var ops []Op
	if err := cbor.Unmarshal(update, &ops); err != nil {
		return nil, ErrMalformedUpdate
	}
	valid := make(map[string]bool, len(Namespaces))
	for _, ns := range Namespaces {
		valid[ns] = true
	}
	for _, op := range ops {
		if op.Actor == "" || op.Seq == 0 || op.Key == "" || !valid[op.Namespace] {
			return nil, ErrMalformedUpdate
		}
	}
	return ops, nil
}

// MergeUpdates combines several updates into one. Duplicate ops are
// dropped so the merged update stays no larger than its inputs.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	type opKey struct {
		actor string
		seq   uint64
	}
	seen := make(map[opKey]bool)
	var merged []Op
	for _, update := range updates {
		ops, err := DecodeUpdate(update)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			k := opKey{op.Actor, op.Seq}
			if !seen[k] {
				seen[k] = true
				merged = append(merged, op)
			}
		}
	}
	return EncodeUpdate(merged)
}
