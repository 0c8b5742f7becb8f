// Package program describes compiled programs as far as object state is concerned: the variable layout every
// dataspace of the program follows, and the remap tables applied when a program is recompiled while instances exist.
package program

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// VarType is the declared type of a variable slot.
type VarType uint8

const (
	TypeMixed VarType = iota
	TypeInt
	TypeFloat
	TypeString
	TypeObject
	TypeArray
	TypeMapping
)

type Variable struct {
	Name string  `cbor:"1,keyasint"`
	Type VarType `cbor:"2,keyasint"`
}

// Program is the control block of a compiled program. Index identifies the program in the store; Version grows by
// one every time the program is recompiled.
type Program struct {
	Index     uint32     `cbor:"1,keyasint"`
	Version   uint32     `cbor:"2,keyasint"`
	Name      string     `cbor:"3,keyasint"`
	Variables []Variable `cbor:"4,keyasint"`
	// History lists every recompilation, oldest first, so dataspaces stored under an older version can be brought
	// up to date when they are loaded.
	History []Upgrade `cbor:"5,keyasint,omitempty"`
}

// Upgrade records the remap that turned version From into version To.
type Upgrade struct {
	From  uint32  `cbor:"1,keyasint"`
	To    uint32  `cbor:"2,keyasint"`
	Remap []Remap `cbor:"3,keyasint"`
}

// Initial returns the value a freshly created dataspace holds in slot i.
func (p *Program) Initial(i int) value.Value {
	switch p.Variables[i].Type {
	case TypeInt:
		return value.NewInt(0)
	case TypeFloat:
		return value.NewFloat(0)
	default:
		return value.Nil
	}
}

// InitialVariables returns the initial variable vector.
func (p *Program) InitialVariables() []value.Value {
	vars := make([]value.Value, len(p.Variables))
	for i := range vars {
		vars[i] = p.Initial(i)
	}
	return vars
}

func (p *Program) String() string {
	return fmt.Sprintf("%s#%d v%d (%d vars)", p.Name, p.Index, p.Version, len(p.Variables))
}

// Recompile returns the successor of p with the given variables, recording remap in its history.
func (p *Program) Recompile(vars []Variable, remap []Remap) (*Program, error) {
	if len(remap) != len(vars) {
		return nil, errors.Errorf("program: %d remap entries for %d variables", len(remap), len(vars))
	}
	next := &Program{
		Index:     p.Index,
		Version:   p.Version + 1,
		Name:      p.Name,
		Variables: vars,
		History:   append(append([]Upgrade(nil), p.History...), Upgrade{From: p.Version, To: p.Version + 1, Remap: remap}),
	}
	return next, nil
}

// StepsFrom returns the remaps that bring a dataspace stored under version up to p.Version, in order.
func (p *Program) StepsFrom(version uint32) ([][]Remap, error) {
	var steps [][]Remap
	v := version
	for _, u := range p.History {
		if u.From == v {
			steps = append(steps, u.Remap)
			v = u.To
		}
	}
	if v != p.Version {
		return nil, errors.Errorf("program: %s has no upgrade path from version %d", p, version)
	}
	return steps, nil
}

// RemapOp says what happens to one variable slot of the new layout during an upgrade.
type RemapOp uint8

const (
	// RemapKeep copies the old slot From.
	RemapKeep RemapOp = iota
	RemapZeroInt
	RemapZeroFloat
	RemapNil
)

type Remap struct {
	Op   RemapOp `cbor:"1,keyasint"`
	From int     `cbor:"2,keyasint"`
}

func Keep(from int) Remap { return Remap{Op: RemapKeep, From: from} }

// BuildRemap matches the variables of next against prev by name. A variable that keeps its name keeps its value
// unless its declared type changed to one the old value cannot satisfy; everything else is reset for its type.
func BuildRemap(prev, next *Program) []Remap {
	old := make(map[string]int, len(prev.Variables))
	for i, v := range prev.Variables {
		old[v.Name] = i
	}
	remap := make([]Remap, len(next.Variables))
	for i, v := range next.Variables {
		if j, ok := old[v.Name]; ok && compatible(prev.Variables[j].Type, v.Type) {
			remap[i] = Keep(j)
			continue
		}
		remap[i] = reset(v.Type)
	}
	return remap
}

func compatible(from, to VarType) bool {
	return from == to || to == TypeMixed
}

func reset(t VarType) Remap {
	switch t {
	case TypeInt:
		return Remap{Op: RemapZeroInt}
	case TypeFloat:
		return Remap{Op: RemapZeroFloat}
	default:
		return Remap{Op: RemapNil}
	}
}

// Apply builds the new variable vector from old. Values of old slots that are not kept are returned in dropped so
// the caller can release them.
func Apply(remap []Remap, old []value.Value) (vars []value.Value, dropped []value.Value, err error) {
	vars = make([]value.Value, len(remap))
	kept := make([]bool, len(old))
	for i, r := range remap {
		switch r.Op {
		case RemapKeep:
			if r.From < 0 || r.From >= len(old) {
				return nil, nil, errors.Errorf("program: remap slot %d keeps out of range slot %d", i, r.From)
			}
			if kept[r.From] {
				return nil, nil, errors.Errorf("program: remap keeps slot %d twice", r.From)
			}
			kept[r.From] = true
			vars[i] = old[r.From]
		case RemapZeroInt:
			vars[i] = value.NewInt(0)
		case RemapZeroFloat:
			vars[i] = value.NewFloat(0)
		case RemapNil:
			vars[i] = value.Nil
		default:
			return nil, nil, errors.Errorf("program: unknown remap op %d", r.Op)
		}
	}
	for i, v := range old {
		if !kept[i] {
			dropped = append(dropped, v)
		}
	}
	return vars, dropped, nil
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("program: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal encodes p as a control block record.
func Marshal(p *Program) ([]byte, error) {
	data, err := encMode.Marshal(p)
	return data, errors.Trace(err)
}

// Unmarshal decodes a control block record.
func Unmarshal(data []byte) (*Program, error) {
	var p Program
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, errors.Annotate(err, "program: unmarshal control block")
	}
	return &p, nil
}
