// Package abi describes the named inputs of a compiled circuit and encodes
// JSON prover inputs into the flat public/secret vectors of a gnark witness.
//
// Leaves are ordered the way gnark's schema walker orders them: every public
// leaf in declaration order, then every private leaf in declaration order.
package abi

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/consensys/gnark/frontend"
)

// Kind is the shape of an ABI parameter.
type Kind string

const (
	KindField  Kind = "field"
	KindArray  Kind = "array"
	KindStruct Kind = "struct"
)

// Visibility tells whether a leaf input is part of the public witness.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// Type is the shape of a parameter. Array types carry Length and the element
// Type; struct types carry their Fields.
type Type struct {
	Kind   Kind    `json:"kind"`
	Length int     `json:"length,omitempty"`
	Type   *Type   `json:"type,omitempty"`
	Fields []Param `json:"fields,omitempty"`
}

// Param is a named parameter. Struct fields are Params too, with their
// visibility already resolved against the enclosing parameter.
type Param struct {
	Name       string     `json:"name"`
	Type       Type       `json:"type"`
	Visibility Visibility `json:"visibility"`
}

// ABI lists the top-level parameters of a circuit in declaration order.
type ABI struct {
	Parameters []Param `json:"parameters"`
}

var tVariable = reflect.TypeOf((*frontend.Variable)(nil)).Elem()

// FromCircuit derives the ABI of a gnark circuit from its struct tags. Slices
// must be allocated, since their length is part of the circuit shape.
func FromCircuit(circuit frontend.Circuit) (ABI, error) {
	v := reflect.ValueOf(circuit)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ABI{}, fmt.Errorf("abi: nil circuit")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ABI{}, fmt.Errorf("abi: circuit must be a struct, got %s", v.Kind())
	}

	params, err := structParams(v, Private, "")
	if err != nil {
		return ABI{}, err
	}
	if len(params) == 0 {
		return ABI{}, fmt.Errorf("abi: circuit %s has no inputs", v.Type())
	}
	return ABI{Parameters: params}, nil
}

func structParams(v reflect.Value, parent Visibility, path string) ([]Param, error) {
	t := v.Type()
	var params []Param

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}

		name, vis, skip, err := parseTag(f)
		if err != nil {
			return nil, fmt.Errorf("abi: %s%s: %w", path, f.Name, err)
		}
		if skip {
			continue
		}
		if vis == "" {
			vis = parent
		}

		typ, err := typeOf(v.Field(i), vis, path+name)
		if err != nil {
			return nil, err
		}
		if typ == nil {
			continue
		}
		params = append(params, Param{Name: name, Type: *typ, Visibility: vis})
	}

	return params, nil
}

func typeOf(v reflect.Value, vis Visibility, path string) (*Type, error) {
	if v.Type() == tVariable {
		return &Type{Kind: KindField}, nil
	}

	switch v.Kind() {
	case reflect.Array, reflect.Slice:
		if v.Len() == 0 {
			if v.Kind() == reflect.Slice && containsVariable(v.Type().Elem()) {
				return nil, fmt.Errorf("abi: %s: slice is not allocated", path)
			}
			return nil, nil
		}
		elem, err := typeOf(v.Index(0), vis, path+"[0]")
		if err != nil || elem == nil {
			return nil, err
		}
		return &Type{Kind: KindArray, Length: v.Len(), Type: elem}, nil
	case reflect.Struct:
		fields, err := structParams(v, vis, path+".")
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, nil
		}
		return &Type{Kind: KindStruct, Fields: fields}, nil
	}

	return nil, nil
}

func containsVariable(t reflect.Type) bool {
	switch {
	case t == tVariable:
		return true
	case t.Kind() == reflect.Array || t.Kind() == reflect.Slice:
		return containsVariable(t.Elem())
	case t.Kind() == reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() && containsVariable(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}

// parseTag reads a `gnark:"name,visibility"` tag.
func parseTag(f reflect.StructField) (name string, vis Visibility, skip bool, err error) {
	tag, ok := f.Tag.Lookup("gnark")
	if !ok {
		return f.Name, "", false, nil
	}
	if tag == "-" {
		return "", "", true, nil
	}

	parts := strings.Split(tag, ",")
	name = strings.TrimSpace(parts[0])
	if name == "" {
		name = f.Name
	}
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "public":
			vis = Public
		case "secret":
			vis = Private
		case "":
		default:
			return "", "", false, fmt.Errorf("unsupported tag option %q", opt)
		}
	}
	return name, vis, false, nil
}

// NbPublic returns the number of public leaves.
func (a ABI) NbPublic() int {
	pub, _ := a.Leaves()
	return len(pub)
}

// NbPrivate returns the number of private leaves.
func (a ABI) NbPrivate() int {
	_, priv := a.Leaves()
	return len(priv)
}

// Leaves returns the paths of the public and private leaves in witness order,
// for example "relayer.storage[3]".
func (a ABI) Leaves() (public, private []string) {
	for _, p := range a.Parameters {
		walkLeaves(p.Type, p.Visibility, p.Name, func(path string, vis Visibility) {
			if vis == Public {
				public = append(public, path)
			} else {
				private = append(private, path)
			}
		})
	}
	return public, private
}

func walkLeaves(t Type, vis Visibility, path string, fn func(string, Visibility)) {
	switch t.Kind {
	case KindField:
		fn(path, vis)
	case KindArray:
		for i := 0; i < t.Length; i++ {
			walkLeaves(*t.Type, vis, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	case KindStruct:
		for _, f := range t.Fields {
			walkLeaves(f.Type, f.Visibility, path+"."+f.Name, fn)
		}
	}
}

// Validate checks the structural consistency of an ABI read from an artifact.
func (a ABI) Validate() error {
	seen := make(map[string]bool, len(a.Parameters))
	for _, p := range a.Parameters {
		if seen[p.Name] {
			return fmt.Errorf("abi: duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if err := validateParam(p, p.Name); err != nil {
			return err
		}
	}
	return nil
}

func validateParam(p Param, path string) error {
	if p.Name == "" {
		return fmt.Errorf("abi: %s: empty name", path)
	}
	if p.Visibility != Public && p.Visibility != Private {
		return fmt.Errorf("abi: %s: invalid visibility %q", path, p.Visibility)
	}
	return validateType(p.Type, path)
}

func validateType(t Type, path string) error {
	switch t.Kind {
	case KindField:
		return nil
	case KindArray:
		if t.Length <= 0 || t.Type == nil {
			return fmt.Errorf("abi: %s: invalid array type", path)
		}
		return validateType(*t.Type, path+"[]")
	case KindStruct:
		if len(t.Fields) == 0 {
			return fmt.Errorf("abi: %s: empty struct", path)
		}
		seen := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if seen[f.Name] {
				return fmt.Errorf("abi: %s: duplicate field %q", path, f.Name)
			}
			seen[f.Name] = true
			if err := validateParam(f, path+"."+f.Name); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("abi: %s: unknown kind %q", path, t.Kind)
}
