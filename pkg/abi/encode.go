package abi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"sort"
	"strings"
)

var ErrInvalidInput = errors.New("abi: invalid input")

// Assignment is the flat witness vector produced by Encode.
type Assignment struct {
	Public  []*big.Int
	Private []*big.Int
}

// ReadInputs decodes a prover input document. Numbers are kept as
// json.Number so that large field elements survive decoding.
func ReadInputs(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var inputs map[string]any
	if err := dec.Decode(&inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if inputs == nil {
		return nil, fmt.Errorf("%w: input document is empty", ErrInvalidInput)
	}
	return inputs, nil
}

// Encode flattens inputs into witness order. Every value must lie in
// [0, modulus). Arrays must have the exact ABI length and objects the exact
// ABI fields; unknown names are rejected.
func (a ABI) Encode(inputs map[string]any, modulus *big.Int) (*Assignment, error) {
	if err := checkKeys(inputs, a.Parameters, ""); err != nil {
		return nil, err
	}

	out := &Assignment{}
	for _, p := range a.Parameters {
		if err := encodeValue(out, p.Type, p.Visibility, inputs[p.Name], p.Name, modulus); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeValue(out *Assignment, t Type, vis Visibility, value any, path string, modulus *big.Int) error {
	switch t.Kind {
	case KindField:
		v, err := ParseValue(value, modulus)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidInput, path, err)
		}
		if vis == Public {
			out.Public = append(out.Public, v)
		} else {
			out.Private = append(out.Private, v)
		}
		return nil

	case KindArray:
		rv := reflect.ValueOf(value)
		if value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return fmt.Errorf("%w: %s: expected array of %d, got %T", ErrInvalidInput, path, t.Length, value)
		}
		if rv.Len() != t.Length {
			return fmt.Errorf("%w: %s: expected %d elements, got %d", ErrInvalidInput, path, t.Length, rv.Len())
		}
		for i := 0; i < t.Length; i++ {
			if err := encodeValue(out, *t.Type, vis, rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i), modulus); err != nil {
				return err
			}
		}
		return nil

	case KindStruct:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s: expected object, got %T", ErrInvalidInput, path, value)
		}
		if err := checkKeys(obj, t.Fields, path+"."); err != nil {
			return err
		}
		for _, f := range t.Fields {
			if err := encodeValue(out, f.Type, f.Visibility, obj[f.Name], path+"."+f.Name, modulus); err != nil {
				return err
			}
		}
		return nil
	}

	return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidInput, path, t.Kind)
}

func checkKeys(obj map[string]any, params []Param, prefix string) error {
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
		if _, ok := obj[p.Name]; !ok {
			return fmt.Errorf("%w: missing %s%s", ErrInvalidInput, prefix, p.Name)
		}
	}

	var unknown []string
	for k := range obj {
		if !known[k] {
			unknown = append(unknown, prefix+k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unexpected %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}
	return nil
}

// ParseValue converts a JSON scalar into a field element. Strings may be
// decimal or 0x-prefixed hex. Values outside [0, modulus) are rejected, not
// reduced.
func ParseValue(value any, modulus *big.Int) (*big.Int, error) {
	var (
		v  *big.Int
		ok bool
	)

	switch x := value.(type) {
	case json.Number:
		v, ok = new(big.Int).SetString(x.String(), 10)
		if !ok {
			return nil, fmt.Errorf("not an integer: %q", x.String())
		}
	case string:
		v, ok = parseString(x)
		if !ok {
			return nil, fmt.Errorf("not an integer: %q", x)
		}
	case float64:
		if x != float64(int64(x)) || x > 1<<53 || x < -(1<<53) {
			return nil, fmt.Errorf("not an exact integer: %v", x)
		}
		v = big.NewInt(int64(x))
	case bool:
		v = big.NewInt(0)
		if x {
			v.SetInt64(1)
		}
	case int:
		v = big.NewInt(int64(x))
	case int64:
		v = big.NewInt(x)
	case uint64:
		v = new(big.Int).SetUint64(x)
	case *big.Int:
		if x == nil {
			return nil, fmt.Errorf("nil value")
		}
		v = new(big.Int).Set(x)
	case nil:
		return nil, fmt.Errorf("missing value")
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}

	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", v)
	}
	if modulus != nil && v.Cmp(modulus) >= 0 {
		return nil, fmt.Errorf("value %s exceeds the field modulus", v)
	}
	return v, nil
}

func parseString(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return nil, false
		}
		return new(big.Int).SetString(s[2:], 16)
	}
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}
