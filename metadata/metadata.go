// Package metadata holds ordered call metadata and the key/value legality
// rules applied before metadata reaches a transport.
package metadata

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	grpcmd "google.golang.org/grpc/metadata"
)

// BinarySuffix marks keys whose values may hold arbitrary bytes.
const BinarySuffix = "-bin"

var (
	ErrEmptyKey     = errors.New("metadata: empty key")
	ErrIllegalKey   = errors.New("metadata: illegal key")
	ErrIllegalValue = errors.New("metadata: illegal value")
)

// Pair is a single metadata entry.
type Pair struct {
	Key   string
	Value []byte
}

// MD is an ordered list of entries. Keys may repeat.
type MD []Pair

// Pairs builds MD from alternating keys and values.
func Pairs(kv ...string) MD {
	if len(kv)%2 == 1 {
		panic(fmt.Sprintf("metadata: Pairs got the odd number of input pairs: %d", len(kv)))
	}
	md := make(MD, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		md = append(md, Pair{kv[i], []byte(kv[i+1])})
	}
	return md
}

func (md MD) Append(k string, v []byte) MD { return append(md, Pair{k, v}) }

// Get returns every value stored for k.
func (md MD) Get(k string) [][]byte {
	var vals [][]byte
	for _, p := range md {
		if p.Key == k {
			vals = append(vals, p.Value)
		}
	}
	return vals
}

// Clone makes a deep copy.
func (md MD) Clone() MD {
	if md == nil {
		return nil
	}
	c := make(MD, len(md))
	for i, p := range md {
		c[i] = Pair{p.Key, append([]byte(nil), p.Value...)}
	}
	return c
}

// Validate checks every entry, returning the first violation.
func (md MD) Validate() error {
	for _, p := range md {
		if err := ValidatePair(p.Key, p.Value); err != nil {
			return err
		}
	}
	return nil
}

func IsBinaryKey(k string) bool { return strings.HasSuffix(k, BinarySuffix) }

// ValidateKey requires a non-empty key built from [a-z0-9-_.].
func ValidateKey(k string) error {
	if k == "" {
		return ErrEmptyKey
	}
	for i := 0; i < len(k); i++ {
		if !legalKeyByte(k[i]) {
			return fmt.Errorf("%w %q: byte %q at %d", ErrIllegalKey, k, k[i], i)
		}
	}
	return nil
}

// ValidateValue accepts printable ASCII, or anything for binary keys.
func ValidateValue(k string, v []byte) error {
	if IsBinaryKey(k) {
		return nil
	}
	for i, b := range v {
		if b < 0x20 || b > 0x7e {
			return fmt.Errorf("%w for %q: byte 0x%02x at %d", ErrIllegalValue, k, b, i)
		}
	}
	return nil
}

func ValidatePair(k string, v []byte) error {
	if err := ValidateKey(k); err != nil {
		return err
	}
	return ValidateValue(k, v)
}

func legalKeyByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '-', b == '_', b == '.':
		return true
	}
	return false
}

// FromGRPC converts grpc-go metadata. Key order follows sorted keys since the
// source map carries none.
func FromGRPC(in grpcmd.MD) MD {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var md MD
	for _, k := range keys {
		for _, v := range in[k] {
			md = append(md, Pair{k, []byte(v)})
		}
	}
	return md
}

// GRPC converts md into grpc-go metadata.
func (md MD) GRPC() grpcmd.MD {
	out := make(grpcmd.MD, len(md))
	for _, p := range md {
		out[p.Key] = append(out[p.Key], string(p.Value))
	}
	return out
}
