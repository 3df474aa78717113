// Package id defines the typed, content-addressed identifiers shared by
// every layer of the build engine: "<kind>_<digest>", where digest is a
// blake2b-256 hash of the object's canonical byte encoding rendered in a
// url-safe alphabet.
package id

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Kind tags the type of object an ID refers to.
type Kind string

const (
	KindBlob      Kind = "blob"
	KindDirectory Kind = "directory"
	KindFile      Kind = "file"
	KindSymlink   Kind = "symlink"
	KindPackage   Kind = "package"
	KindTarget    Kind = "target"
	KindResource  Kind = "resource"
	KindTask      Kind = "task"
	KindRun       Kind = "run"
	KindLock      Kind = "lock"
	KindUser      Kind = "user"
	KindLogin     Kind = "login"
)

var validKinds = map[Kind]bool{
	KindBlob: true, KindDirectory: true, KindFile: true, KindSymlink: true,
	KindPackage: true, KindTarget: true, KindResource: true, KindTask: true,
	KindRun: true, KindLock: true, KindUser: true, KindLogin: true,
}

// ErrInvalidID is returned when a textual ID fails to parse.
var ErrInvalidID = errors.New("id: invalid identifier")

// digestEncoding renders a blake2b-256 digest as a fixed-length,
// lowercase, url-safe token.
var digestEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

const digestLen = 32 // bytes, blake2b-256

// ID is a typed, opaque, printable identifier of the form "<kind>_<digest>".
type ID struct {
	kind   Kind
	digest [digestLen]byte
}

// Of computes the identifier for a kind and canonical byte body.
func Of(kind Kind, body []byte) ID {
	sum := blake2b.Sum256(body)
	return ID{kind: kind, digest: sum}
}

// Kind returns the identifier's kind.
func (i ID) Kind() Kind { return i.kind }

// Digest returns a copy of the raw digest bytes.
func (i ID) Digest() []byte {
	out := make([]byte, digestLen)
	copy(out, i.digest[:])
	return out
}

// IsZero reports whether i is the zero value (not a valid identifier).
func (i ID) IsZero() bool { return i.kind == "" }

// String renders the identifier in its canonical textual form.
func (i ID) String() string {
	if i.IsZero() {
		return ""
	}
	return string(i.kind) + "_" + digestEncoding.EncodeToString(i.digest[:])
}

// MarshalText implements encoding.TextMarshaler so IDs serialize cleanly
// as map keys and JSON values.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Parse parses a textual identifier, validating its kind and digest length.
func Parse(s string) (ID, error) {
	idx := strings.IndexByte(s, '_')
	if idx <= 0 || idx == len(s)-1 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	kind := Kind(s[:idx])
	if !validKinds[kind] {
		return ID{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidID, kind)
	}
	raw, err := digestEncoding.DecodeString(s[idx+1:])
	if err != nil || len(raw) != digestLen {
		return ID{}, fmt.Errorf("%w: bad digest in %q", ErrInvalidID, s)
	}
	var out ID
	out.kind = kind
	copy(out.digest[:], raw)
	return out, nil
}

// MustParse is like Parse but panics on error; useful for literals in
// tests and constant-like identifiers.
func MustParse(s string) ID {
	out, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return out
}

// Equal reports whether two identifiers are the same.
func (i ID) Equal(other ID) bool {
	return i.kind == other.kind && i.digest == other.digest
}
