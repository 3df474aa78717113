// Package artifact implements the artifact model (spec.md §4.4): the
// tagged union {Directory, File, Symlink} over blobs, and the check-in /
// check-out conversions between the object store and a host filesystem
// tree.
package artifact

import (
	"fmt"
	"sort"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
)

const component = "artifact"

// Kind distinguishes the three artifact variants.
type Kind uint8

const (
	KindDirectory Kind = iota
	KindFile
	KindSymlink
)

// DirEntry is one named child of a Directory artifact.
type DirEntry struct {
	Name string
	ID   id.ID
}

// Directory is a mapping from name to artifact identifier. Entries are
// kept sorted lexicographically by name, matching the canonical
// encoding's ordering requirement.
type Directory struct {
	Entries []DirEntry
}

// File is a regular file: its contents (as a blob), whether it is
// executable, and the set of other artifacts its contents textually
// embed (spec.md "References").
type File struct {
	BlobID     id.ID
	Executable bool
	References []id.ID
}

// TemplateComponent is one piece of a Symlink's target template: either a
// literal string or a reference to another artifact.
type TemplateComponent struct {
	Literal     string
	ArtifactRef id.ID // zero if this component is a literal
	IsRef       bool
}

// Symlink is a template whose rendering (once every artifact component
// has a projected path) is the link's target string.
type Symlink struct {
	Components []TemplateComponent
}

// Artifact is the tagged union over the three variants. Exactly one of
// Directory, File, Symlink is populated, selected by Kind.
type Artifact struct {
	Kind      Kind
	Directory Directory
	File      File
	Symlink   Symlink
}

// References returns the set of artifact identifiers this artifact's
// contents directly mention, used to compute the reference closure on
// check-out (spec.md "Reference closure on check-out").
func (a Artifact) References() []id.ID {
	switch a.Kind {
	case KindDirectory:
		refs := make([]id.ID, 0, len(a.Directory.Entries))
		for _, e := range a.Directory.Entries {
			refs = append(refs, e.ID)
		}
		return refs
	case KindFile:
		return a.File.References
	case KindSymlink:
		var refs []id.ID
		for _, c := range a.Symlink.Components {
			if c.IsRef {
				refs = append(refs, c.ArtifactRef)
			}
		}
		return refs
	default:
		return nil
	}
}

func encodeTemplate(comps []TemplateComponent, enc *id.Encoder) {
	enc.WriteUint64(uint64(len(comps)))
	for _, c := range comps {
		enc.WriteBool(c.IsRef)
		if c.IsRef {
			enc.WriteID(c.ArtifactRef)
		} else {
			enc.WriteString(c.Literal)
		}
	}
}

func decodeTemplate(dec *id.Decoder) []TemplateComponent {
	n := dec.ReadUint64()
	comps := make([]TemplateComponent, 0, n)
	for i := uint64(0); i < n; i++ {
		isRef := dec.ReadBool()
		if isRef {
			comps = append(comps, TemplateComponent{IsRef: true, ArtifactRef: dec.ReadID()})
		} else {
			comps = append(comps, TemplateComponent{Literal: dec.ReadString()})
		}
	}
	return comps
}

// Encode produces the canonical object body for a, suitable for
// id.Of(id.Kind<Variant>, body) and store.Put.
func Encode(a Artifact) []byte {
	enc := id.NewEncoder()
	enc.WriteUint8(uint8(a.Kind))
	switch a.Kind {
	case KindDirectory:
		entries := append([]DirEntry(nil), a.Directory.Entries...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		enc.WriteUint64(uint64(len(entries)))
		for _, e := range entries {
			enc.WriteString(e.Name)
			enc.WriteID(e.ID)
		}
	case KindFile:
		enc.WriteID(a.File.BlobID)
		enc.WriteBool(a.File.Executable)
		refs := append([]id.ID(nil), a.File.References...)
		enc.WriteUint64(uint64(len(refs)))
		for _, r := range refs {
			enc.WriteID(r)
		}
	case KindSymlink:
		encodeTemplate(a.Symlink.Components, enc)
	}
	return enc.Bytes()
}

// Decode parses the canonical object body produced by Encode.
func Decode(body []byte) (Artifact, error) {
	dec, err := id.NewDecoder(body)
	if err != nil {
		return Artifact{}, cerr.Invalidf(component, "decode artifact: %w", err)
	}
	kind := Kind(dec.ReadUint8())
	var a Artifact
	a.Kind = kind
	switch kind {
	case KindDirectory:
		n := dec.ReadUint64()
		entries := make([]DirEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			name := dec.ReadString()
			eid := dec.ReadID()
			entries = append(entries, DirEntry{Name: name, ID: eid})
		}
		a.Directory = Directory{Entries: entries}
	case KindFile:
		blobID := dec.ReadID()
		exec := dec.ReadBool()
		n := dec.ReadUint64()
		refs := make([]id.ID, 0, n)
		for i := uint64(0); i < n; i++ {
			refs = append(refs, dec.ReadID())
		}
		a.File = File{BlobID: blobID, Executable: exec, References: refs}
	case KindSymlink:
		a.Symlink = Symlink{Components: decodeTemplate(dec)}
	default:
		return Artifact{}, cerr.Invalidf(component, "decode artifact: unknown kind %d", kind)
	}
	if dec.Err() != nil {
		return Artifact{}, cerr.Invalidf(component, "decode artifact: %w", dec.Err())
	}
	if !dec.Done() {
		return Artifact{}, cerr.Invalidf(component, "decode artifact: trailing bytes")
	}
	return a, nil
}

// idKindFor maps an artifact Kind to its id.Kind for hashing/storage.
func idKindFor(k Kind) id.Kind {
	switch k {
	case KindDirectory:
		return id.KindDirectory
	case KindFile:
		return id.KindFile
	case KindSymlink:
		return id.KindSymlink
	default:
		panic(fmt.Sprintf("artifact: unknown kind %d", k))
	}
}

// ID computes the content-addressed identifier for a.
func ID(a Artifact) id.ID {
	return id.Of(idKindFor(a.Kind), Encode(a))
}
