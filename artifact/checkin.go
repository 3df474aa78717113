package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/crucible-build/crucible/blob"
	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/store"
)

// identifierPattern matches embedded "<kind>_<digest>" tokens inside file
// contents or symlink targets. Kept identical to store.ExtractReferences'
// pattern: the spec.md Open Question about pinning a single check-in
// scanner syntax is resolved in favor of the current identifier syntax
// only (see DESIGN.md).
var identifierPattern = regexp.MustCompile(`\b(?:blob|directory|file|symlink|package|target|resource|task|run|lock|user|login)_[0-9a-v]{52}\b`)

// fdSemaphore bounds concurrent open file descriptors during check-in
// (spec.md §4.4.4, "a process-wide semaphore of fixed size (default 16)
// guards open-file operations").
var fdSemaphore = semaphore.NewWeighted(16)

// CheckIn traverses the host filesystem tree rooted at path and produces
// an artifact identifier, storing every object it creates in s.
func CheckIn(ctx context.Context, s store.Store, path string) (id.ID, error) {
	a, err := checkInNode(ctx, s, path)
	if err != nil {
		return id.ID{}, err
	}
	return putArtifact(ctx, s, a)
}

func putArtifact(ctx context.Context, s store.Store, a Artifact) (id.ID, error) {
	body := Encode(a)
	objID := id.Of(idKindFor(a.Kind), body)
	if err := s.Put(ctx, objID, body); err != nil {
		return id.ID{}, err
	}
	return objID, nil
}

func checkInNode(ctx context.Context, s store.Store, path string) (Artifact, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Artifact{}, cerr.IOf(component, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return checkInSymlink(path)
	case info.IsDir():
		return checkInDir(ctx, s, path)
	case info.Mode().IsRegular():
		return checkInFile(ctx, s, path, info)
	default:
		return Artifact{}, cerr.Invalidf(component, "unsupported node type at %s", path)
	}
}

func checkInDir(ctx context.Context, s store.Store, path string) (Artifact, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return Artifact{}, cerr.IOf(component, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	dirEntries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		childArtifact, err := checkInNode(ctx, s, filepath.Join(path, name))
		if err != nil {
			return Artifact{}, err
		}
		childID, err := putArtifact(ctx, s, childArtifact)
		if err != nil {
			return Artifact{}, err
		}
		dirEntries = append(dirEntries, DirEntry{Name: name, ID: childID})
	}
	return Artifact{Kind: KindDirectory, Directory: Directory{Entries: dirEntries}}, nil
}

func checkInFile(ctx context.Context, s store.Store, path string, info os.FileInfo) (Artifact, error) {
	// The semaphore guards only this function's own open file descriptor,
	// never a span that recurses back into checkInNode: a directory chain
	// nested deeper than the semaphore's weight would otherwise deadlock,
	// since none of the held ancestor tokens could release until their
	// blocked descendants finished.
	if err := fdSemaphore.Acquire(ctx, 1); err != nil {
		return Artifact{}, cerr.New(cerr.Canceled, component, err)
	}
	defer fdSemaphore.Release(1)

	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, cerr.IOf(component, err)
	}
	defer f.Close()

	blobID, err := blob.Chunk(ctx, s, f)
	if err != nil {
		return Artifact{}, cerr.IOf(component, err)
	}

	data, err := blob.ReadAll(ctx, s, blobID)
	if err != nil {
		return Artifact{}, err
	}
	references := scanReferences(data)

	executable := info.Mode()&0o111 != 0
	return Artifact{Kind: KindFile, File: File{
		BlobID:     blobID,
		Executable: executable,
		References: references,
	}}, nil
}

func checkInSymlink(path string) (Artifact, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return Artifact{}, cerr.IOf(component, err)
	}
	return Artifact{Kind: KindSymlink, Symlink: Symlink{Components: parseSymlinkTemplate(target)}}, nil
}

// scanReferences extracts every embedded identifier token from data,
// deduplicated and in first-seen order.
func scanReferences(data []byte) []id.ID {
	matches := identifierPattern.FindAll(data, -1)
	seen := make(map[string]bool, len(matches))
	var refs []id.ID
	for _, m := range matches {
		s := string(m)
		if seen[s] {
			continue
		}
		seen[s] = true
		parsed, err := id.Parse(s)
		if err != nil {
			continue
		}
		refs = append(refs, parsed)
	}
	return refs
}

// parseSymlinkTemplate splits a symlink target string into literal and
// artifact-reference components by locating embedded identifier tokens.
func parseSymlinkTemplate(target string) []TemplateComponent {
	locs := identifierPattern.FindAllStringIndex(target, -1)
	if locs == nil {
		return []TemplateComponent{{Literal: target}}
	}
	var comps []TemplateComponent
	pos := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if start > pos {
			comps = append(comps, TemplateComponent{Literal: target[pos:start]})
		}
		token := target[start:end]
		if parsed, err := id.Parse(token); err == nil {
			comps = append(comps, TemplateComponent{IsRef: true, ArtifactRef: parsed})
		} else {
			comps = append(comps, TemplateComponent{Literal: token})
		}
		pos = end
	}
	if pos < len(target) {
		comps = append(comps, TemplateComponent{Literal: target[pos:]})
	}
	return comps
}

// renderTemplate joins template components into a flat string, resolving
// each artifact reference via resolve (used both for check-out symlink
// writing and for general template rendering in target evaluation).
func renderTemplate(comps []TemplateComponent, resolve func(id.ID) (string, error)) (string, error) {
	var b strings.Builder
	for _, c := range comps {
		if !c.IsRef {
			b.WriteString(c.Literal)
			continue
		}
		resolved, err := resolve(c.ArtifactRef)
		if err != nil {
			return "", fmt.Errorf("render template: %w", err)
		}
		b.WriteString(resolved)
	}
	return b.String(), nil
}
