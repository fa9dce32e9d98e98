// Package identifier provides the hierarchical resource identifier used
// throughout the repository.
//
// A ResourceID is an immutable value. Its full form is the repository
// prefix followed by slash-separated path segments, optionally followed by
// extension segments:
//
//	info:cluso/a/b                          resource
//	info:cluso/a/b/fcr:metadata             description of a/b
//	info:cluso/a/b/fcr:versions/20240102150405  memento of a/b
package identifier

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Prefix is the full identifier of the repository root.
	Prefix = "info:cluso"

	// DescriptionExtension names the description variant of a resource.
	DescriptionExtension = "fcr:metadata"

	// VersionsExtension names the version container of a resource.
	VersionsExtension = "fcr:versions"

	// MementoLayout is the time layout of the memento segment (UTC, second precision).
	MementoLayout = "20060102150405"

	extensionMarker = "fcr:"
)

var (
	ErrEmptyID        = errors.New("empty resource identifier")
	ErrOutsideRoot    = errors.New("relative path resolves above the repository root")
	ErrInvalidMemento = errors.New("invalid memento timestamp")
)

// ResourceID is a hierarchical repository identifier.
type ResourceID struct {
	full string
}

// Root returns the identifier of the repository root.
func Root() ResourceID {
	return ResourceID{full: Prefix}
}

// New builds an identifier from a path or a full identifier.
// Leading and trailing slashes are ignored; an empty path is the root.
func New(path string) ResourceID {
	p := strings.TrimSpace(path)
	if p == Prefix || strings.HasPrefix(p, Prefix+"/") {
		p = strings.TrimPrefix(p, Prefix)
	}
	p = strings.Trim(p, "/")
	if p == "" {
		return Root()
	}
	return ResourceID{full: Prefix + "/" + collapseSlashes(p)}
}

// Parse validates a full identifier string.
func Parse(full string) (ResourceID, error) {
	if strings.TrimSpace(full) == "" {
		return ResourceID{}, ErrEmptyID
	}
	if full != Prefix && !strings.HasPrefix(full, Prefix+"/") {
		return ResourceID{}, fmt.Errorf("identifier %q does not start with %s", full, Prefix)
	}
	id := New(full)
	if id.IsMemento() {
		if _, ok := id.MementoInstant(); !ok {
			return ResourceID{}, fmt.Errorf("%w in %q", ErrInvalidMemento, full)
		}
	}
	return id, nil
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// IsZero reports whether the identifier was never initialised.
func (id ResourceID) IsZero() bool {
	return id.full == ""
}

// FullID returns the complete identifier including extensions.
func (id ResourceID) FullID() string {
	if id.full == "" {
		return Prefix
	}
	return id.full
}

// String implements fmt.Stringer.
func (id ResourceID) String() string {
	return id.FullID()
}

// BaseID returns the identifier of the resource with all extensions removed.
func (id ResourceID) BaseID() string {
	full := id.FullID()
	if i := strings.Index(full, "/"+extensionMarker); i >= 0 {
		return full[:i]
	}
	return full
}

// Base returns the resource identifier with all extensions removed.
func (id ResourceID) Base() ResourceID {
	return ResourceID{full: id.BaseID()}
}

// ResourcePath returns the path portion of the base identifier, e.g. "/a/b".
// The root has an empty path.
func (id ResourceID) ResourcePath() string {
	return strings.TrimPrefix(id.BaseID(), Prefix)
}

// IsRepositoryRoot reports whether the identifier refers to the root.
func (id ResourceID) IsRepositoryRoot() bool {
	return id.BaseID() == Prefix
}

func (id ResourceID) extensions() []string {
	full := id.FullID()
	base := id.BaseID()
	if len(full) == len(base) {
		return nil
	}
	return strings.Split(strings.TrimPrefix(full[len(base):], "/"), "/")
}

// IsDescription reports whether the identifier is a description variant.
func (id ResourceID) IsDescription() bool {
	for _, ext := range id.extensions() {
		if ext == DescriptionExtension {
			return true
		}
	}
	return false
}

// IsMemento reports whether the identifier carries a memento timestamp.
func (id ResourceID) IsMemento() bool {
	exts := id.extensions()
	for i, ext := range exts {
		if ext == VersionsExtension && i+1 < len(exts) {
			return true
		}
	}
	return false
}

// MementoInstant returns the instant encoded in a memento identifier.
func (id ResourceID) MementoInstant() (time.Time, bool) {
	exts := id.extensions()
	for i, ext := range exts {
		if ext == VersionsExtension && i+1 < len(exts) {
			t, err := time.ParseInLocation(MementoLayout, exts[i+1], time.UTC)
			if err != nil {
				return time.Time{}, false
			}
			return t, true
		}
	}
	return time.Time{}, false
}

// AsDescription returns the description variant of the resource.
func (id ResourceID) AsDescription() ResourceID {
	if id.IsDescription() && !id.IsMemento() {
		return id
	}
	return ResourceID{full: id.BaseID() + "/" + DescriptionExtension}
}

// AsMemento returns the memento of the resource (or of its description) at t.
func (id ResourceID) AsMemento(t time.Time) ResourceID {
	base := id.BaseID()
	if id.IsDescription() {
		base += "/" + DescriptionExtension
	}
	return ResourceID{full: base + "/" + VersionsExtension + "/" + t.UTC().Format(MementoLayout)}
}

// Resolve resolves a relative path against the base resource. A leading
// slash resolves from the repository root; "." and ".." segments are honoured.
func (id ResourceID) Resolve(rel string) (ResourceID, error) {
	var segments []string
	if !strings.HasPrefix(rel, "/") {
		if p := strings.Trim(id.ResourcePath(), "/"); p != "" {
			segments = strings.Split(p, "/")
		}
	}
	for _, seg := range strings.Split(rel, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segments) == 0 {
				return ResourceID{}, fmt.Errorf("resolve %q against %s: %w", rel, id, ErrOutsideRoot)
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, seg)
		}
	}
	return New(strings.Join(segments, "/")), nil
}

// Parent returns the path parent of the base resource. The root is its own parent.
func (id ResourceID) Parent() ResourceID {
	p := strings.Trim(id.ResourcePath(), "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return Root()
	}
	return New(p[:i])
}

// Ancestors returns the path ancestors of the base resource, nearest first,
// excluding the repository root.
func (id ResourceID) Ancestors() []ResourceID {
	var out []ResourceID
	for cur := id.Parent(); !cur.IsRepositoryRoot(); cur = cur.Parent() {
		out = append(out, cur)
	}
	return out
}

// HasPathPrefix reports whether id lies strictly beneath prefix in the path
// hierarchy. Matching is segment-aware: "a/bc" is not beneath "a/b".
func (id ResourceID) HasPathPrefix(prefix ResourceID) bool {
	return strings.HasPrefix(id.FullID(), prefix.BaseID()+"/")
}
