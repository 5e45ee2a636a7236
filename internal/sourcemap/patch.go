package sourcemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/angeld23/axosync/internal/errs"
)

// Patch is one operation of a batch sent by the editor plugin.
//
// Path addresses the target by child names from the root; the last element
// is the name being inserted, replaced or removed. An empty Path targets the
// root itself. A nil Value deletes; a non-nil Value upserts.
type Patch struct {
	Path  []string  `json:"path"`
	Value *Instance `json:"value,omitempty"`

	// NoOverwriteChildren keeps the replaced node's existing children
	// instead of the ones carried by Value. Only the replaced node is
	// affected, nested descendants of Value are not merged.
	NoOverwriteChildren bool `json:"noOverwriteChildren,omitempty"`
}

// IsDelete reports whether the patch removes its target.
func (p Patch) IsDelete() bool {
	return p.Value == nil
}

// DecodeBatch reads a JSON array of patches from r. The array must be the
// only value in the input; anything after it other than whitespace fails
// the whole batch.
func DecodeBatch(r io.Reader) ([]Patch, error) {
	dec := json.NewDecoder(r)

	var patches []Patch
	if err := dec.Decode(&patches); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after patch array at offset %d", dec.InputOffset())
	}
	return patches, nil
}

// Apply runs patches in order against a copy of root and returns the
// resulting tree. Each patch sees the result of the ones before it.
//
// On failure Apply returns an *errs.AddressError carrying the index of the
// first failing patch, and root is left untouched. The returned tree never
// shares memory with root or with the patch values.
//
// Lookups that need a single node (walking intermediate path elements, or
// picking the node an upsert replaces) take the first child with a matching
// name. Deletes remove every child with the matching name.
func Apply(root *Instance, patches []Patch) (*Instance, error) {
	top := root.Clone()
	if top == nil {
		top = &Instance{}
	}

	for idx, p := range patches {
		next, err := applyOne(top, idx, p)
		if err != nil {
			return nil, err
		}
		top = next
	}

	return top, nil
}

// applyOne mutates top in place and returns the (possibly replaced) root.
func applyOne(top *Instance, idx int, p Patch) (*Instance, error) {
	if len(p.Path) == 0 {
		if p.Value == nil {
			return nil, &errs.AddressError{Index: idx, Reason: "empty address requires a value"}
		}
		// Whole-tree replacement, NoOverwriteChildren does not apply here
		return p.Value.Clone(), nil
	}

	parent, err := walk(top, idx, p.Path[:len(p.Path)-1])
	if err != nil {
		return nil, err
	}

	name := p.Path[len(p.Path)-1]

	if p.Value == nil {
		parent.removeChildren(name)
		return top, nil
	}

	value := p.Value.Clone()
	if existing := parent.firstChildIndex(name); existing >= 0 {
		if p.NoOverwriteChildren {
			value.Children = parent.Children[existing].Children
		}
		parent.Children[existing] = value
	} else {
		parent.Children = append(parent.Children, value)
	}

	return top, nil
}

// walk follows names from top and returns the node reached. It never
// creates missing nodes.
func walk(top *Instance, idx int, names []string) (*Instance, error) {
	current := top
	for _, name := range names {
		next := current.FindFirstChild(name)
		if next == nil {
			return nil, &errs.AddressError{
				Index:       idx,
				Segment:     name,
				ParentClass: current.ClassName,
				ParentName:  current.Name,
			}
		}
		current = next
	}
	return current, nil
}
