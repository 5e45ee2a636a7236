// Package sourcemap provides the persisted instance tree and the patch
// engine that mutates it.
package sourcemap

// Instance is a node of the sourcemap tree. The root Instance is the whole
// document; each child is addressed by its Name within the parent's list.
// Names are not unique, lookups take the first match in list order.
type Instance struct {
	Name      string `json:"name" yaml:"name"`
	ClassName string `json:"className" yaml:"className"`

	// PluginManaged marks nodes owned by the editor plugin.
	PluginManaged bool `json:"pluginManaged,omitempty" yaml:"pluginManaged,omitempty"`

	FilePaths []string    `json:"filePaths,omitempty" yaml:"filePaths,omitempty"`
	Children  []*Instance `json:"children,omitempty" yaml:"children,omitempty"`
}

// Clone returns a deep copy of the instance and all of its descendants.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}

	out := &Instance{
		Name:          i.Name,
		ClassName:     i.ClassName,
		PluginManaged: i.PluginManaged,
	}
	if len(i.FilePaths) > 0 {
		out.FilePaths = append([]string(nil), i.FilePaths...)
	}
	for _, child := range i.Children {
		// null entries in a decoded document are dropped
		if child != nil {
			out.Children = append(out.Children, child.Clone())
		}
	}
	return out
}

// FindFirstChild returns the first direct child named name, or nil.
func (i *Instance) FindFirstChild(name string) *Instance {
	if idx := i.firstChildIndex(name); idx >= 0 {
		return i.Children[idx]
	}
	return nil
}

func (i *Instance) firstChildIndex(name string) int {
	for idx, child := range i.Children {
		if child.Name == name {
			return idx
		}
	}
	return -1
}

// removeChildren drops every direct child named name and reports how many
// were removed.
func (i *Instance) removeChildren(name string) int {
	kept := i.Children[:0]
	for _, child := range i.Children {
		if child.Name != name {
			kept = append(kept, child)
		}
	}
	removed := len(i.Children) - len(kept)
	for n := len(kept); n < len(i.Children); n++ {
		i.Children[n] = nil
	}
	i.Children = kept
	if len(i.Children) == 0 {
		i.Children = nil
	}
	return removed
}

// Count returns the number of nodes in the subtree rooted at i.
func (i *Instance) Count() int {
	if i == nil {
		return 0
	}
	total := 1
	for _, child := range i.Children {
		total += child.Count()
	}
	return total
}
