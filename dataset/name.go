// Package dataset assembles the ASR and LM training and validation sets.
package dataset

import (
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/pkg/errors"
)

// ErrInvalidDatasetName is returned for validation set names with more than
// one ':'.
var ErrInvalidDatasetName = errors.New("invalid valid set")

// ParseDatasetName splits "tag:path" into its parts. A name without a tag
// uses the path as tag.
func ParseDatasetName(name string) (tag, path string, err error) {
	parts := strings.Split(name, ":")
	switch len(parts) {
	case 1:
		return name, name, nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", errors.Wrapf(ErrInvalidDatasetName, "%q", name)
	}
}

// Registry holds tagged datasets in tag order.
type Registry struct {
	m *treemap.Map
}

func NewRegistry() *Registry {
	return &Registry{m: treemap.NewWithStringComparator()}
}

func (r *Registry) Put(tag string, ds interface{}) {
	r.m.Put(tag, ds)
}

func (r *Registry) Get(tag string) (interface{}, bool) {
	return r.m.Get(tag)
}

// Tags returns the tags in ascending order.
func (r *Registry) Tags() []string {
	keys := r.m.Keys()
	tags := make([]string, len(keys))
	for i, k := range keys {
		tags[i] = k.(string)
	}
	return tags
}

func (r *Registry) Len() int {
	return r.m.Size()
}
