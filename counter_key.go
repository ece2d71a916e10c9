package cistatsd

import (
	"sort"
	"strings"
)

// CounterKey identifies one aggregated counter.  It is comparable and is used
// directly as a map key.  The tag set is canonicalised (sorted, de-duplicated)
// on construction so two keys built from the same tags in any order are equal.
type CounterKey struct {
	Name     string
	Hostname string // empty means unset
	tagsKey  string
}

// tagsKeySeparator joins the tags of a key.  Tags may contain commas, NUL
// never appears in a tag.
const tagsKeySeparator = "\x00"

// NewCounterKey builds a CounterKey.  The tags are not retained.
func NewCounterKey(name, hostname string, tags Tags) CounterKey {
	return CounterKey{
		Name:     name,
		Hostname: hostname,
		tagsKey:  formatTagsKey(tags),
	}
}

// Tags returns the tag set of the key as a new sorted slice.
func (k CounterKey) Tags() Tags {
	if k.tagsKey == "" {
		return nil
	}
	return strings.Split(k.tagsKey, tagsKeySeparator)
}

// TagsKey returns the canonical NUL-joined tag set.
func (k CounterKey) TagsKey() string {
	return k.tagsKey
}

func (k CounterKey) String() string {
	return k.Name + "|" + k.Hostname + "|" + strings.Join(k.Tags(), ",")
}

func formatTagsKey(tags Tags) string {
	switch len(tags) {
	case 0:
		return ""
	case 1:
		return tags[0]
	}
	sorted := tags.Copy()
	sort.Strings(sorted)
	n := 0
	for i, tag := range sorted {
		if i > 0 && tag == sorted[n-1] {
			continue
		}
		sorted[n] = tag
		n++
	}
	return strings.Join(sorted[:n], tagsKeySeparator)
}
