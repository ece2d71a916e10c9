package cistatsd

import (
	"sort"
	"strings"
)

// Tags represents a list of tags. Tags can be of two forms:
// 1. "key:value". "value" may contain column(s) as well.
// 2. "tag". No column.
// This is the wire format, TagMap is what callers build tags with.
type Tags []string

const (
	// HostTagKey is the tag key that carries the hostname on backends without a host field.
	HostTagKey = "host"
	unset      = "unknown"
)

// String returns a comma-separated string representation of the tags.
func (tags Tags) String() string {
	return strings.Join(tags, ",")
}

// SortedString sorts the tags alphabetically and returns
// a comma-separated string representation of the tags.
// Note that this method may mutate the original object.
func (tags Tags) SortedString() string {
	sort.Strings(tags)
	return tags.String()
}

// Concat returns a new Tags with the additional ones added
func (tags Tags) Concat(additional Tags) Tags {
	t := make(Tags, 0, len(tags)+len(additional))
	t = append(t, tags...)
	t = append(t, additional...)
	return t
}

// Copy returns a copy of the Tags
func (tags Tags) Copy() Tags {
	if tags == nil {
		return nil
	}
	tagCopy := make(Tags, len(tags))
	copy(tagCopy, tags)
	return tagCopy
}

// HasKey reports whether any tag uses the given key.
func (tags Tags) HasKey(key string) bool {
	for _, tag := range tags {
		k, _ := parseTag(tag)
		if k == key {
			return true
		}
	}
	return false
}

// ToMap converts the tags into a TagMap.  Bare tags are keyed by the tag itself
// with an empty value, so ToMap(tm.ToTags()) round trips.
func (tags Tags) ToMap() TagMap {
	tm := make(TagMap, len(tags))
	for _, tag := range tags {
		if i := strings.IndexByte(tag, ':'); i >= 0 {
			tm.Add(tag[:i], tag[i+1:])
		} else {
			tm.Add(tag, "")
		}
	}
	return tm
}

func parseTag(tag string) (string, string) {
	tokens := strings.SplitN(tag, ":", 2)
	if len(tokens) == 2 {
		return tokens[0], tokens[1]
	}
	return unset, tokens[0]
}

// TagMap holds a set of values per tag key.
type TagMap map[string]map[string]struct{}

// Add adds value to the set for key.  Blank keys are ignored.
func (tm TagMap) Add(key, value string) TagMap {
	key = strings.TrimSpace(key)
	if key == "" {
		return tm
	}
	values, ok := tm[key]
	if !ok {
		values = make(map[string]struct{}, 1)
		tm[key] = values
	}
	values[strings.TrimSpace(value)] = struct{}{}
	return tm
}

// Merge adds every value of other into tm.
func (tm TagMap) Merge(other TagMap) TagMap {
	for key, values := range other {
		for value := range values {
			tm.Add(key, value)
		}
	}
	return tm
}

// Copy returns a deep copy of the TagMap.
func (tm TagMap) Copy() TagMap {
	return make(TagMap, len(tm)).Merge(tm)
}

// ToTags flattens the map to "key:value" strings.  A key with several values
// produces one entry per value, an empty value produces the bare key.  The
// result is sorted.
func (tm TagMap) ToTags() Tags {
	n := 0
	for _, values := range tm {
		n += len(values)
	}
	tags := make(Tags, 0, n)
	for key, values := range tm {
		for value := range values {
			if value == "" {
				tags = append(tags, key)
			} else {
				tags = append(tags, key+":"+value)
			}
		}
	}
	sort.Strings(tags)
	return tags
}

// ParseTagList parses a list of "key:value" entries separated by commas or
// newlines, as found in the global tags setting.
func ParseTagList(s string) TagMap {
	tm := TagMap{}
	for _, field := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	}) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if i := strings.IndexByte(field, ':'); i >= 0 {
			tm.Add(field[:i], field[i+1:])
		} else {
			tm.Add(field, "")
		}
	}
	return tm
}
