// Package metadata carries per-call string attachments as a case-insensitive
// multimap, the same shape HTTP/2 headers take on the wire.
package metadata

import "strings"

// MD maps lower-cased keys to value lists.
type MD map[string][]string

// New builds an MD from key/value pairs. Odd trailing arguments are dropped.
func New(kv ...string) MD {
	md := MD{}
	for i := 0; i+1 < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

// Append adds a value under key.
func (md MD) Append(key, value string) {
	k := strings.ToLower(key)
	md[k] = append(md[k], value)
}

// Set replaces the values under key.
func (md MD) Set(key, value string) {
	md[strings.ToLower(key)] = []string{value}
}

// Get returns the first value under key, or "".
func (md MD) Get(key string) string {
	vs := md[strings.ToLower(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Copy returns a deep copy.
func (md MD) Copy() MD {
	out := make(MD, len(md))
	for k, vs := range md {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
