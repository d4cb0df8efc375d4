// Package codec provides the wire encodings used for taskrelay messages.
package codec

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Codec marshals messages to and from a wire format.
type Codec interface {
	// ContentType returns the MIME type written alongside encoded payloads.
	ContentType() string
	// Marshal encodes v.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v.
	Unmarshal(data []byte, v any) error
}

// Registry maps content types and short aliases to codecs.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

// NewRegistry returns a registry preloaded with JSON, MessagePack and CBOR.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSON(), "json")
	r.Register(MsgPack(), "msgpack")
	r.Register(MustCBOR(), "cbor")

	return r
}

// Register adds c under its content type and any extra aliases.
func (r *Registry) Register(c Codec, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName[strings.ToLower(c.ContentType())] = c
	for _, alias := range aliases {
		r.byName[strings.ToLower(alias)] = c
	}
}

// Get returns a codec by content type or alias, or nil.
func (r *Registry) Get(name string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byName[strings.ToLower(strings.TrimSpace(name))]
}

// Lookup is Get with an error for unknown names.
func (r *Registry) Lookup(name string) (Codec, error) {
	if c := r.Get(name); c != nil {
		return c, nil
	}

	return nil, fmt.Errorf("codec: unknown codec %q (known: %s)", name, strings.Join(r.Names(), ", "))
}

// Names lists every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
