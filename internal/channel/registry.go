package channel

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered platform adapters and provides capability
// dispatch. It must be created via NewRegistry and passed explicitly to the
// components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered
// ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	return ct, nil
}

// GetDescriptor returns the descriptor for the given channel type.
func (r *Registry) GetDescriptor(channelType ChannelType) (Descriptor, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return Descriptor{}, false
	}
	return adapter.Descriptor(), true
}

// Descriptors returns descriptors for all registered channel types.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a.Descriptor())
	}
	return items
}

// GetParser returns the Parser for the given channel type, or nil if
// unsupported.
func (r *Registry) GetParser(channelType ChannelType) (Parser, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	parser, ok := adapter.(Parser)
	return parser, ok
}

// GetRenderer returns the Renderer for the given channel type, or nil if
// unsupported.
func (r *Registry) GetRenderer(channelType ChannelType) (Renderer, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	renderer, ok := adapter.(Renderer)
	return renderer, ok
}

// GetVerifier returns the SignatureVerifier for the given channel type, or
// nil if unsupported.
func (r *Registry) GetVerifier(channelType ChannelType) (SignatureVerifier, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	verifier, ok := adapter.(SignatureVerifier)
	return verifier, ok
}

// Supports reports whether the channel type declares the message type in its
// capability set.
func (r *Registry) Supports(channelType ChannelType, messageType MessageType) bool {
	desc, ok := r.GetDescriptor(channelType)
	if !ok {
		return false
	}
	return desc.Capabilities.Supports(messageType)
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
