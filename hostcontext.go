package apps

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"
)

// hostContextState holds the full host context as JSON. Partial updates are applied as JSON
// merge patches (RFC 7386), so a field absent from an update keeps its value and a field set to
// null is removed.
type hostContextState struct {
	mu  sync.RWMutex
	doc json.RawMessage
}

func newHostContextState(initial json.RawMessage) *hostContextState {
	s := &hostContextState{doc: emptyResult}
	if len(initial) > 0 && string(initial) != "null" {
		s.doc = initial
	}
	return s
}

// merge applies patch to the current context and returns the merged document.
func (s *hostContextState) merge(patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 || string(patch) == "null" {
		return s.raw(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := jsonpatch.MergePatch(s.doc, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to merge host context: %w", err)
	}
	s.doc = merged
	return merged, nil
}

func (s *hostContextState) raw() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

func (s *hostContextState) context() (HostContext, error) {
	var hc HostContext
	if err := json.Unmarshal(s.raw(), &hc); err != nil {
		return HostContext{}, fmt.Errorf("failed to unmarshal host context: %w", err)
	}
	return hc, nil
}

// hostContextPatch marshals a partial context for sending. Zero fields are omitted, so they do
// not override the peer's current values.
func hostContextPatch(partial HostContext) (json.RawMessage, error) {
	bs, err := json.Marshal(partial)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal host context: %w", err)
	}
	return bs, nil
}
