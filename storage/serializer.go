package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jathurchan/accesslock/types"
)

// serializer encodes and decodes persisted class records.
type serializer interface {
	MarshalClassState(state types.ClassState) ([]byte, error)
	UnmarshalClassState(data []byte) (types.ClassState, error)
}

// jsonSerializer implements serializer using indented JSON, which keeps state
// files readable when inspecting a shared directory by hand.
type jsonSerializer struct{}

func newJSONSerializer() serializer {
	return jsonSerializer{}
}

func (jsonSerializer) MarshalClassState(state types.ClassState) ([]byte, error) {
	return json.MarshalIndent(state, "", "  ")
}

func (jsonSerializer) UnmarshalClassState(data []byte) (types.ClassState, error) {
	var state types.ClassState
	if err := json.Unmarshal(data, &state); err != nil {
		return types.ClassState{}, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	return state, nil
}
