package types

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidClass is returned for empty or malformed resource class names.
	ErrInvalidClass = errors.New("types: invalid resource class")

	// ErrUnknownState is returned when parsing an unrecognized state name.
	ErrUnknownState = errors.New("types: unknown state")
)

// classPattern keeps class names safe to use as file names.
var classPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Validate reports whether the class name is well formed.
func (c ResourceClass) Validate() error {
	if !classPattern.MatchString(string(c)) {
		return fmt.Errorf("%w: %q", ErrInvalidClass, string(c))
	}
	return nil
}

// String returns the state name used by the original accessory API.
func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateWait:
		return "WAIT"
	case StateBusy:
		return "BUSY"
	case StateAppInBackground:
		return "APP_IN_BACKGROUND"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsValid checks if the state is one of the defined states.
func (s State) IsValid() bool {
	return s >= StateFree && s <= StateAppInBackground
}

// ParseState maps a state name back to a State. Matching is case-insensitive.
func ParseState(name string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "FREE":
		return StateFree, nil
	case "WAIT":
		return StateWait, nil
	case "BUSY":
		return StateBusy, nil
	case "APP_IN_BACKGROUND", "BACKGROUND":
		return StateAppInBackground, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownState, name)
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// String returns "foreground" or "background".
func (l LifecycleState) String() string {
	switch l {
	case LifecycleForeground:
		return "foreground"
	case LifecycleBackground:
		return "background"
	default:
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
}

// MarshalText encodes the lifecycle state by name.
func (l LifecycleState) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a lifecycle state name.
func (l *LifecycleState) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "foreground":
		*l = LifecycleForeground
	case "background":
		*l = LifecycleBackground
	default:
		return fmt.Errorf("types: unknown lifecycle state %q", string(text))
	}
	return nil
}

// NewToken issues a fresh token for the given class.
func NewToken(class ResourceClass) Token {
	return Token{Class: class, ID: uuid.NewString()}
}

// IsZero reports whether the token was never issued.
func (t Token) IsZero() bool {
	return t.ID == ""
}

// String renders the token as "class/id".
func (t Token) String() string {
	return string(t.Class) + "/" + t.ID
}

// Clone returns a deep copy of the class state.
func (cs ClassState) Clone() ClassState {
	out := ClassState{Class: cs.Class, Version: cs.Version}
	if cs.Holder != nil {
		h := *cs.Holder
		out.Holder = &h
	}
	if len(cs.Queue) > 0 {
		out.Queue = slices.Clone(cs.Queue)
	}
	return out
}

// Position returns the queue index of the given process, or -1.
func (cs ClassState) Position(process ProcessID) int {
	return slices.IndexFunc(cs.Queue, func(w Waiter) bool { return w.Process == process })
}

// IndexOfToken returns the queue index of the waiter holding the token, or -1.
func (cs ClassState) IndexOfToken(token Token) int {
	return slices.IndexFunc(cs.Queue, func(w Waiter) bool { return w.Token == token })
}

// IsHeldBy reports whether the given process currently holds the class.
func (cs ClassState) IsHeldBy(process ProcessID) bool {
	return cs.Holder != nil && cs.Holder.Owner == process
}
