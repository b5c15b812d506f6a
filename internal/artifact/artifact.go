package artifact

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies the payload type an artifact carries between stages.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindText  Kind = "text"
	// KindAny is used by stage declarations that accept any input kind.
	KindAny Kind = "any"
)

var knownKinds = map[Kind]struct{}{
	KindVideo: {},
	KindAudio: {},
	KindText:  {},
	KindAny:   {},
}

// ParseKind converts a string into a known Kind.
func ParseKind(value string) (Kind, bool) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	_, ok := knownKinds[kind]
	return kind, ok
}

// Satisfies reports whether an artifact of kind k can feed a stage declaring
// the given input kind.
func (k Kind) Satisfies(input Kind) bool {
	return input == KindAny || k == input
}

// Backend identifies which storage backend holds an artifact.
type Backend string

const (
	BackendRemote Backend = "remote"
	BackendLocal  Backend = "local"
)

// Ref locates a stored artifact. Reads must resolve against the backend
// recorded at write time; there is no cross-backend fallback on read.
type Ref struct {
	Backend  Backend `json:"backend"`
	Key      string  `json:"key"`
	Kind     Kind    `json:"kind"`
	Size     int64   `json:"size,omitempty"`
	Checksum string  `json:"checksum,omitempty"`
}

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool {
	return r.Key == ""
}

// String renders the reference in backend://key form.
func (r Ref) String() string {
	if r.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s://%s", r.Backend, r.Key)
}

// Encode serializes the reference for persistence.
func (r Ref) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode artifact ref: %w", err)
	}
	return string(raw), nil
}

// Decode deserializes a reference produced by Encode.
func Decode(value string) (Ref, error) {
	var ref Ref
	if strings.TrimSpace(value) == "" {
		return ref, nil
	}
	if err := json.Unmarshal([]byte(value), &ref); err != nil {
		return Ref{}, fmt.Errorf("decode artifact ref: %w", err)
	}
	return ref, nil
}

// ParseRef accepts the backend://key shorthand used on the CLI and API
// surfaces for naming an already-stored input artifact.
func ParseRef(value string, kind Kind) (Ref, error) {
	trimmed := strings.TrimSpace(value)
	backend := BackendLocal
	switch {
	case strings.HasPrefix(trimmed, "remote://"):
		backend = BackendRemote
		trimmed = strings.TrimPrefix(trimmed, "remote://")
	case strings.HasPrefix(trimmed, "local://"):
		trimmed = strings.TrimPrefix(trimmed, "local://")
	}
	if trimmed == "" {
		return Ref{}, fmt.Errorf("artifact reference must not be empty")
	}
	return Ref{Backend: backend, Key: trimmed, Kind: kind}, nil
}
