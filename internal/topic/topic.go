// Package topic defines the broadcast channels connections subscribe to.
//
// Topics are always derived from an identity: Self carries targeted delivery
// to one user's connections and Presence carries that user's online/offline
// transitions to their followers. There is no way to build a topic from an
// arbitrary string other than Parse, which rejects anything else.
package topic

import (
	"errors"
	"regexp"
	"strings"

	"github.com/goevery/realtime/internal/ierr"
)

type Kind uint8

const (
	KindSelf Kind = iota + 1
	KindPresence
)

func (k Kind) prefix() string {
	switch k {
	case KindSelf:
		return "self"
	case KindPresence:
		return "presence"
	default:
		return ""
	}
}

func (k Kind) String() string {
	return k.prefix()
}

var identityRegex = regexp.MustCompile(`^[\w-]+$`)

// ValidateIdentity reports whether id can be used to derive a topic.
func ValidateIdentity(id string) error {
	if !identityRegex.MatchString(id) {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid identity: "+id))
	}

	return nil
}

type Topic struct {
	kind     Kind
	identity string
}

func Self(identity string) Topic {
	return Topic{KindSelf, identity}
}

func Presence(identity string) Topic {
	return Topic{KindPresence, identity}
}

func (t Topic) Kind() Kind {
	return t.kind
}

func (t Topic) Identity() string {
	return t.identity
}

func (t Topic) IsZero() bool {
	return t.kind == 0
}

func (t Topic) Name() string {
	if t.IsZero() {
		return ""
	}

	return t.kind.prefix() + ":" + t.identity
}

func (t Topic) String() string {
	return t.Name()
}

// Validate checks that the topic was built from a well-formed identity.
func (t Topic) Validate() error {
	if t.kind != KindSelf && t.kind != KindPresence {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("unknown topic kind"))
	}

	return ValidateIdentity(t.identity)
}

func Parse(name string) (Topic, error) {
	prefix, identity, ok := strings.Cut(name, ":")
	if !ok {
		return Topic{}, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid topic name: "+name))
	}

	var t Topic
	switch prefix {
	case KindSelf.prefix():
		t = Self(identity)
	case KindPresence.prefix():
		t = Presence(identity)
	default:
		return Topic{}, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("unknown topic kind: "+prefix))
	}

	if err := t.Validate(); err != nil {
		return Topic{}, err
	}

	return t, nil
}

func (t Topic) MarshalText() ([]byte, error) {
	return []byte(t.Name()), nil
}

func (t *Topic) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}
