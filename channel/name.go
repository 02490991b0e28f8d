package channel

import (
	"fmt"
	"strings"
)

// Kind is the access class encoded in a channel name's prefix.
type Kind string

const (
	KindPublic   Kind = "public"
	KindPrivate  Kind = "private"
	KindPresence Kind = "presence"
)

const maxNameLength = 164

// Name is a parsed channel name. For private channels Target is the
// principal the channel belongs to; for presence channels it is the
// resource whose members may join.
type Name struct {
	Raw    string
	Kind   Kind
	Target string
}

// Parse splits name into its kind and target. Names are
// public-<name>, private-<principalId> or presence-<resourceId>.
func Parse(name string) (Name, error) {
	if name == "" || len(name) > maxNameLength {
		return Name{}, fmt.Errorf("%w: bad length", ErrInvalidChannel)
	}
	for _, r := range name {
		if !validRune(r) {
			return Name{}, fmt.Errorf("%w: character %q not allowed", ErrInvalidChannel, r)
		}
	}
	for _, kind := range []Kind{KindPresence, KindPrivate, KindPublic} {
		target, ok := strings.CutPrefix(name, string(kind)+"-")
		if !ok {
			continue
		}
		if target == "" {
			return Name{}, fmt.Errorf("%w: empty %s target", ErrInvalidChannel, kind)
		}
		return Name{Raw: name, Kind: kind, Target: target}, nil
	}
	return Name{}, fmt.Errorf("%w: unknown prefix", ErrInvalidChannel)
}

// PrivateName returns the private channel of principalID.
func PrivateName(principalID string) string {
	return string(KindPrivate) + "-" + principalID
}

func validRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_=@,.;", r)
}
