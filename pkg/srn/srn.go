package srn

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the resource type segment of an SRN.
type Kind string

const (
	KindRecord     Kind = "rec"
	KindDeposition Kind = "dep"
	KindConvention Kind = "conv"
	KindSchema     Kind = "schema"
	KindOntology   Kind = "onto"
	KindEvent      Kind = "evt"
	KindValidation Kind = "val"
	KindSnapshot   Kind = "snap"
)

const prefix = "urn:osa:"

var (
	localIDPattern = regexp.MustCompile(`^[a-z0-9-]{3,64}$`)
	domainPattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)
	semverPattern  = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z-.]+)?(\+[0-9A-Za-z-.]+)?$`)
)

var validKinds = map[Kind]bool{
	KindRecord:     true,
	KindDeposition: true,
	KindConvention: true,
	KindSchema:     true,
	KindOntology:   true,
	KindEvent:      true,
	KindValidation: true,
	KindSnapshot:   true,
}

// kinds whose SRNs carry a semantic version
var semverKinds = map[Kind]bool{
	KindConvention: true,
	KindSchema:     true,
	KindOntology:   true,
}

// SRN is a Structured Resource Name: the canonical identifier for every
// domain entity. Form: urn:osa:{domain}:{kind}:{localId}[@{version}].
//
// SRNs are immutable values; construct them through Parse or New and pass
// them by value.
type SRN struct {
	domain  string
	kind    Kind
	localID string
	version string
}

// Parse parses the canonical string form of an SRN. Parsing is strict:
// the input is case-folded to lower before validation, every segment must
// match its grammar, and the version segment is required for conventions,
// schemas and ontologies (semver), required for records (positive
// integer), and forbidden for everything else.
func Parse(s string) (SRN, error) {
	lowered := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(lowered, prefix) {
		return SRN{}, fmt.Errorf("srn %q: missing %q prefix", s, prefix)
	}

	rest := lowered[len(prefix):]
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return SRN{}, fmt.Errorf("srn %q: expected domain:kind:localId, got %d segments", s, len(parts))
	}

	domain, kindStr, last := parts[0], parts[1], parts[2]

	localID := last
	version := ""
	if at := strings.Index(last, "@"); at >= 0 {
		localID = last[:at]
		version = last[at+1:]
	}

	return New(domain, Kind(kindStr), localID, version)
}

// MustParse parses s and panics on error. For literals in tests and wiring.
func MustParse(s string) SRN {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// New validates the individual segments and builds an SRN.
func New(domain string, kind Kind, localID, version string) (SRN, error) {
	domain = strings.ToLower(domain)
	localID = strings.ToLower(localID)

	if !domainPattern.MatchString(domain) {
		return SRN{}, fmt.Errorf("srn: invalid domain %q", domain)
	}
	if !validKinds[kind] {
		return SRN{}, fmt.Errorf("srn: unknown kind %q", kind)
	}
	if !localIDPattern.MatchString(localID) {
		return SRN{}, fmt.Errorf("srn: invalid local id %q", localID)
	}

	switch {
	case semverKinds[kind]:
		if version == "" {
			return SRN{}, fmt.Errorf("srn: kind %q requires a semver version", kind)
		}
		if !semverPattern.MatchString(version) {
			return SRN{}, fmt.Errorf("srn: invalid semver %q for kind %q", version, kind)
		}
	case kind == KindRecord:
		if version == "" {
			return SRN{}, fmt.Errorf("srn: records require an integer version")
		}
		n, err := strconv.Atoi(version)
		if err != nil || n < 1 {
			return SRN{}, fmt.Errorf("srn: record version must be a positive integer, got %q", version)
		}
	default:
		if version != "" {
			return SRN{}, fmt.Errorf("srn: kind %q does not carry a version", kind)
		}
	}

	return SRN{domain: domain, kind: kind, localID: localID, version: version}, nil
}

// Domain returns the DNS domain segment.
func (s SRN) Domain() string { return s.domain }

// Kind returns the resource kind segment.
func (s SRN) Kind() Kind { return s.kind }

// LocalID returns the local identifier segment.
func (s SRN) LocalID() string { return s.localID }

// Version returns the version segment, empty for unversioned kinds.
func (s SRN) Version() string { return s.version }

// RecordVersion returns the integer version of a record SRN, 0 otherwise.
func (s SRN) RecordVersion() int {
	if s.kind != KindRecord {
		return 0
	}
	n, _ := strconv.Atoi(s.version)
	return n
}

// IsZero reports whether s is the zero SRN.
func (s SRN) IsZero() bool { return s == SRN{} }

// String returns the canonical string form.
func (s SRN) String() string {
	if s.IsZero() {
		return ""
	}
	out := prefix + s.domain + ":" + string(s.kind) + ":" + s.localID
	if s.version != "" {
		out += "@" + s.version
	}
	return out
}

// MarshalText implements encoding.TextMarshaler so SRNs serialize as their
// canonical string in JSON payloads.
func (s SRN) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SRN) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = SRN{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
