package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/security"
)

// Kind discriminates filter specifications.
type Kind string

const (
	KindBranchesLevels Kind = "branches-levels"
	KindKeyword        Kind = "keyword"
)

// Bounds on filter list sizes.
const (
	MaxBranches = 32
	MaxLevels   = 8
	MaxKeywords = 32
)

// Spec is a validated filter specification.
type Spec struct {
	Kind     Kind     `json:"kind"`
	Branches []string `json:"branches,omitempty"`
	Levels   []string `json:"levels,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// MatchAll returns the unrestricted specification installed on new sessions.
func MatchAll() Spec {
	return Spec{Kind: KindBranchesLevels}
}

// allowedKeys lists the keys accepted for each kind.
var allowedKeys = map[Kind]map[string]bool{
	KindBranchesLevels: {"kind": true, "branches": true, "levels": true},
	KindKeyword:        {"kind": true, "keywords": true},
}

// Parse decodes and validates a raw JSON specification. It rejects anything
// that is not a JSON object, carries unknown or reserved keys, has fields of
// the wrong type, or violates the size bounds.
func Parse(raw []byte) (Spec, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Spec{}, invalid("spec must be a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Spec{}, invalid("spec is not valid JSON")
	}

	for key := range fields {
		if security.IsReservedKey(key) {
			return Spec{}, invalid(fmt.Sprintf("reserved key %q not allowed", key))
		}
	}

	rawKind, ok := fields["kind"]
	if !ok {
		return Spec{}, invalid("missing kind")
	}
	var kind string
	if err := decodeString(rawKind, &kind); err != nil {
		return Spec{}, invalid("kind must be a string")
	}

	allowed, ok := allowedKeys[Kind(kind)]
	if !ok {
		return Spec{}, invalid(fmt.Sprintf("unknown kind %q", security.SanitizeForLogWithLength(kind, 32)))
	}
	for key := range fields {
		if !allowed[key] {
			return Spec{}, invalid(fmt.Sprintf("unexpected key %q for kind %s", security.SanitizeForLogWithLength(key, 32), kind))
		}
	}

	spec := Spec{Kind: Kind(kind)}
	var err error
	switch spec.Kind {
	case KindBranchesLevels:
		if spec.Branches, err = decodeList(fields, "branches", MaxBranches); err != nil {
			return Spec{}, err
		}
		if spec.Levels, err = decodeList(fields, "levels", MaxLevels); err != nil {
			return Spec{}, err
		}
	case KindKeyword:
		if spec.Keywords, err = decodeList(fields, "keywords", MaxKeywords); err != nil {
			return Spec{}, err
		}
	}

	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Validate checks the bound rules on an already-typed specification.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindBranchesLevels:
		if len(s.Keywords) > 0 {
			return invalid("keywords not allowed for kind branches-levels")
		}
		if err := validateList("branches", s.Branches, MaxBranches); err != nil {
			return err
		}
		return validateList("levels", s.Levels, MaxLevels)
	case KindKeyword:
		if len(s.Branches) > 0 || len(s.Levels) > 0 {
			return invalid("branches and levels not allowed for kind keyword")
		}
		if len(s.Keywords) == 0 {
			return invalid("keywords must not be empty")
		}
		return validateList("keywords", s.Keywords, MaxKeywords)
	default:
		return invalid(fmt.Sprintf("unknown kind %q", security.SanitizeForLogWithLength(string(s.Kind), 32)))
	}
}

// Canonical returns a copy with every list lower-cased, de-duplicated and
// sorted. Two specs with the same canonical form select the same events.
func Canonical(s Spec) Spec {
	return Spec{
		Kind:     s.Kind,
		Branches: canonicalList(s.Branches),
		Levels:   canonicalList(s.Levels),
		Keywords: canonicalList(s.Keywords),
	}
}

// Equal reports whether two specs are canonically identical.
func Equal(a, b Spec) bool {
	ca, cb := Canonical(a), Canonical(b)
	return ca.Kind == cb.Kind &&
		equalList(ca.Branches, cb.Branches) &&
		equalList(ca.Levels, cb.Levels) &&
		equalList(ca.Keywords, cb.Keywords)
}

// FromQuery builds a spec from stream query parameters. Both comma-separated
// values and repeated parameters are accepted: branches=a,b&levels=error.
// A keywords parameter selects the keyword kind and cannot be combined with
// branches or levels. Absent parameters leave that axis unrestricted.
func FromQuery(q url.Values) (Spec, error) {
	branches := splitParam(q["branches"])
	levels := splitParam(q["levels"])
	keywords := splitParam(q["keywords"])

	var spec Spec
	switch {
	case len(keywords) > 0 && (len(branches) > 0 || len(levels) > 0):
		return Spec{}, invalid("keywords cannot be combined with branches or levels")
	case len(keywords) > 0:
		spec = Spec{Kind: KindKeyword, Keywords: keywords}
	default:
		spec = Spec{Kind: KindBranchesLevels, Branches: branches, Levels: levels}
	}

	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return Canonical(spec), nil
}

// ToQuery renders the spec as stream query parameters, the inverse of
// FromQuery.
func ToQuery(s Spec) url.Values {
	q := url.Values{}
	set := func(key string, values []string) {
		if len(values) > 0 {
			q.Set(key, strings.Join(values, ","))
		}
	}
	switch s.Kind {
	case KindKeyword:
		set("keywords", s.Keywords)
	default:
		set("branches", s.Branches)
		set("levels", s.Levels)
	}
	return q
}

// String renders the spec for logs.
func (s Spec) String() string {
	switch s.Kind {
	case KindKeyword:
		return fmt.Sprintf("keyword%v", s.Keywords)
	default:
		return fmt.Sprintf("branches%v levels%v", s.Branches, s.Levels)
	}
}

func invalid(msg string) error {
	return apperrors.ValidationError("invalid filter spec: " + msg)
}

func decodeString(raw json.RawMessage, out *string) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return fmt.Errorf("not a string")
	}
	return json.Unmarshal(trimmed, out)
}

// decodeList decodes an optional string array. JSON null counts as absent.
func decodeList(fields map[string]json.RawMessage, key string, max int) ([]string, error) {
	raw, ok := fields[key]
	if !ok {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, invalid(key + " must be an array of strings")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, invalid(key + " must be an array of strings")
	}
	if len(elems) > max {
		return nil, invalid(fmt.Sprintf("%s has %d entries, max %d", key, len(elems), max))
	}

	out := make([]string, 0, len(elems))
	for _, elem := range elems {
		var v string
		if err := decodeString(elem, &v); err != nil {
			return nil, invalid(key + " must be an array of strings")
		}
		out = append(out, v)
	}
	return out, nil
}

func validateList(field string, values []string, max int) error {
	if len(values) > max {
		return invalid(fmt.Sprintf("%s has %d entries, max %d", field, len(values), max))
	}
	for _, v := range values {
		if err := security.ValidateFilterValue(field, v); err != nil {
			return apperrors.Wrap(apperrors.CodeValidation, "invalid filter spec", err)
		}
	}
	return nil
}

func canonicalList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		l := strings.ToLower(v)
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func equalList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
