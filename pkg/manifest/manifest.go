// Package manifest defines the application manifest schema and its
// trust checks: schema validation, content integrity, the signature
// hook, and the host compatibility rules an installer enforces before
// loading a component.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Component kinds.
const (
	KindFrontend = "frontend"
	KindBackend  = "backend"
)

// Frontend platforms.
const (
	PlatformIOS     = "iOS"
	PlatformAndroid = "Android"
	PlatformDesktop = "desktop"
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Manifest describes an application and the components it is built
// from. Unknown top-level fields are tolerated for forward
// compatibility.
type Manifest struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	IconURI     string         `json:"iconUri"`
	Description string         `json:"description"`
	Publisher   string         `json:"publisher,omitempty"`
	Signature   string         `json:"signature,omitempty"`
	Components  []Component    `json:"components"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Component describes one independently versioned part of an
// application. Target is the platform triple a backend binary was
// built for; Platform is the OS a frontend bundle targets.
type Component struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Version  string         `json:"version"`
	Target   string         `json:"target,omitempty"`
	Platform string         `json:"platform,omitempty"`
	Hash     string         `json:"hash,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// SchemaErrorKind classifies a schema violation.
type SchemaErrorKind int

const (
	MissingField SchemaErrorKind = iota
	InvalidFormat
	InvalidEnum
)

func (k SchemaErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case InvalidFormat:
		return "invalid_format"
	case InvalidEnum:
		return "invalid_enum"
	default:
		return fmt.Sprintf("schema_error(%d)", int(k))
	}
}

// SchemaError reports the first schema violation found in a manifest.
type SchemaError struct {
	Kind   SchemaErrorKind
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("manifest: %s: field %q: %s", e.Kind, e.Field, e.Reason)
}

// rawManifest mirrors Manifest with pointer fields so a missing field
// can be told apart from an empty one.
type rawManifest struct {
	ID          *string        `json:"id"`
	Name        *string        `json:"name"`
	Version     *string        `json:"version"`
	IconURI     *string        `json:"iconUri"`
	Description *string        `json:"description"`
	Publisher   string         `json:"publisher"`
	Signature   string         `json:"signature"`
	Components  []rawComponent `json:"components"`
	Metadata    map[string]any `json:"metadata"`
}

type rawComponent struct {
	ID       *string        `json:"id"`
	Name     *string        `json:"name"`
	Kind     *string        `json:"kind"`
	Version  *string        `json:"version"`
	Target   string         `json:"target"`
	Platform string         `json:"platform"`
	Hash     string         `json:"hash"`
	Config   map[string]any `json:"config"`
}

// ValidateSchema parses manifest JSON and checks it against the
// schema. It reports the first violation in a deterministic order:
// required top-level fields in declared order, then each component in
// array order, checking the component's required fields before its
// enum and format rules.
func ValidateSchema(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &SchemaError{Kind: InvalidFormat, Field: "", Reason: "not valid JSON: " + err.Error()}
	}

	// Presence of components is checked against the raw message:
	// "components": [] is present-and-empty, omission is a violation.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &SchemaError{Kind: InvalidFormat, Field: "", Reason: "not a JSON object"}
	}
	_, hasComponents := probe["components"]

	required := []struct {
		field string
		value *string
	}{
		{"id", raw.ID},
		{"name", raw.Name},
		{"version", raw.Version},
		{"iconUri", raw.IconURI},
		{"description", raw.Description},
	}
	for _, r := range required {
		if r.value == nil || *r.value == "" {
			return nil, &SchemaError{Kind: MissingField, Field: r.field, Reason: "required field is missing"}
		}
	}
	if !hasComponents {
		return nil, &SchemaError{Kind: MissingField, Field: "components", Reason: "required field is missing"}
	}

	if !semverPattern.MatchString(*raw.Version) {
		return nil, &SchemaError{Kind: InvalidFormat, Field: "version", Reason: fmt.Sprintf("%q is not semver x.y.z", *raw.Version)}
	}

	m := &Manifest{
		ID:          *raw.ID,
		Name:        *raw.Name,
		Version:     *raw.Version,
		IconURI:     *raw.IconURI,
		Description: *raw.Description,
		Publisher:   raw.Publisher,
		Signature:   raw.Signature,
		Components:  make([]Component, 0, len(raw.Components)),
		Metadata:    raw.Metadata,
	}

	for i, rc := range raw.Components {
		c, err := validateComponent(i, rc)
		if err != nil {
			return nil, err
		}
		m.Components = append(m.Components, c)
	}

	return m, nil
}

func validateComponent(index int, rc rawComponent) (Component, error) {
	field := func(name string) string {
		return fmt.Sprintf("components[%d].%s", index, name)
	}

	required := []struct {
		field string
		value *string
	}{
		{"id", rc.ID},
		{"name", rc.Name},
		{"kind", rc.Kind},
		{"version", rc.Version},
	}
	for _, r := range required {
		if r.value == nil || *r.value == "" {
			return Component{}, &SchemaError{Kind: MissingField, Field: field(r.field), Reason: "required field is missing"}
		}
	}

	if *rc.Kind != KindFrontend && *rc.Kind != KindBackend {
		return Component{}, &SchemaError{
			Kind:   InvalidEnum,
			Field:  field("kind"),
			Reason: fmt.Sprintf("%q is not one of %q, %q", *rc.Kind, KindFrontend, KindBackend),
		}
	}

	if !semverPattern.MatchString(*rc.Version) {
		return Component{}, &SchemaError{
			Kind:   InvalidFormat,
			Field:  field("version"),
			Reason: fmt.Sprintf("%q is not semver x.y.z", *rc.Version),
		}
	}

	if rc.Platform != "" &&
		rc.Platform != PlatformIOS && rc.Platform != PlatformAndroid && rc.Platform != PlatformDesktop {
		return Component{}, &SchemaError{
			Kind:   InvalidEnum,
			Field:  field("platform"),
			Reason: fmt.Sprintf("%q is not one of %q, %q, %q", rc.Platform, PlatformIOS, PlatformAndroid, PlatformDesktop),
		}
	}

	return Component{
		ID:       *rc.ID,
		Name:     *rc.Name,
		Kind:     *rc.Kind,
		Version:  *rc.Version,
		Target:   rc.Target,
		Platform: rc.Platform,
		Hash:     rc.Hash,
		Config:   rc.Config,
	}, nil
}
