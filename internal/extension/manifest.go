package extension

import (
	"fmt"
	"strings"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// DefaultEntryDocument is the public-folder document hosted on load.
const DefaultEntryDocument = "extension.html"

// Property bag keys understood by ParseManifest.
const (
	PropService     = "Service"
	PropEntry       = "Entry"
	PropDisplayName = "DisplayName"
	PropDescription = "Description"

	// textKey holds the text content of a property that was declared as an
	// element with attributes.
	textKey = "#text"
)

// InvocationMode selects how an extension is invoked. It is one of
// ScriptMode or ServiceMode.
type InvocationMode interface {
	isInvocationMode()
	String() string
}

// ScriptMode invokes functions of the document hosted in the RuntimeHost.
type ScriptMode struct{}

// ServiceMode invokes the named out-of-process service of the package.
type ServiceMode struct {
	Name string
}

func (ScriptMode) isInvocationMode()  {}
func (ServiceMode) isInvocationMode() {}

func (ScriptMode) String() string    { return "script" }
func (m ServiceMode) String() string { return "service:" + m.Name }

// ManifestInfo is the typed view of an extension's property bag.
type ManifestInfo struct {
	ServiceName string
	DisplayName string
	Description string
	Entry       string
}

// Mode returns the invocation mode implied by the manifest.
func (m ManifestInfo) Mode() InvocationMode {
	if m.ServiceName != "" {
		return ServiceMode{Name: m.ServiceName}
	}
	return ScriptMode{}
}

// EntryDocument returns the entry document name, defaulting to
// DefaultEntryDocument.
func (m ManifestInfo) EntryDocument() string {
	if m.Entry == "" {
		return DefaultEntryDocument
	}
	return m.Entry
}

// ParseManifest extracts ManifestInfo from a property bag. Missing or
// ill-typed entries leave the corresponding field empty.
func ParseManifest(props pkgext.PropertySet) ManifestInfo {
	var info ManifestInfo
	if props == nil {
		return info
	}
	info.ServiceName = textValue(props[PropService])
	info.Entry = textValue(props[PropEntry])
	info.DisplayName = textValue(props[PropDisplayName])
	info.Description = textValue(props[PropDescription])
	return info
}

// textValue flattens a property to a string. Nested sets contribute their
// #text member.
func textValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case pkgext.PropertySet:
		return textValue(t[textKey])
	case map[string]any:
		return textValue(t[textKey])
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	case int, int64, float64, bool:
		return fmt.Sprint(t)
	default:
		return ""
	}
}
