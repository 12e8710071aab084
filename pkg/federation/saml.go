package federation

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"

	"github.com/opsmaint/authcore/pkg/roles"
)

// IdP integrations disagree on attribute naming, so email and group
// lookups walk a candidate list instead of assuming one key.
var (
	samlEmailKeys = []string{
		"email", "Email", "emailAddress", "EmailAddress", "mail",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
		"nameID", "nameId", "NameID", "user", "login",
	}
	samlGroupKeys = []string{"roles", "role", "groups", "group", "memberOf"}
	relayKeys     = []string{"RelayState", "relayState"}
)

// ParseAssertionForm extracts an identity from a SAML ACS POST without
// assuming a validated handshake: the body may carry a base64 response
// document, inline attribute fields, or both. Signature validation,
// when configured, happens in SAMLProvider before this runs.
//
// The base64 decode is deliberately forgiving: IdPs have been seen
// posting already-decoded XML, so a decode failure falls back to
// treating the raw value as the document itself.
func ParseAssertionForm(tenantID string, form url.Values) (*Identity, error) {
	attrs := map[string]interface{}{}

	if raw := form.Get("SAMLResponse"); raw != "" {
		doc := decodeSAMLPayload(raw)
		for k, v := range extractAssertionAttributes(doc) {
			attrs[k] = v
		}
	}
	// Inline form fields supplement (and win over) document attributes.
	for key, vals := range form {
		if key == "SAMLResponse" || len(vals) == 0 {
			continue
		}
		if len(vals) == 1 {
			attrs[key] = vals[0]
		} else {
			attrs[key] = vals
		}
	}

	email := firstEmailAttribute(attrs)
	if email == "" {
		return nil, fmt.Errorf("%w: saml assertion for tenant %s", ErrMissingEmail, tenantID)
	}

	var roleClaim interface{}
	for _, k := range samlGroupKeys {
		if v, ok := attrs[k]; ok {
			roleClaim = v
			break
		}
	}

	var relay string
	for _, k := range relayKeys {
		if v := form.Get(k); v != "" {
			relay = v
			break
		}
	}

	return &Identity{
		Protocol:   ProtocolSAML,
		Provider:   tenantID,
		Email:      strings.ToLower(strings.TrimSpace(email)),
		Name:       stringClaim(attrs, "name"),
		Roles:      roles.Normalize(roleClaim),
		RelayState: relay,
		RawClaims:  attrs,
	}, nil
}

func decodeSAMLPayload(raw string) string {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return raw
	}
	return string(decoded)
}

// extractAssertionAttributes pulls Attribute/AttributeValue pairs plus
// the NameID out of an assertion document. A document that does not
// parse yields no attributes rather than an error; the inline-field
// path may still produce an identity.
func extractAssertionAttributes(doc string) map[string]interface{} {
	out := map[string]interface{}{}
	tree := etree.NewDocument()
	if err := tree.ReadFromString(doc); err != nil {
		return out
	}
	root := tree.Root()
	if root == nil {
		return out
	}
	for _, attr := range root.FindElements("//Attribute") {
		name := attr.SelectAttrValue("Name", "")
		if name == "" {
			name = attr.SelectAttrValue("FriendlyName", "")
		}
		if name == "" {
			continue
		}
		var vals []string
		for _, v := range attr.FindElements("AttributeValue") {
			if t := strings.TrimSpace(v.Text()); t != "" {
				vals = append(vals, t)
			}
		}
		switch len(vals) {
		case 0:
		case 1:
			out[name] = vals[0]
		default:
			out[name] = vals
		}
	}
	if el := root.FindElement("//NameID"); el != nil {
		if t := strings.TrimSpace(el.Text()); t != "" {
			out["nameID"] = t
		}
	}
	return out
}

// firstEmailAttribute returns the first candidate attribute whose value
// looks like an address. Keys that exist but hold non-addresses (an
// opaque NameID, say) are skipped.
func firstEmailAttribute(attrs map[string]interface{}) string {
	for _, key := range samlEmailKeys {
		v, ok := attrs[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.Contains(t, "@") {
				return t
			}
		case []string:
			for _, s := range t {
				if strings.Contains(s, "@") {
					return s
				}
			}
		}
	}
	return ""
}

// SAMLProvider is the per-tenant service provider. When signature
// material is configured the ACS path validates the response with the
// underlying library first; the tolerant parser only handles attribute
// extraction shapes.
type SAMLProvider struct {
	TenantID string
	sp       *saml2.SAMLServiceProvider
}

func NewSAMLProvider(tenantID string, sp *saml2.SAMLServiceProvider) *SAMLProvider {
	return &SAMLProvider{TenantID: tenantID, sp: sp}
}

// RedirectURL builds the IdP-bound authentication request URL.
func (p *SAMLProvider) RedirectURL(relayState string) (string, error) {
	if p.sp == nil {
		return "", fmt.Errorf("%w: saml provider for tenant %s has no IdP configuration", ErrUnsupportedProvider, p.TenantID)
	}
	u, err := p.sp.BuildAuthURL(relayState)
	if err != nil {
		return "", wrapProviderErr("building saml auth url", err)
	}
	return u, nil
}

// Metadata renders the SP metadata document for IdP-side registration.
func (p *SAMLProvider) Metadata() ([]byte, error) {
	if p.sp == nil {
		return nil, fmt.Errorf("%w: saml provider for tenant %s has no IdP configuration", ErrUnsupportedProvider, p.TenantID)
	}
	desc, err := p.sp.Metadata()
	if err != nil {
		return nil, wrapProviderErr("building saml metadata", err)
	}
	out, err := xml.MarshalIndent(desc, "", "  ")
	if err != nil {
		return nil, wrapProviderErr("encoding saml metadata", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Consume processes an ACS POST. With a configured service provider the
// response signature and conditions are validated; either way attribute
// extraction goes through the tolerant parser so key-spelling quirks
// are handled in one place.
func (p *SAMLProvider) Consume(form url.Values) (*Identity, error) {
	if p.sp != nil {
		info, err := p.sp.RetrieveAssertionInfo(form.Get("SAMLResponse"))
		if err != nil {
			return nil, wrapProviderErr("validating saml response", err)
		}
		if info.WarningInfo.InvalidTime || info.WarningInfo.NotInAudience {
			return nil, wrapProviderErr("validating saml response", errors.New("assertion conditions not met"))
		}
	}
	return ParseAssertionForm(p.TenantID, form)
}
