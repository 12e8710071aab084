package federation

import (
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAssertion = `<?xml version="1.0" encoding="UTF-8"?>
<saml2p:Response xmlns:saml2p="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml2="urn:oasis:names:tc:SAML:2.0:assertion">
  <saml2:Assertion>
    <saml2:Subject>
      <saml2:NameID>pat@plant.example.com</saml2:NameID>
    </saml2:Subject>
    <saml2:AttributeStatement>
      <saml2:Attribute Name="email">
        <saml2:AttributeValue>pat@plant.example.com</saml2:AttributeValue>
      </saml2:Attribute>
      <saml2:Attribute Name="name">
        <saml2:AttributeValue>Pat Ramirez</saml2:AttributeValue>
      </saml2:Attribute>
      <saml2:Attribute Name="roles">
        <saml2:AttributeValue>Admin</saml2:AttributeValue>
        <saml2:AttributeValue>Technician</saml2:AttributeValue>
      </saml2:Attribute>
    </saml2:AttributeStatement>
  </saml2:Assertion>
</saml2p:Response>`

func TestParseAssertionFormBase64Document(t *testing.T) {
	form := url.Values{}
	form.Set("SAMLResponse", base64.StdEncoding.EncodeToString([]byte(testAssertion)))
	form.Set("RelayState", "/dash")

	id, err := ParseAssertionForm("tenant-1", form)
	require.NoError(t, err)
	assert.Equal(t, ProtocolSAML, id.Protocol)
	assert.Equal(t, "pat@plant.example.com", id.Email)
	assert.Equal(t, "Pat Ramirez", id.Name)
	assert.Equal(t, []string{"admin", "technician"}, id.Roles)
	assert.Equal(t, "/dash", id.RelayState)
}

func TestParseAssertionFormRawDocumentFallback(t *testing.T) {
	// An IdP posting un-encoded XML must not break the parse: a failed
	// base64 decode treats the raw value as the document.
	form := url.Values{}
	form.Set("SAMLResponse", testAssertion)

	id, err := ParseAssertionForm("tenant-1", form)
	require.NoError(t, err)
	assert.Equal(t, "pat@plant.example.com", id.Email)
}

func TestParseAssertionFormInlineAttributes(t *testing.T) {
	form := url.Values{}
	form.Set("email", "a@b.com")
	form.Set("relayState", "/work-orders")
	form["roles"] = []string{"Admin"}

	id, err := ParseAssertionForm("tenant-1", form)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", id.Email)
	assert.Equal(t, []string{"admin"}, id.Roles)
	assert.Equal(t, "/work-orders", id.RelayState, "lowercase relay key accepted")
}

func TestParseAssertionFormRelayStateCasingPrecedence(t *testing.T) {
	form := url.Values{}
	form.Set("email", "a@b.com")
	form.Set("RelayState", "/upper")
	form.Set("relayState", "/lower")

	id, err := ParseAssertionForm("tenant-1", form)
	require.NoError(t, err)
	assert.Equal(t, "/upper", id.RelayState)
}

func TestParseAssertionFormEmailCandidates(t *testing.T) {
	tests := []struct {
		name string
		form url.Values
		want string
	}{
		{
			name: "mail key",
			form: url.Values{"mail": {"m@b.com"}},
			want: "m@b.com",
		},
		{
			name: "nameID carrying an address",
			form: url.Values{"nameID": {"n@b.com"}},
			want: "n@b.com",
		},
		{
			name: "key present but not an address is skipped",
			form: url.Values{"email": {"opaque-id-123"}, "mail": {"real@b.com"}},
			want: "real@b.com",
		},
		{
			name: "uppercase preserved lowercased",
			form: url.Values{"email": {"Pat@Plant.Example.COM"}},
			want: "pat@plant.example.com",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, err := ParseAssertionForm("tenant-1", tc.form)
			require.NoError(t, err)
			assert.Equal(t, tc.want, id.Email)
		})
	}
}

func TestParseAssertionFormMissingEmail(t *testing.T) {
	form := url.Values{}
	form.Set("RelayState", "/dash")
	form.Set("roles", "Admin")

	_, err := ParseAssertionForm("tenant-1", form)
	assert.ErrorIs(t, err, ErrMissingEmail)
}

func TestParseAssertionFormGroupKeySpellings(t *testing.T) {
	for _, key := range []string{"roles", "role", "groups", "group", "memberOf"} {
		t.Run(key, func(t *testing.T) {
			form := url.Values{"email": {"a@b.com"}, key: {"Manager"}}
			id, err := ParseAssertionForm("tenant-1", form)
			require.NoError(t, err)
			assert.Equal(t, []string{"manager"}, id.Roles)
		})
	}

	t.Run("no group claim defaults empty", func(t *testing.T) {
		id, err := ParseAssertionForm("tenant-1", url.Values{"email": {"a@b.com"}})
		require.NoError(t, err)
		assert.Empty(t, id.Roles)
	})
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.AddSAML(NewSAMLProvider("tenant-1", nil))

	p, err := r.SAML("tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", p.TenantID)

	_, err = r.SAML("tenant-2")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
	_, err = r.OAuth2("missing")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
	_, err = r.OIDC("missing")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}
