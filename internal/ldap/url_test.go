package ldap

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReferralURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *ReferralTarget
		wantErr bool
	}{
		{
			name: "host only",
			raw:  "ldap://dc1.example.com",
			want: &ReferralTarget{Host: "dc1.example.com", Port: 389, Scope: -1},
		},
		{
			name: "ldaps default port",
			raw:  "ldaps://dc1.example.com/dc=example,dc=com",
			want: &ReferralTarget{Host: "dc1.example.com", Port: 636, UseTLS: true, BaseDN: "dc=example,dc=com", Scope: -1},
		},
		{
			name: "explicit port",
			raw:  "ldap://dc1.example.com:3268/dc=example,dc=com",
			want: &ReferralTarget{Host: "dc1.example.com", Port: 3268, BaseDN: "dc=example,dc=com", Scope: -1},
		},
		{
			name: "IPv6 host",
			raw:  "ldap://[2001:db8::1]:1389/",
			want: &ReferralTarget{Host: "2001:db8::1", Port: 1389, Scope: -1},
		},
		{
			name: "all fields",
			raw:  "ldap://dc1.example.com/ou=people,dc=example,dc=com?cn,mail?sub?(uid=j*)",
			want: &ReferralTarget{
				Host:       "dc1.example.com",
				Port:       389,
				BaseDN:     "ou=people,dc=example,dc=com",
				Attributes: []string{"cn", "mail"},
				Scope:      ldap.ScopeWholeSubtree,
				Filter:     "(uid=j*)",
			},
		},
		{
			name: "escaped base DN and filter",
			raw:  "ldap://dc1.example.com/ou=R%26D,dc=example,dc=com??base?(cn=a%20b+c)",
			want: &ReferralTarget{
				Host:   "dc1.example.com",
				Port:   389,
				BaseDN: "ou=R&D,dc=example,dc=com",
				Scope:  ldap.ScopeBaseObject,
				Filter: "(cn=a b+c)",
			},
		},
		{
			name: "scope only",
			raw:  "ldap://dc1.example.com/dc=example,dc=com??ONE",
			want: &ReferralTarget{Host: "dc1.example.com", Port: 389, BaseDN: "dc=example,dc=com", Scope: ldap.ScopeSingleLevel},
		},
		{name: "empty", raw: "", wantErr: true},
		{name: "wrong scheme", raw: "http://dc1.example.com", wantErr: true},
		{name: "missing host", raw: "ldap:///dc=example,dc=com", wantErr: true},
		{name: "bad port", raw: "ldap://dc1.example.com:99999", wantErr: true},
		{name: "bad scope", raw: "ldap://dc1.example.com/dc=x??everything", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReferralURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReferralTarget_ServerURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ldap://dc1.example.com/dc=example,dc=com", "ldap://dc1.example.com:389"},
		{"ldaps://dc1.example.com", "ldaps://dc1.example.com:636"},
		{"ldap://[2001:db8::1]:1389", "ldap://[2001:db8::1]:1389"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			target, err := ParseReferralURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, target.ServerURL())

			// The server URL must itself be a valid referral URL.
			again, err := ParseReferralURL(target.ServerURL())
			require.NoError(t, err)
			assert.Equal(t, target.ServerURL(), again.ServerURL())
		})
	}
}

func TestReferralTarget_Apply(t *testing.T) {
	req := newSearch("dc=example,dc=com")

	t.Run("keeps unset fields", func(t *testing.T) {
		target := &ReferralTarget{Host: "dc2", Port: 389, Scope: -1}
		got := target.Apply(req)
		assert.Equal(t, req, got)
		assert.NotSame(t, req, got)
	})

	t.Run("overrides set fields", func(t *testing.T) {
		target := &ReferralTarget{
			Host:       "dc2",
			Port:       389,
			BaseDN:     "ou=east,dc=example,dc=com",
			Attributes: []string{"mail"},
			Scope:      ldap.ScopeBaseObject,
			Filter:     "(mail=*)",
		}
		got := target.Apply(req)
		assert.Equal(t, "ou=east,dc=example,dc=com", got.BaseDN)
		assert.Equal(t, []string{"mail"}, got.Attributes)
		assert.Equal(t, ldap.ScopeBaseObject, got.Scope)
		assert.Equal(t, "(mail=*)", got.Filter)

		assert.Equal(t, "dc=example,dc=com", req.BaseDN)
		assert.Equal(t, []string{"cn"}, req.Attributes)
	})
}
