package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mzaki/scanward/internal/models"
)

func TestAllowsDefaultScope(t *testing.T) {
	s := ForTarget(&models.Target{Domain: "example.com"})

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"deep.nested.example.com", true},
		{"EXAMPLE.COM", true},
		{"www.example.com.", true},
		{"example.org", false},
		{"notexample.com", false},
		{"example.com.evil.net", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Allows(tt.host), "host %q", tt.host)
	}
}

func TestExcludeWinsOverInclude(t *testing.T) {
	s := ForTarget(&models.Target{
		Domain:       "example.com",
		ScopeInclude: []string{"example.com", "*.example.com"},
		ScopeExclude: []string{"internal.example.com", "*.corp.example.com"},
	})

	assert.True(t, s.Allows("www.example.com"))
	assert.False(t, s.Allows("internal.example.com"))
	assert.False(t, s.Allows("vpn.corp.example.com"))
}

func TestAllowsURL(t *testing.T) {
	s := ForTarget(&models.Target{Domain: "example.com"})

	assert.True(t, s.AllowsURL("https://api.example.com/v1/users?id=1"))
	assert.False(t, s.AllowsURL("https://evil.net/phish"))
	assert.False(t, s.AllowsURL("not a url"))
	assert.False(t, s.AllowsURL(""))
}

func TestAllowsIP(t *testing.T) {
	open := ForTarget(&models.Target{Domain: "example.com"})
	assert.True(t, open.AllowsIP("93.184.216.34"), "no declared ranges allows any address")

	bounded := ForTarget(&models.Target{
		Domain:   "example.com",
		IPRanges: []string{"10.0.0.0/8", "192.168.1.0/24"},
	})
	assert.True(t, bounded.AllowsIP("10.1.2.3"))
	assert.True(t, bounded.AllowsIP("192.168.1.50"))
	assert.False(t, bounded.AllowsIP("8.8.8.8"))
	assert.False(t, bounded.AllowsIP("not-an-ip"))
}
