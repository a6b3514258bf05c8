package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzaki/scanward/internal/models"
)

func TestComputeSubdomainDelta(t *testing.T) {
	current := &Snapshot{Subdomains: []models.Subdomain{
		{Hostname: "api.example.com"},
		{Hostname: "www.example.com"},
		{Hostname: "staging.example.com"},
	}}
	previous := &Snapshot{Subdomains: []models.Subdomain{
		{Hostname: "www.example.com"},
		{Hostname: "old.example.com"},
	}}

	r := Compute(current, previous)

	require.Len(t, r.NewSubdomains, 2)
	assert.Equal(t, "api.example.com", r.NewSubdomains[0].Hostname)
	assert.Equal(t, "staging.example.com", r.NewSubdomains[1].Hostname)
	require.Len(t, r.RemovedSubdomains, 1)
	assert.Equal(t, "old.example.com", r.RemovedSubdomains[0].Hostname)
	assert.Equal(t, 3, r.CurrentCounts.Subdomains)
	assert.Equal(t, 2, r.PreviousCounts.Subdomains)
}

func TestComputePortDelta(t *testing.T) {
	current := &Snapshot{Ports: []models.Port{
		{IP: "10.0.0.1", Port: 443, Protocol: "tcp"},
		{IP: "10.0.0.1", Port: 8080, Protocol: "tcp"},
	}}
	previous := &Snapshot{Ports: []models.Port{
		{IP: "10.0.0.1", Port: 443, Protocol: "tcp"},
		{IP: "10.0.0.1", Port: 22, Protocol: "tcp"},
	}}

	r := Compute(current, previous)

	require.Len(t, r.NewPorts, 1)
	assert.Equal(t, 8080, r.NewPorts[0].Port.Port)
	require.Len(t, r.ClosedPorts, 1)
	assert.Equal(t, 22, r.ClosedPorts[0].Port.Port)
}

func TestComputeFindingDelta(t *testing.T) {
	current := &Snapshot{Findings: []models.Finding{
		{TemplateID: "exposed-env", URL: "https://www.example.com/.env"},
		{Title: "AWS access key ID", URL: "https://www.example.com/app.js"},
	}}
	previous := &Snapshot{Findings: []models.Finding{
		{TemplateID: "exposed-env", URL: "https://www.example.com/.env"},
		{TemplateID: "cors-misconfig", URL: "https://api.example.com"},
	}}

	r := Compute(current, previous)

	require.Len(t, r.NewFindings, 1)
	assert.Equal(t, "AWS access key ID", r.NewFindings[0].Title)
	require.Len(t, r.ResolvedFindings, 1)
	assert.Equal(t, "cors-misconfig", r.ResolvedFindings[0].TemplateID)
}

func TestComputeAgainstEmptyPrevious(t *testing.T) {
	current := &Snapshot{
		Subdomains: []models.Subdomain{{Hostname: "www.example.com"}},
		Ports:      []models.Port{{IP: "10.0.0.1", Port: 80, Protocol: "tcp"}},
	}

	r := Compute(current, &Snapshot{})

	assert.Len(t, r.NewSubdomains, 1)
	assert.Len(t, r.NewPorts, 1)
	assert.Empty(t, r.RemovedSubdomains)
	assert.Empty(t, r.ClosedPorts)
	assert.NotNil(t, r.NewFindings)
	assert.NotNil(t, r.ResolvedFindings)
}
