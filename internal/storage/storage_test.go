package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTargetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	target := models.NewTarget("acme", "example.com")
	require.NoError(t, store.SaveTarget(target))

	byID, err := store.GetTarget(target.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "example.com", byID.Domain)

	byDomain, err := store.GetTargetByDomain("example.com")
	require.NoError(t, err)
	require.NotNil(t, byDomain)
	assert.Equal(t, target.ID, byDomain.ID)

	missing, err := store.GetTargetByDomain("other.org")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveTargetRejectsDuplicateDomain(t *testing.T) {
	store := newTestStore(t)

	first := models.NewTarget("acme", "example.com")
	require.NoError(t, store.SaveTarget(first))

	// re-saving the same target is an update, not a conflict
	first.Name = "acme corp"
	require.NoError(t, store.SaveTarget(first))

	second := models.NewTarget("imposter", "example.com")
	err := store.SaveTarget(second)
	require.ErrorIs(t, err, ErrDomainTaken)
}

func TestScanIndexIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	target := models.NewTarget("acme", "example.com")
	require.NoError(t, store.SaveTarget(target))

	scan := models.NewScan(target.ID, models.ProfileNormal)
	require.NoError(t, store.SaveScan(scan))

	// marking a scan resumed re-saves the same row
	scan.Resumed = true
	require.NoError(t, store.SaveScan(scan))

	scans, err := store.ListScansForTarget(target.ID)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.True(t, scans[0].Resumed)
}

func TestListScansNewestFirst(t *testing.T) {
	store := newTestStore(t)
	target := models.NewTarget("acme", "example.com")
	require.NoError(t, store.SaveTarget(target))

	older := models.NewScan(target.ID, models.ProfileNormal)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := models.NewScan(target.ID, models.ProfileAggressive)
	require.NoError(t, store.SaveScan(older))
	require.NoError(t, store.SaveScan(newer))

	scans, err := store.ListScansForTarget(target.ID)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, newer.ID, scans[0].ID)
	assert.Equal(t, older.ID, scans[1].ID)
}

func TestSetScanStatusStampsTimes(t *testing.T) {
	store := newTestStore(t)
	target := models.NewTarget("acme", "example.com")
	require.NoError(t, store.SaveTarget(target))
	scan := models.NewScan(target.ID, models.ProfileNormal)
	require.NoError(t, store.SaveScan(scan))

	require.NoError(t, store.SetScanStatus(scan.ID, models.StatusRunning, ""))
	got, err := store.GetScan(scan.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, store.SetScanStatus(scan.ID, models.StatusCompleted, ""))
	got, err = store.GetScan(scan.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}

func TestTerminalScansAreFrozen(t *testing.T) {
	store := newTestStore(t)
	target := models.NewTarget("acme", "example.com")
	require.NoError(t, store.SaveTarget(target))
	scan := models.NewScan(target.ID, models.ProfileNormal)
	require.NoError(t, store.SaveScan(scan))
	require.NoError(t, store.SetScanStatus(scan.ID, models.StatusFailed, "stopped by user"))

	err := store.SetScanStatus(scan.ID, models.StatusRunning, "")
	require.ErrorIs(t, err, ErrScanFrozen)

	err = store.SetStageProgress(scan.ID, "http_probe", 50)
	require.ErrorIs(t, err, ErrScanFrozen)
}

func TestStageProgressAccumulates(t *testing.T) {
	store := newTestStore(t)
	target := models.NewTarget("acme", "example.com")
	require.NoError(t, store.SaveTarget(target))
	scan := models.NewScan(target.ID, models.ProfileNormal)
	require.NoError(t, store.SaveScan(scan))

	require.NoError(t, store.SetStageProgress(scan.ID, "subdomain_enum", 100))
	require.NoError(t, store.SetStageProgress(scan.ID, "dns_resolution", 40))

	got, err := store.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, "dns_resolution", got.CurrentStage)
	assert.Equal(t, map[string]int{"subdomain_enum": 100, "dns_resolution": 40}, got.Progress)
}

func TestSubdomainMergeSemantics(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveSubdomains("scan-1", []models.Subdomain{
		{Hostname: "www.example.com", Sources: []string{"subfinder"}},
	}))
	// second discovery from another source, now with probe data
	require.NoError(t, store.SaveSubdomains("scan-1", []models.Subdomain{
		{Hostname: "www.example.com", Sources: []string{"amass"}, IPs: []string{"10.0.0.1"}, Alive: true, HTTPStatus: 200, Title: "Home"},
	}))
	// a later save without probe data must not erase it
	require.NoError(t, store.SaveSubdomains("scan-1", []models.Subdomain{
		{Hostname: "www.example.com", Sources: []string{"dnsx"}},
	}))

	subs, err := store.GetSubdomains("scan-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.ElementsMatch(t, []string{"subfinder", "amass", "dnsx"}, subs[0].Sources)
	assert.True(t, subs[0].Alive)
	assert.Equal(t, 200, subs[0].HTTPStatus)
	assert.Equal(t, "Home", subs[0].Title)
	assert.Equal(t, []string{"10.0.0.1"}, subs[0].IPs)
}

func TestEndpointTagsAccumulate(t *testing.T) {
	store := newTestStore(t)

	url := "https://www.example.com/login?next=/home"
	require.NoError(t, store.SaveEndpoints("scan-1", []models.Endpoint{
		{URL: url, Source: "wayback", Params: []string{"next"}},
	}))
	require.NoError(t, store.SaveEndpoints("scan-1", []models.Endpoint{
		{URL: url, PatternTags: []string{"redirect"}},
	}))
	require.NoError(t, store.SaveEndpoints("scan-1", []models.Endpoint{
		{URL: url, PatternTags: []string{"ssrf"}},
	}))

	eps, err := store.GetEndpoints("scan-1")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.ElementsMatch(t, []string{"redirect", "ssrf"}, eps[0].PatternTags)
	assert.Equal(t, []string{"next"}, eps[0].Params)
	assert.Equal(t, "wayback", eps[0].Source)
}

func TestFindingsDedupeAndSort(t *testing.T) {
	store := newTestStore(t)

	base := models.Finding{
		Title:      "Exposed .env file",
		Severity:   models.SeverityMedium,
		URL:        "https://www.example.com/.env",
		Tool:       "nuclei",
		TemplateID: "exposed-env",
	}
	require.NoError(t, store.SaveFindings("scan-1", []models.Finding{base}))

	// the triaged re-save lands on the same row
	triaged := base
	triaged.TriageNote = "confirmed, contains credentials"
	require.NoError(t, store.SaveFindings("scan-1", []models.Finding{triaged}))

	require.NoError(t, store.SaveFindings("scan-1", []models.Finding{
		{Title: "Hardcoded AWS key", Severity: models.SeverityCritical, URL: "https://www.example.com/app.js", Tool: "js-analysis"},
		{Title: "No severity given", URL: "https://www.example.com/x", Tool: "gf-patterns"},
	}))

	findings, err := store.GetFindings("scan-1")
	require.NoError(t, err)
	require.Len(t, findings, 3)
	assert.Equal(t, models.SeverityCritical, findings[0].Severity)
	assert.Equal(t, "confirmed, contains credentials", findings[1].TriageNote)
	assert.Equal(t, models.SeverityInfo, findings[2].Severity, "missing severity defaults to info")
}

func TestPortsKeepFingerprintDetails(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SavePorts("scan-1", []models.Port{
		{IP: "10.0.0.1", Port: 443},
	}))
	require.NoError(t, store.SavePorts("scan-1", []models.Port{
		{IP: "10.0.0.1", Port: 443, Protocol: "tcp", Service: "https", Version: "nginx 1.24"},
	}))
	// a re-sweep without service details must not erase the fingerprint
	require.NoError(t, store.SavePorts("scan-1", []models.Port{
		{IP: "10.0.0.1", Port: 443},
	}))

	ports, err := store.GetPorts("scan-1")
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "tcp", ports[0].Protocol)
	assert.Equal(t, "https", ports[0].Service)
	assert.Equal(t, "nginx 1.24", ports[0].Version)
	assert.Equal(t, models.PortOpen, ports[0].State)
}

func TestCountArtifacts(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveSubdomains("scan-1", []models.Subdomain{
		{Hostname: "a.example.com"}, {Hostname: "b.example.com"},
	}))
	require.NoError(t, store.SavePorts("scan-1", []models.Port{{IP: "10.0.0.1", Port: 80}}))
	// artifacts of another scan do not bleed into the count
	require.NoError(t, store.SaveSubdomains("scan-2", []models.Subdomain{{Hostname: "c.example.com"}}))

	counts, err := store.CountArtifacts("scan-1")
	require.NoError(t, err)
	assert.Equal(t, ArtifactCounts{Subdomains: 2, Ports: 1}, counts)
}

func TestCheckpointBlobLifecycle(t *testing.T) {
	store := newTestStore(t)

	blob, err := store.GetCheckpointBlob("scan-1")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, store.SaveCheckpointBlob("scan-1", []byte(`{"completed":["subdomain_enum"]}`)))
	blob, err = store.GetCheckpointBlob("scan-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"completed":["subdomain_enum"]}`, string(blob))

	require.NoError(t, store.ClearCheckpointBlob("scan-1"))
	blob, err = store.GetCheckpointBlob("scan-1")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestDeleteTargetCascades(t *testing.T) {
	store := newTestStore(t)
	target := models.NewTarget("acme", "example.com")
	require.NoError(t, store.SaveTarget(target))
	scan := models.NewScan(target.ID, models.ProfileNormal)
	require.NoError(t, store.SaveScan(scan))
	require.NoError(t, store.SaveSubdomains(scan.ID, []models.Subdomain{{Hostname: "www.example.com"}}))
	require.NoError(t, store.SaveCheckpointBlob(scan.ID, []byte(`{}`)))

	require.NoError(t, store.DeleteTarget(target.ID))

	gone, err := store.GetTarget(target.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	goneScan, err := store.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Nil(t, goneScan)
	subs, err := store.GetSubdomains(scan.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
	blob, err := store.GetCheckpointBlob(scan.ID)
	require.NoError(t, err)
	assert.Nil(t, blob)
	byDomain, err := store.GetTargetByDomain("example.com")
	require.NoError(t, err)
	assert.Nil(t, byDomain, "domain index entry must be released")
}

func TestSystemStateSingleRow(t *testing.T) {
	store := newTestStore(t)

	state, err := store.GetSystemState()
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, store.UpsertSystemState(&models.SystemState{NetworkStatus: models.NetworkOffline}))
	require.NoError(t, store.UpsertSystemState(&models.SystemState{NetworkStatus: models.NetworkOnline, BatteryLevel: 80}))

	state, err = store.GetSystemState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, models.NetworkOnline, state.NetworkStatus)
	assert.Equal(t, 80, state.BatteryLevel)
}

func TestStoreErrorsCarryKind(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	err := store.SaveSubdomains("scan-1", []models.Subdomain{{Hostname: "www.example.com"}})
	require.Error(t, err)
	assert.Equal(t, faults.StoreWriteFailure, faults.KindOf(err))
}
