package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzaki/scanward/internal/faults"
)

// fakeRows is an in-memory RowStore
type fakeRows struct {
	blobs map[string][]byte
}

func newFakeRows() *fakeRows { return &fakeRows{blobs: make(map[string][]byte)} }

func (f *fakeRows) SaveCheckpointBlob(scanID string, blob []byte) error {
	f.blobs[scanID] = append([]byte(nil), blob...)
	return nil
}

func (f *fakeRows) GetCheckpointBlob(scanID string) ([]byte, error) {
	return f.blobs[scanID], nil
}

func (f *fakeRows) ClearCheckpointBlob(scanID string) error {
	delete(f.blobs, scanID)
	return nil
}

func samplePayload() *Payload {
	return &Payload{
		ScanID:           "scan-1",
		CurrentModule:    "port_scan",
		CompletedModules: []string{"subdomain_enum", "dns_resolution", "http_probe"},
		PendingModules:   []string{"port_scan", "wayback_urls"},
		ModuleState:      map[string]string{"dns_resolution": "2 resolved"},
		ResultsCache: map[string]json.RawMessage{
			"subdomain_enum": json.RawMessage(`{"hostnames":["www.example.com"]}`),
		},
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	rows := newFakeRows()
	store, err := NewStore(t.TempDir(), rows, nil)
	require.NoError(t, err)

	p := samplePayload()
	require.NoError(t, store.Save(p))
	assert.Len(t, p.Checksum, 16)

	loaded, err := store.Load("scan-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, p.CompletedModules, loaded.CompletedModules)
	assert.Equal(t, p.PendingModules, loaded.PendingModules)
	assert.Equal(t, p.ModuleState, loaded.ModuleState)
	assert.JSONEq(t, string(p.ResultsCache["subdomain_enum"]), string(loaded.ResultsCache["subdomain_enum"]))
	assert.Equal(t, p.Checksum, loaded.Checksum)

	// Both backings hold the payload.
	assert.NotNil(t, rows.blobs["scan-1"])
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store, err := NewStore(t.TempDir(), newFakeRows(), nil)
	require.NoError(t, err)

	loaded, err := store.Load("never-saved")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadFallsBackToRowBlob(t *testing.T) {
	dir := t.TempDir()
	rows := newFakeRows()
	store, err := NewStore(dir, rows, nil)
	require.NoError(t, err)

	p := samplePayload()
	require.NoError(t, store.Save(p))
	require.NoError(t, os.Remove(filepath.Join(dir, "scan-1.json")))

	loaded, err := store.Load("scan-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "port_scan", loaded.CurrentModule)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, newFakeRows(), nil)
	require.NoError(t, err)

	p := samplePayload()
	require.NoError(t, store.Save(p))

	// Arbitrary bytes in place of the payload.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan-1.json"), []byte("garbage"), 0o600))

	_, err = store.Load("scan-1")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CheckpointCorrupt))
}

func TestLoadRejectsTamperedPayload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, newFakeRows(), nil)
	require.NoError(t, err)

	p := samplePayload()
	require.NoError(t, store.Save(p))

	path := filepath.Join(dir, "scan-1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var tampered Payload
	require.NoError(t, json.Unmarshal(data, &tampered))
	tampered.CompletedModules = append(tampered.CompletedModules, "nuclei_scan")
	out, err := json.Marshal(&tampered)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o600))

	_, err = store.Load("scan-1")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CheckpointCorrupt))
}

func TestClearRemovesBothBackings(t *testing.T) {
	dir := t.TempDir()
	rows := newFakeRows()
	store, err := NewStore(dir, rows, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(samplePayload()))
	require.NoError(t, store.Clear("scan-1"))

	_, err = os.Stat(filepath.Join(dir, "scan-1.json"))
	assert.True(t, os.IsNotExist(err))
	assert.Nil(t, rows.blobs["scan-1"])

	// Clearing again is a no-op.
	require.NoError(t, store.Clear("scan-1"))
}

func TestDigestIgnoresChecksumField(t *testing.T) {
	p := samplePayload()
	before, err := p.Digest()
	require.NoError(t, err)

	p.Checksum = "ffffffffffffffff"
	after, err := p.Digest()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
