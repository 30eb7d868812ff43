package oracle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alirezakavianifar/message-broker-sub002/internal/testutil"
)

func writeClientsFile(t *testing.T, dir string, entries ...string) string {
	t.Helper()
	content := "clients:\n"
	for _, e := range entries {
		content += e
	}
	return testutil.WriteFile(t, dir, "clients.yaml", []byte(content))
}

func clientEntry(clientID, fingerprint, status string, expiresAt time.Time) string {
	return fmt.Sprintf(
		"  - client_id: %s\n    cert_fingerprint: %s\n    status: %s\n    expires_at: %s\n",
		clientID, fingerprint, status, expiresAt.UTC().Format(time.RFC3339))
}

func TestClassifyVerdicts(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t)

	farFuture := time.Now().Add(24 * time.Hour)
	active := ca.Issue(t, "client-active", farFuture)
	revoked := ca.Issue(t, "client-revoked", farFuture)
	listedRevoked := ca.Issue(t, "client-listed-revoked", farFuture)
	certExpired := ca.Issue(t, "client-cert-expired", time.Now().Add(-time.Hour))
	tableExpired := ca.Issue(t, "client-table-expired", farFuture)
	statusExpired := ca.Issue(t, "client-status-expired", farFuture)
	stranger := ca.Issue(t, "client-stranger", farFuture)

	clientsFile := writeClientsFile(t, dir,
		clientEntry("client-active", Fingerprint(active.Cert), "active", farFuture),
		clientEntry("client-revoked", Fingerprint(revoked.Cert), "revoked", farFuture),
		clientEntry("client-listed-revoked", Fingerprint(listedRevoked.Cert), "active", farFuture),
		clientEntry("client-cert-expired", Fingerprint(certExpired.Cert), "active", farFuture),
		clientEntry("client-table-expired", Fingerprint(tableExpired.Cert), "active", time.Now().Add(-time.Minute)),
		clientEntry("client-status-expired", Fingerprint(statusExpired.Cert), "expired", farFuture),
	)
	revocationFile := testutil.WriteFile(t, dir, "revoked.jsonl", []byte(
		fmt.Sprintf(`{"fingerprint":%q,"reason":"key compromise","revoked_at":"2026-01-01T00:00:00Z"}`+"\n",
			Fingerprint(listedRevoked.Cert))))

	orc, err := New(Config{ClientsFile: clientsFile, RevocationFile: revocationFile})
	require.NoError(t, err)

	assert.Equal(t, Active, orc.Classify(active.Cert))
	assert.Equal(t, Revoked, orc.Classify(revoked.Cert))
	assert.Equal(t, Expired, orc.Classify(certExpired.Cert))
	assert.Equal(t, Expired, orc.Classify(tableExpired.Cert))
	assert.Equal(t, Expired, orc.Classify(statusExpired.Cert))
	assert.Equal(t, Unknown, orc.Classify(stranger.Cert))

	// The revocation list wins over everything, including an "active" table row.
	assert.Equal(t, Revoked, orc.Classify(listedRevoked.Cert))
}

func TestRevocationBeatsExpiry(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t)
	leaf := ca.Issue(t, "client-a", time.Now().Add(-time.Hour))

	clientsFile := writeClientsFile(t, dir,
		clientEntry("client-a", Fingerprint(leaf.Cert), "active", time.Now().Add(24*time.Hour)))
	revocationFile := testutil.WriteFile(t, dir, "revoked.jsonl", []byte(
		fmt.Sprintf(`{"fingerprint":%q,"revoked_at":"2026-01-01T00:00:00Z"}`+"\n", Fingerprint(leaf.Cert))))

	orc, err := New(Config{ClientsFile: clientsFile, RevocationFile: revocationFile})
	require.NoError(t, err)
	assert.Equal(t, Revoked, orc.Classify(leaf.Cert))
}

func TestMissingRevocationFileMeansNothingRevoked(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t)
	leaf := ca.Issue(t, "client-a", time.Now().Add(24*time.Hour))

	clientsFile := writeClientsFile(t, dir,
		clientEntry("client-a", Fingerprint(leaf.Cert), "active", time.Now().Add(24*time.Hour)))

	orc, err := New(Config{
		ClientsFile:    clientsFile,
		RevocationFile: filepath.Join(dir, "does-not-exist.jsonl"),
	})
	require.NoError(t, err)
	assert.Equal(t, Active, orc.Classify(leaf.Cert))
}

func TestRevocationListToleratesBlanksAndComments(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t)
	leaf := ca.Issue(t, "client-a", time.Now().Add(24*time.Hour))

	clientsFile := writeClientsFile(t, dir,
		clientEntry("client-a", Fingerprint(leaf.Cert), "active", time.Now().Add(24*time.Hour)))
	revocationFile := testutil.WriteFile(t, dir, "revoked.jsonl", []byte(
		"# rotated 2026-02\n\n"+
			fmt.Sprintf(`{"fingerprint":%q,"revoked_at":"2026-02-01T00:00:00Z"}`+"\n", Fingerprint(leaf.Cert))))

	orc, err := New(Config{ClientsFile: clientsFile, RevocationFile: revocationFile})
	require.NoError(t, err)
	assert.Equal(t, Revoked, orc.Classify(leaf.Cert))
}

func TestNewFailsWithoutClientsFile(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Config{
		ClientsFile:    filepath.Join(dir, "missing.yaml"),
		RevocationFile: filepath.Join(dir, "missing.jsonl"),
	})
	require.Error(t, err)
}

func TestReloadPicksUpRevocation(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t)
	leaf := ca.Issue(t, "client-a", time.Now().Add(24*time.Hour))

	clientsFile := writeClientsFile(t, dir,
		clientEntry("client-a", Fingerprint(leaf.Cert), "active", time.Now().Add(24*time.Hour)))
	revocationFile := testutil.WriteFile(t, dir, "revoked.jsonl", nil)

	orc, err := New(Config{
		ClientsFile:     clientsFile,
		RevocationFile:  revocationFile,
		RefreshInterval: time.Hour, // only explicit reloads in this test
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orc.Run(ctx)
	}()

	require.Equal(t, Active, orc.Classify(leaf.Cert))

	err = os.WriteFile(revocationFile, []byte(
		fmt.Sprintf(`{"fingerprint":%q,"revoked_at":"2026-03-01T00:00:00Z"}`+"\n", Fingerprint(leaf.Cert))), 0o644)
	require.NoError(t, err)
	orc.Reload()

	require.Eventually(t, func() bool {
		return orc.Classify(leaf.Cert) == Revoked
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestFailedReloadKeepsLastGoodSnapshot(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t)
	leaf := ca.Issue(t, "client-a", time.Now().Add(24*time.Hour))

	clientsFile := writeClientsFile(t, dir,
		clientEntry("client-a", Fingerprint(leaf.Cert), "active", time.Now().Add(24*time.Hour)))
	revocationFile := testutil.WriteFile(t, dir, "revoked.jsonl", nil)

	orc, err := New(Config{
		ClientsFile:     clientsFile,
		RevocationFile:  revocationFile,
		RefreshInterval: time.Hour,
	})
	require.NoError(t, err)
	loadedAt := orc.snapshot.Load().LoadedAt

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orc.Run(ctx)
	}()

	// Break the identity table and force a reload.
	require.NoError(t, os.WriteFile(clientsFile, []byte("clients: [broken"), 0o644))
	orc.Reload()

	// The verdict keeps coming from the last good snapshot.
	require.Never(t, func() bool {
		return orc.Classify(leaf.Cert) != Active
	}, 300*time.Millisecond, 25*time.Millisecond)
	assert.Equal(t, loadedAt, orc.snapshot.Load().LoadedAt)

	cancel()
	<-done
}

func TestClassifyIsSafeDuringReload(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t)
	leaf := ca.Issue(t, "client-a", time.Now().Add(24*time.Hour))

	clientsFile := writeClientsFile(t, dir,
		clientEntry("client-a", Fingerprint(leaf.Cert), "active", time.Now().Add(24*time.Hour)))
	revocationFile := testutil.WriteFile(t, dir, "revoked.jsonl", nil)

	orc, err := New(Config{
		ClientsFile:     clientsFile,
		RevocationFile:  revocationFile,
		RefreshInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orc.Run(ctx)
	}()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got := orc.Classify(leaf.Cert)
				// Only complete snapshots are visible, so the verdict never
				// flaps to unknown.
				if got != Active {
					t.Errorf("unexpected verdict during reload: %s", got)
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		orc.Reload()
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	wg.Wait()

	cancel()
	<-done
}

func TestSnapshotAgeGrows(t *testing.T) {
	dir := t.TempDir()
	ca := testutil.NewCA(t)
	leaf := ca.Issue(t, "client-a", time.Now().Add(24*time.Hour))

	clientsFile := writeClientsFile(t, dir,
		clientEntry("client-a", Fingerprint(leaf.Cert), "active", time.Now().Add(24*time.Hour)))

	base := time.Now()
	clock := base
	orc, err := New(Config{
		ClientsFile:    clientsFile,
		RevocationFile: filepath.Join(dir, "missing.jsonl"),
		Now:            func() time.Time { return clock },
	})
	require.NoError(t, err)

	clock = base.Add(45 * time.Second)
	assert.Equal(t, 45*time.Second, orc.SnapshotAge())
}
