// Package oracle classifies presented client certificates against a
// periodically refreshed snapshot of client identity records and a revocation
// list. Classification is pure in-memory work: the request path reads one
// atomic pointer and never touches disk or network.
package oracle

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "gopkg.in/yaml.v2"

	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
)

// Classification is the oracle's verdict on a client certificate.
type Classification string

const (
	Active  Classification = "active"
	Revoked Classification = "revoked"
	Expired Classification = "expired"
	Unknown Classification = "unknown"
)

// ClientIdentity is one entry of the identity table, produced by the external
// PKI tooling and read-only here.
type ClientIdentity struct {
	ClientID        string    `yaml:"client_id"`
	CertFingerprint string    `yaml:"cert_fingerprint"`
	Status          string    `yaml:"status"` // active, revoked, expired
	ExpiresAt       time.Time `yaml:"expires_at"`
}

// identityFile is the on-disk shape of the identity table.
type identityFile struct {
	Clients []ClientIdentity `yaml:"clients"`
}

// RevocationEntry is one line of the append-only revocation list.
type RevocationEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Serial      string    `json:"serial,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RevokedAt   time.Time `json:"revoked_at"`
}

// Snapshot is an immutable view of the identity table and revocation list.
// Readers get the whole snapshot through one pointer load; reloads build a
// fresh snapshot and swap the pointer, so a reader never observes a partial
// update.
type Snapshot struct {
	clients  map[string]ClientIdentity // keyed by client_id
	revoked  map[string]RevocationEntry
	LoadedAt time.Time
}

// Config locates the oracle's sources and sets its refresh cadence.
type Config struct {
	ClientsFile     string
	RevocationFile  string
	RefreshInterval time.Duration
	Now             func() time.Time
	Logger          *logging.Logger
}

// Oracle holds the current snapshot and keeps it fresh.
type Oracle struct {
	cfg      Config
	now      func() time.Time
	logger   *logging.Logger
	snapshot atomic.Pointer[Snapshot]
	reload   chan struct{}
}

// New loads the initial snapshot; it fails rather than start with an empty
// identity table, since an empty table silently rejects every client.
func New(cfg Config) (*Oracle, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(logging.Config{})
	}

	o := &Oracle{
		cfg:    cfg,
		now:    cfg.Now,
		logger: cfg.Logger.WithComponent("oracle"),
		reload: make(chan struct{}, 1),
	}
	snap, err := o.load()
	if err != nil {
		return nil, fmt.Errorf("load initial oracle snapshot: %w", err)
	}
	o.snapshot.Store(snap)
	return o, nil
}

// Fingerprint returns the lowercase hex SHA-256 of the certificate's DER
// bytes, the identity every other component keys on.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Classify applies the verdict order: revocation list first, then certificate
// expiry, then identity lookup by subject common name. No I/O, no locks.
func (o *Oracle) Classify(cert *x509.Certificate) Classification {
	snap := o.snapshot.Load()
	now := o.now()

	fingerprint := Fingerprint(cert)
	if _, isRevoked := snap.revoked[fingerprint]; isRevoked {
		return Revoked
	}
	if now.After(cert.NotAfter) {
		return Expired
	}

	identity, found := snap.clients[cert.Subject.CommonName]
	if !found {
		return Unknown
	}
	switch identity.Status {
	case "active":
		if !identity.ExpiresAt.IsZero() && now.After(identity.ExpiresAt) {
			return Expired
		}
		return Active
	case "expired":
		return Expired
	default:
		return Revoked
	}
}

// SnapshotAge reports how long ago the current snapshot was loaded, for the
// health endpoint and metrics.
func (o *Oracle) SnapshotAge() time.Duration {
	return o.now().Sub(o.snapshot.Load().LoadedAt)
}

// Reload triggers an asynchronous snapshot refresh.
func (o *Oracle) Reload() {
	select {
	case o.reload <- struct{}{}:
	default:
	}
}

// Run refreshes the snapshot on the configured interval, on writes to either
// source file, and on explicit Reload calls, until ctx is cancelled. A failed
// refresh keeps the last good snapshot.
func (o *Oracle) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create snapshot watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range []string{o.cfg.ClientsFile, o.cfg.RevocationFile} {
		if path == "" {
			continue
		}
		if err := watcher.Add(path); err != nil {
			// Watching is an optimization over the ticker, not a requirement.
			o.logger.Warn("cannot watch oracle source", "path", path, "error", err)
		}
	}

	ticker := time.NewTicker(o.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-o.reload:
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("snapshot watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("snapshot watcher errors channel closed")
			}
			o.logger.Warn("snapshot watcher error", "error", err)
			continue
		}

		snap, err := o.load()
		if err != nil {
			o.logger.Error("snapshot refresh failed, keeping previous", "error", err)
			continue
		}
		o.snapshot.Store(snap)
		o.logger.Debug("oracle snapshot refreshed",
			"clients", len(snap.clients), "revoked", len(snap.revoked))
	}
}

// load reads both sources into a fresh immutable snapshot.
func (o *Oracle) load() (*Snapshot, error) {
	clients, err := loadClients(o.cfg.ClientsFile)
	if err != nil {
		return nil, err
	}
	revoked, err := loadRevocations(o.cfg.RevocationFile)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		clients:  clients,
		revoked:  revoked,
		LoadedAt: o.now(),
	}, nil
}

func loadClients(path string) (map[string]ClientIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity table %s: %w", path, err)
	}
	var file identityFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse identity table %s: %w", path, err)
	}
	clients := make(map[string]ClientIdentity, len(file.Clients))
	for _, c := range file.Clients {
		if c.ClientID == "" {
			return nil, fmt.Errorf("identity table %s: entry with empty client_id", path)
		}
		clients[c.ClientID] = c
	}
	return clients, nil
}

// loadRevocations parses the append-only JSON-lines revocation list. Blank
// lines and #-comments are tolerated since the file is hand-appended by admin
// tooling.
func loadRevocations(path string) (map[string]RevocationEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No revocation list means nothing revoked yet.
			return map[string]RevocationEntry{}, nil
		}
		return nil, fmt.Errorf("open revocation list %s: %w", path, err)
	}
	defer f.Close()

	revoked := make(map[string]RevocationEntry)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var entry RevocationEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("revocation list %s line %d: %w", path, line, err)
		}
		if entry.Fingerprint == "" {
			return nil, fmt.Errorf("revocation list %s line %d: missing fingerprint", path, line)
		}
		revoked[strings.ToLower(entry.Fingerprint)] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read revocation list %s: %w", path, err)
	}
	return revoked, nil
}
