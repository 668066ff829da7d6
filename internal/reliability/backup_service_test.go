package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhaneshraok/optionflow/internal/database"
	testingpkg "github.com/dhaneshraok/optionflow/internal/testing"
)

func testDatabases(t *testing.T) map[string]*database.DB {
	t.Helper()

	ledgerDB, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)
	copytradeDB, cleanupCopytrade := testingpkg.NewTestDB(t, "copytrade")
	t.Cleanup(cleanupCopytrade)

	return map[string]*database.DB{
		"ledger":    ledgerDB,
		"copytrade": copytradeDB,
	}
}

func TestDailyBackup(t *testing.T) {
	backupDir := t.TempDir()
	svc := NewBackupService(testDatabases(t), backupDir, 7, zerolog.Nop())

	require.NoError(t, svc.DailyBackup())

	date := time.Now().Format("2006-01-02")
	for _, name := range []string{"ledger", "copytrade"} {
		info, err := os.Stat(filepath.Join(backupDir, "daily", date, name+".db"))
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestDailyBackup_RotatesOldDirectories(t *testing.T) {
	backupDir := t.TempDir()
	svc := NewBackupService(testDatabases(t), backupDir, 7, zerolog.Nop())

	stale := filepath.Join(backupDir, "daily", "2026-01-01")
	require.NoError(t, os.MkdirAll(stale, 0755))

	require.NoError(t, svc.DailyBackup())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestBackupDatabase_UnknownName(t *testing.T) {
	svc := NewBackupService(testDatabases(t), t.TempDir(), 7, zerolog.Nop())

	err := svc.BackupDatabase("nonexistent", filepath.Join(t.TempDir(), "out.db"))
	assert.ErrorContains(t, err, "not found")
}

// fakeObjectStore records uploads and serves a canned listing
type fakeObjectStore struct {
	uploads map[string][]byte
	deleted []string
	objects []types.Object
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{uploads: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.uploads[key] = data
	return nil
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]types.Object, error) {
	var matched []types.Object
	for _, obj := range f.objects {
		if obj.Key != nil && strings.HasPrefix(*obj.Key, prefix) {
			matched = append(matched, obj)
		}
	}
	return matched, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func TestCreateAndUploadBackup(t *testing.T) {
	store := newFakeObjectStore()
	backups := NewBackupService(testDatabases(t), t.TempDir(), 7, zerolog.Nop())
	svc := NewCloudBackupService(store, backups, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.CreateAndUploadBackup(context.Background()))
	require.Len(t, store.uploads, 1)

	var archiveName string
	var archiveData []byte
	for key, data := range store.uploads {
		archiveName, archiveData = key, data
	}
	assert.True(t, strings.HasPrefix(archiveName, archivePrefix))
	assert.True(t, strings.HasSuffix(archiveName, ".tar.gz"))

	// Unpack the archive and check its contents
	gz, err := gzip.NewReader(bytes.NewReader(archiveData))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := make(map[string][]byte)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[header.Name] = data
	}

	assert.Contains(t, contents, "ledger.db")
	assert.Contains(t, contents, "copytrade.db")
	require.Contains(t, contents, "backup-metadata.json")

	var metadata BackupMetadata
	require.NoError(t, json.Unmarshal(contents["backup-metadata.json"], &metadata))
	require.Len(t, metadata.Databases, 2)
	for _, db := range metadata.Databases {
		assert.True(t, strings.HasPrefix(db.Checksum, "sha256:"))
		assert.Greater(t, db.SizeBytes, int64(0))
	}
}

func archiveObject(timestamp time.Time, size int64) types.Object {
	key := archivePrefix + timestamp.Format(archiveTimestamp) + ".tar.gz"
	return types.Object{Key: aws.String(key), Size: aws.Int64(size)}
}

func TestListBackups_NewestFirst(t *testing.T) {
	store := newFakeObjectStore()
	now := time.Now()
	store.objects = []types.Object{
		archiveObject(now.AddDate(0, 0, -5), 100),
		archiveObject(now, 300),
		archiveObject(now.AddDate(0, 0, -2), 200),
		{Key: aws.String("unrelated-file.txt"), Size: aws.Int64(5)},
	}

	svc := NewCloudBackupService(store, nil, t.TempDir(), zerolog.Nop())

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, int64(300), backups[0].SizeBytes)
	assert.Equal(t, int64(200), backups[1].SizeBytes)
	assert.Equal(t, int64(100), backups[2].SizeBytes)
}

func TestRotateOldBackups(t *testing.T) {
	store := newFakeObjectStore()
	now := time.Now()
	store.objects = []types.Object{
		archiveObject(now, 1),
		archiveObject(now.AddDate(0, 0, -1), 1),
		archiveObject(now.AddDate(0, 0, -2), 1),
		archiveObject(now.AddDate(0, 0, -40), 1),
		archiveObject(now.AddDate(0, 0, -50), 1),
	}

	svc := NewCloudBackupService(store, nil, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.RotateOldBackups(context.Background(), 30))
	assert.Len(t, store.deleted, 2)
}

func TestRotateOldBackups_KeepsMinimum(t *testing.T) {
	store := newFakeObjectStore()
	now := time.Now()
	store.objects = []types.Object{
		archiveObject(now.AddDate(0, 0, -100), 1),
		archiveObject(now.AddDate(0, 0, -200), 1),
		archiveObject(now.AddDate(0, 0, -300), 1),
	}

	svc := NewCloudBackupService(store, nil, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.RotateOldBackups(context.Background(), 30))
	assert.Empty(t, store.deleted)
}
