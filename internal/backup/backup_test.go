package backup

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"scalesync/internal/artifact"
	"scalesync/internal/logging"
	"scalesync/internal/models"
	"scalesync/internal/store"
	"scalesync/internal/transport"
)

type capturingUploader struct {
	snapshot []byte
	manifest []byte
	files    map[string][]byte
}

func (u *capturingUploader) UploadBackup(_ context.Context, snapshot, manifest []byte, files map[string][]byte) (transport.BackupResult, error) {
	u.snapshot = snapshot
	u.manifest = manifest
	u.files = files
	return transport.BackupResult{Success: true, BackupID: "b-1", Timestamp: 1}, nil
}

func TestBackupIncludesSnapshotAndArtifacts(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "a.db"), models.DeviceIdentity{ID: "station-a", Name: "a"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	artifacts, err := artifact.NewFileStore(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("open artifacts: %v", err)
	}

	c := &models.Customer{Name: "Ada"}
	if err := st.SaveCustomer(c); err != nil {
		t.Fatalf("save customer: %v", err)
	}

	photo := []byte("face-bytes")
	presentRef := artifact.ContentRef(photo)
	if err := artifacts.Put(context.Background(), presentRef, photo); err != nil {
		t.Fatalf("store artifact: %v", err)
	}
	// One ref the station can read, one it never received.
	bio := &models.BiometricRecord{CustomerID: c.ID, FaceRef: presentRef, SignatureRef: "sha256/never-arrived"}
	if err := st.SaveBiometricRecord(bio); err != nil {
		t.Fatalf("save biometric: %v", err)
	}

	uploader := &capturingUploader{}
	eng := New(st, artifacts, st.Identity(), uploader, logging.NewNop())
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run backup: %v", err)
	}
	if !res.Success || res.BackupID != "b-1" {
		t.Fatalf("result %+v", res)
	}

	var snap store.Snapshot
	if err := json.Unmarshal(uploader.snapshot, &snap); err != nil {
		t.Fatalf("snapshot not valid json: %v", err)
	}
	if len(snap.Customers) != 1 || len(snap.BiometricRecords) != 1 {
		t.Fatalf("snapshot incomplete: %d customers, %d biometrics", len(snap.Customers), len(snap.BiometricRecords))
	}

	var manifest Manifest
	if err := json.Unmarshal(uploader.manifest, &manifest); err != nil {
		t.Fatalf("manifest not valid json: %v", err)
	}
	if manifest.DeviceID != "station-a" || manifest.BackupID == "" {
		t.Fatalf("manifest header %+v", manifest)
	}
	if manifest.Tables[string(models.EntityCustomer)] != 1 {
		t.Fatalf("manifest counts %+v", manifest.Tables)
	}

	// The readable blob ships; the missing one is listed with its error
	// instead of silently dropped.
	if string(uploader.files[presentRef]) != string(photo) {
		t.Fatal("present artifact not included")
	}
	byRef := make(map[string]ArtifactEntry)
	for _, e := range manifest.Artifacts {
		byRef[e.Ref] = e
	}
	if !byRef[presentRef].Included {
		t.Fatalf("present artifact not marked included: %+v", byRef[presentRef])
	}
	missing := byRef["sha256/never-arrived"]
	if missing.Included || missing.Error == "" {
		t.Fatalf("missing artifact not recorded: %+v", missing)
	}
	if _, ok := uploader.files["sha256/never-arrived"]; ok {
		t.Fatal("missing artifact somehow shipped")
	}
}

func TestBackupWithoutTargetFails(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "a.db"), models.DeviceIdentity{ID: "station-a", Name: "a"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	eng := New(st, nil, st.Identity(), nil, logging.NewNop())
	if _, err := eng.Run(context.Background()); err == nil {
		t.Fatal("expected error without an upload target")
	}
}
