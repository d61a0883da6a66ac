package trialscope

import (
	"bytes"
	"errors"
	"testing"
)

func snapshotFixtures() ([]Site, []*subjectRecord) {
	sites := []Site{
		{SiteID: "site-1", StudyID: "STUDY-1", Country: "DE", Region: "EMEA"},
		{SiteID: "site-2", StudyID: "STUDY-1", Country: "US", Region: "AMER", OpenSiteIssues: 2},
	}
	recs := []*subjectRecord{
		{StudyID: "STUDY-1", SiteID: "site-1", SubjectID: "1001",
			Counts: map[IssueCategory]int{CategoryQueryAged: 3}, UpdatedAt: 42},
	}
	return sites, recs
}

func TestSnapshotRoundTrip(t *testing.T) {
	sites, recs := snapshotFixtures()
	data, err := EncodeSnapshot(sites, recs, nil)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	if !bytes.HasPrefix(data, snapshotMagic) {
		t.Fatal("snapshot missing magic header")
	}

	snap, err := DecodeSnapshot(data, nil)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(snap.Sites) != 2 || len(snap.Records) != 1 {
		t.Fatalf("decoded %d sites, %d records", len(snap.Sites), len(snap.Records))
	}
	if snap.Records[0].Counts[CategoryQueryAged] != 3 {
		t.Errorf("decoded counts = %v", snap.Records[0].Counts)
	}
	if snap.Records[0].UpdatedAt != 42 {
		t.Errorf("UpdatedAt = %d", snap.Records[0].UpdatedAt)
	}
}

func TestSnapshotEncryptedPassword(t *testing.T) {
	sites, recs := snapshotFixtures()
	cfg := EncryptionConfig{Enabled: true, KeyPassword: "correct horse"}
	enc, err := NewEncryptor(cfg)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	data, err := EncodeSnapshot(sites, recs, enc)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	// Without a key the decoder refuses.
	if _, err := DecodeSnapshot(data, nil); !errors.Is(err, ErrSnapshotEncrypted) {
		t.Errorf("no-key decode error = %v, want ErrSnapshotEncrypted", err)
	}

	// The right password round-trips via the stored salt.
	snap, err := DecodeSnapshot(data, &cfg)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(snap.Records) != 1 {
		t.Fatalf("decoded %d records", len(snap.Records))
	}

	// A wrong password fails as corruption, not silently.
	bad := EncryptionConfig{Enabled: true, KeyPassword: "wrong"}
	if _, err := DecodeSnapshot(data, &bad); !errors.Is(err, ErrSnapshotCorrupt) {
		t.Errorf("wrong-password error = %v, want ErrSnapshotCorrupt", err)
	}
}

func TestSnapshotEncryptedRawKey(t *testing.T) {
	sites, recs := snapshotFixtures()
	key := bytes.Repeat([]byte{7}, EncryptionKeySize)
	cfg := EncryptionConfig{Enabled: true, Key: key}
	enc, err := NewEncryptor(cfg)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	data, err := EncodeSnapshot(sites, recs, enc)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	snap, err := DecodeSnapshot(data, &cfg)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(snap.Sites) != 2 {
		t.Errorf("decoded %d sites", len(snap.Sites))
	}
}

func TestDecodeSnapshotCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("TS")},
		{"bad magic", []byte("XXXX\x01\x00payload")},
		{"bad version", []byte("TSQS\x09\x00payload")},
		{"truncated body", append(append([]byte{}, snapshotMagic...), snapshotVersion, 0, 0xff)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeSnapshot(tt.data, nil); !errors.Is(err, ErrSnapshotCorrupt) {
				t.Errorf("error = %v, want ErrSnapshotCorrupt", err)
			}
		})
	}
}
