package trialscope

import (
	"encoding/json"
	"time"

	"github.com/golang/snappy"
)

// snapshotMagic identifies a trialscope snapshot.
var snapshotMagic = []byte("TSQS")

const (
	snapshotVersion = 1

	snapshotFlagEncrypted = 1 << 0
)

// Snapshot is the portable serialization of a study's observation state.
// The wire form is magic, version, flags, an optional key-derivation salt,
// then a snappy-compressed JSON body (encrypted when the flag is set).
type Snapshot struct {
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	Sites     []Site           `json:"sites"`
	Records   []*subjectRecord `json:"records"`
}

// EncodeSnapshot serializes sites and subject records. enc may be nil for an
// unencrypted snapshot.
func EncodeSnapshot(sites []Site, records []*subjectRecord, enc *Encryptor) ([]byte, error) {
	snap := Snapshot{
		Version:   snapshotVersion,
		CreatedAt: time.Now(),
		Sites:     sites,
		Records:   records,
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	body = snappy.Encode(nil, body)

	flags := byte(0)
	var salt []byte
	if enc != nil {
		flags |= snapshotFlagEncrypted
		salt = enc.Salt()
		body, err = enc.Encrypt(body)
		if err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, len(snapshotMagic)+2+len(salt)+len(body))
	out = append(out, snapshotMagic...)
	out = append(out, snapshotVersion, flags)
	out = append(out, salt...)
	out = append(out, body...)
	return out, nil
}

// DecodeSnapshot parses a snapshot produced by EncodeSnapshot. For encrypted
// snapshots cfg must carry the key or password; otherwise cfg may be nil.
func DecodeSnapshot(data []byte, cfg *EncryptionConfig) (*Snapshot, error) {
	headerLen := len(snapshotMagic) + 2
	if len(data) < headerLen {
		return nil, ErrSnapshotCorrupt
	}
	for i, b := range snapshotMagic {
		if data[i] != b {
			return nil, ErrSnapshotCorrupt
		}
	}
	version := data[len(snapshotMagic)]
	flags := data[len(snapshotMagic)+1]
	if version != snapshotVersion {
		return nil, newStoreError(StoreErrorTypeCorruption, "unsupported snapshot version", "", ErrSnapshotCorrupt)
	}
	body := data[headerLen:]

	if flags&snapshotFlagEncrypted != 0 {
		if len(body) < EncryptionSaltSize {
			return nil, ErrSnapshotCorrupt
		}
		salt := body[:EncryptionSaltSize]
		body = body[EncryptionSaltSize:]

		if cfg == nil {
			return nil, ErrSnapshotEncrypted
		}
		var enc *Encryptor
		var err error
		switch {
		case cfg.KeyPassword != "":
			enc, err = NewEncryptorWithSalt(cfg.KeyPassword, salt)
		case len(cfg.Key) == EncryptionKeySize:
			enc, err = newEncryptorFromKey(cfg.Key, salt)
		default:
			return nil, ErrSnapshotEncrypted
		}
		if err != nil {
			return nil, err
		}
		body, err = enc.Decrypt(body)
		if err != nil {
			return nil, newStoreError(StoreErrorTypeCorruption, "snapshot decryption failed", "", ErrSnapshotCorrupt)
		}
	}

	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "snapshot decompression failed", "", ErrSnapshotCorrupt)
	}
	var snap Snapshot
	if err := json.Unmarshal(decoded, &snap); err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "snapshot unmarshal failed", "", ErrSnapshotCorrupt)
	}
	return &snap, nil
}
