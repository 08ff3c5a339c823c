package ike

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ccvpn-oss/ccvpn/ccerr"
)

// persistVersion is bumped whenever the on-disk IkeSession shape
// changes incompatibly; Load refuses to decode a mismatched version
// rather than guess.
const persistVersion = 1

type persistedRecord struct {
	Version int
	Session IkeSession
}

// Save writes the session atomically (write-temp-then-rename) to path
// with 0600 permissions, per §3 ("written atomically to disk only
// after MODE_CFG succeeds") and §4.7/§6 (0600, versioned record).
func Save(path string, s *IkeSession) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(persistedRecord{Version: persistVersion, Session: *s}); err != nil {
		return ccerr.Res("session_encode_failed", "encode IKE session", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return ccerr.Res("session_dir_failed", fmt.Sprintf("create %s", dir), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return ccerr.Res("session_write_failed", fmt.Sprintf("write %s", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ccerr.Res("session_rename_failed", fmt.Sprintf("rename %s to %s", tmp, path), err)
	}
	return nil
}

// Load reads and decodes a persisted session. A missing file is not
// an error condition callers need to special-case away from a normal
// "no persisted session" path; callers check os.IsNotExist themselves
// if they need to distinguish it from a decode failure.
func Load(path string) (*IkeSession, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec persistedRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, ccerr.Res("session_decode_failed", fmt.Sprintf("decode %s", path), err)
	}
	if rec.Version != persistVersion {
		return nil, ccerr.Res("session_version_mismatch", fmt.Sprintf("%s has version %d, expected %d", path, rec.Version, persistVersion), nil)
	}
	return &rec.Session, nil
}

// Delete removes a persisted session file, tolerating its absence
// (disconnect's teardown is idempotent per §3).
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ccerr.Res("session_delete_failed", fmt.Sprintf("remove %s", path), err)
	}
	return nil
}
