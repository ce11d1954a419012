package idbstore

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
)

// corruptionInfoMaxSize caps the report read back by ReadCorruptionInfo.
const corruptionInfoMaxSize = 64 * 1024

type corruptionInfo struct {
	Message string `json:"message"`
}

// CorruptionInfoPath returns where the corruption report of the store at
// path lives.
func CorruptionInfoPath(path string) string {
	return path + ".corruption_info.json"
}

// RecordCorruptionInfo leaves a corruption report next to the store, for
// ReadCorruptionInfo to pick up on a later run.
func (s *Store) RecordCorruptionInfo(message string) error {
	defer s.seq.enter("RecordCorruptionInfo")()
	return s.recordCorruptionInfo(message)
}

func (s *Store) recordCorruptionInfo(message string) error {
	if s.incognito {
		return nil
	}
	data, err := json.Marshal(corruptionInfo{Message: message})
	if err != nil {
		return err
	}
	path := CorruptionInfoPath(s.path)
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ioErr("record corruption info", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ioErr("record corruption info", err)
	}
	return nil
}

// ReadCorruptionInfo returns and deletes the corruption report of the store
// at path. It returns "" if there is none, or if the report is unreadable.
func ReadCorruptionInfo(path string) string {
	infoPath := CorruptionInfoPath(path)
	fi, err := os.Stat(infoPath)
	if err != nil {
		return ""
	}
	defer os.Remove(infoPath)
	if fi.Size() > corruptionInfoMaxSize {
		return ""
	}
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return ""
	}
	var info corruptionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ""
	}
	return info.Message
}
