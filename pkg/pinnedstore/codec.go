package pinnedstore

import (
	"encoding/json"

	"github.com/workflowd/engine/pkg/canonjson"
)

func canonicalBytes(snap Snapshot) ([]byte, error) {
	return canonjson.Marshal(snap)
}

func decodeSnapshot(b []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
