package tasktest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/wedpr-lab/ppc-node/protocol"
)

// WriteDataset writes rows, one per line, to a fresh file under t.TempDir
// and returns its path — the Go analogue of TaskMock.h's rawData-backed
// DataResource, except every backend here (FILE/HDFS/SQL) only ever
// reads from a real Reader, so the mock dataset has to exist on disk
// rather than live purely in memory.
func WriteDataset(t *testing.T, rows []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.csv")
	content := ""
	if len(rows) > 0 {
		content = strings.Join(rows, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

// FileResource builds a FILE-backed DataResource whose Input reads path
// and whose Output writes to a fresh temp file, convenient for engine
// tests that need both a known dataset and a result the test can read
// back afterwards.
func FileResource(t *testing.T, resourceID, inputPath string) *protocol.DataResource {
	t.Helper()
	return &protocol.DataResource{
		ResourceID: resourceID,
		Input:      &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: inputPath},
		Output:     &protocol.DataResourceDesc{Kind: protocol.ResourceFile, Path: filepath.Join(t.TempDir(), "result.csv")},
	}
}

// MockTask builds a two-party Task (the shape every PSI/CEM engine test
// needs): selfID plays selfIndex with selfResource, a single peer plays
// peerIndex with peerResource, mirroring TaskMock.h's mockParty used
// twice plus a Task wrapping both.
func MockTask(taskID string, algo protocol.AlgorithmType, selfID string, selfIndex protocol.PartyIndex, selfResource *protocol.DataResource, peerID string, peerIndex protocol.PartyIndex, peerResource *protocol.DataResource) *protocol.Task {
	return &protocol.Task{
		TaskID:    taskID,
		Algorithm: algo,
		Self: protocol.PartyResource{
			PartyID:      selfID,
			Index:        selfIndex,
			DataResource: selfResource,
		},
		Peers: map[string]protocol.PartyResource{
			peerID: {
				PartyID:      peerID,
				Index:        peerIndex,
				DataResource: peerResource,
			},
		},
	}
}

// MarshalParams is a small convenience wrapper so engine tests can build
// a Task's Params field inline without importing goccy/go-json
// themselves.
func MarshalParams(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return out
}
