package storage

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
)

func writeMetaFile(path string, md *model.StorageMetadata) error {
	b, err := json.Marshal(md)
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrap(err, "write metadata sidecar")
	}
	return nil
}

func readMetaFile(path string) (*model.StorageMetadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "read metadata sidecar")
	}
	var md model.StorageMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, errors.Wrap(err, "unmarshal metadata")
	}
	return &md, nil
}
