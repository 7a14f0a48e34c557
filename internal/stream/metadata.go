package stream

import (
	"encoding/json"
	"fmt"

	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// Metadata is the structured payload of a stream's single META frame. It
// tolerates unknown keys on read (spec §3): any key not in the known set is
// preserved in Extra and re-emitted on a subsequent Marshal.
type Metadata struct {
	DiskName          string  `json:"diskName"`
	DiskFormat        string  `json:"diskFormat"`
	VirtualSize       uint64  `json:"virtualSize"`
	DataSize          uint64  `json:"dataSize"`
	CheckpointName    string  `json:"checkpointName"`
	ParentCheckpoint  *string `json:"parentCheckpoint"`
	Incremental       bool    `json:"incremental"`
	Compressed        bool    `json:"compressed"`
	CompressionMethod string  `json:"compressionMethod,omitempty"`

	// Extra holds any field present in the payload that is not one of the
	// fixed fields above, keyed by JSON field name.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownMetadataFields = map[string]bool{
	"diskName": true, "diskFormat": true, "virtualSize": true, "dataSize": true,
	"checkpointName": true, "parentCheckpoint": true, "incremental": true,
	"compressed": true, "compressionMethod": true,
}

// MarshalJSON flattens Metadata's known fields together with any preserved
// Extra fields into a single JSON object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type known Metadata
	base, err := json.Marshal(known(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if !knownMetadataFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and stashes anything else in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type known Metadata
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	*m = Metadata(k)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for field := range raw {
		if !knownMetadataFields[field] {
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[field] = raw[field]
		}
	}
	return nil
}

// DumpMetadata builds the JSON payload for a stream's META frame.
func DumpMetadata(diskName, diskFormat string, virtualSize, dataSize uint64, checkpointName string, parentCheckpoint *string, incremental, compressed bool, compressionMethod string) ([]byte, error) {
	m := Metadata{
		DiskName:          diskName,
		DiskFormat:        diskFormat,
		VirtualSize:       virtualSize,
		DataSize:          dataSize,
		CheckpointName:    checkpointName,
		ParentCheckpoint:  parentCheckpoint,
		Incremental:       incremental,
		Compressed:        compressed,
		CompressionMethod: compressionMethod,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal metadata: %w", err)
	}
	return data, nil
}

// LoadMetadata parses a META frame's payload into a Metadata value.
func LoadMetadata(payload []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(payload, &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: malformed metadata payload: %v", vnbderrors.ErrStreamFormat, err)
	}
	if m.DiskName == "" {
		return Metadata{}, fmt.Errorf("%w: metadata missing diskName", vnbderrors.ErrStreamFormat)
	}
	return m, nil
}
