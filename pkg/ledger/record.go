package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// recordSchema constrains a persisted v1 entry. Structural problems are
// rejected at load time; hash and signature problems are left for VerifyChain
// and the anti-replay checks so tampering is reported, not hidden.
const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "sequence", "token", "prev_hash", "entry_hash", "appended_at"],
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "sequence": {"type": "integer", "minimum": 0},
    "prev_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "entry_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "appended_at": {"type": "string", "minLength": 1},
    "token": {
      "type": "object",
      "required": ["field_id", "approver_id", "reason", "timestamp", "nonce",
                   "model_hash", "expiration_window_ms", "key_id", "signature"],
      "properties": {
        "field_id": {"type": "integer"},
        "approver_id": {"type": "string", "minLength": 1},
        "reason": {"type": "string", "minLength": 1},
        "timestamp": {"type": "string", "minLength": 1},
        "nonce": {"type": "string", "minLength": 1},
        "model_hash": {"type": "string"},
        "expiration_window_ms": {"type": "integer", "minimum": 1},
        "key_id": {"type": "string", "minLength": 1},
        "signature": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var (
	compiledSchema = jsonschema.MustCompileString("approval-ledger-record.json", recordSchema)
	supportedMajor = mustConstraint("^1.0.0")
)

func mustConstraint(c string) *semver.Constraints {
	out, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return out
}

// EncodeRecord renders e as one compact JSON line without the trailing
// newline. Keys appear in Entry and token declaration order, HTML escaping is
// off, and integers keep full int64 precision. The on-disk layout does not feed
// the hash (see ComputeHash), so readers need only decode it.
func EncodeRecord(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("ledger: marshal record: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeRecord validates and parses one persisted record.
func DecodeRecord(line []byte) (Entry, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Entry{}, fmt.Errorf("ledger: parse record: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Entry{}, fmt.Errorf("ledger: record violates schema: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, fmt.Errorf("ledger: decode record: %w", err)
	}
	v, err := semver.NewVersion(e.SchemaVersion)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: record %d has bad schema version %q: %w", e.Sequence, e.SchemaVersion, err)
	}
	if !supportedMajor.Check(v) {
		return Entry{}, fmt.Errorf("ledger: record %d uses unsupported schema version %s", e.Sequence, v)
	}
	e.AppendedAt = e.AppendedAt.UTC()
	return e, nil
}
