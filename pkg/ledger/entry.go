package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm-certify/pkg/approval"
)

// SchemaVersion is written into every record. The major version selects the
// hash layout in hashBody; minor versions may only add optional fields.
const SchemaVersion = "1.0.0"

// GenesisHash is the prev_hash of entry 0.
var GenesisHash = "sha256:" + strings.Repeat("0", 64)

// Entry is one immutable ledger record.
type Entry struct {
	SchemaVersion string         `json:"schema_version"`
	Sequence      uint64         `json:"sequence"`
	Token         approval.Token `json:"token"`
	PrevHash      string         `json:"prev_hash"`
	EntryHash     string         `json:"entry_hash"`
	AppendedAt    time.Time      `json:"appended_at"`
}

// hashBody is everything in a v1 record except entry_hash. Integers are base-10
// strings so JCS number formatting cannot collapse distinct int64 values.
type hashBody struct {
	SchemaVersion string        `json:"schema_version"`
	Sequence      string        `json:"sequence"`
	Token         tokenHashView `json:"token"`
	PrevHash      string        `json:"prev_hash"`
	AppendedAt    string        `json:"appended_at"`
}

type tokenHashView struct {
	FieldID            string `json:"field_id"`
	ApproverID         string `json:"approver_id"`
	Reason             string `json:"reason"`
	Timestamp          string `json:"timestamp"`
	Nonce              string `json:"nonce"`
	ModelHash          string `json:"model_hash"`
	ExpirationWindowMs string `json:"expiration_window_ms"`
	KeyID              string `json:"key_id"`
	Signature          string `json:"signature"`
}

// ComputeHash returns "sha256:<hex>" over the JCS form of e without EntryHash.
func ComputeHash(e Entry) (string, error) {
	t := e.Token
	body := hashBody{
		SchemaVersion: e.SchemaVersion,
		Sequence:      strconv.FormatUint(e.Sequence, 10),
		Token: tokenHashView{
			FieldID:            strconv.FormatInt(t.FieldID, 10),
			ApproverID:         t.ApproverID,
			Reason:             t.Reason,
			Timestamp:          strconv.FormatInt(t.Timestamp.UnixNano(), 10),
			Nonce:              t.Nonce,
			ModelHash:          t.ModelHash,
			ExpirationWindowMs: strconv.FormatInt(t.ExpirationWindow.Milliseconds(), 10),
			KeyID:              t.KeyID,
			Signature:          t.Signature,
		},
		PrevHash:   e.PrevHash,
		AppendedAt: strconv.FormatInt(e.AppendedAt.UnixNano(), 10),
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal hash body: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize hash body: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
