package approval

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"
)

// CanonicalDomain prefixes every signed payload. Bump the version suffix if the
// field list below ever changes; old tokens keep verifying only under v1.
const CanonicalDomain = "helm-certify:approval:v1"

// CanonicalString returns the exact bytes covered by a token signature:
//
//	helm-certify:approval:v1 "\n" JCS([
//	    field_id, approver_id, reason, timestamp_unix_nanos,
//	    nonce, model_hash, expiration_window_ms, key_id,
//	])
//
// Every element is a JSON string; integers are rendered in base 10 so values
// above 2^53 survive RFC 8785 number formatting. The order is fixed.
func CanonicalString(t Token) (string, error) {
	fields := []string{
		strconv.FormatInt(t.FieldID, 10),
		t.ApproverID,
		t.Reason,
		strconv.FormatInt(t.Timestamp.UnixNano(), 10),
		t.Nonce,
		t.ModelHash,
		strconv.FormatInt(t.ExpirationWindow.Milliseconds(), 10),
		t.KeyID,
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("approval: marshal canonical fields: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("approval: canonicalize fields: %w", err)
	}
	return CanonicalDomain + "\n" + string(canon), nil
}
