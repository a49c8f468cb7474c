package access

import (
	"crypto/subtle"
	"strings"

	"github.com/g960059/agthub/internal/model"
)

// ParsedToken is a raw access token split into its shared secret and the
// namespace it selects.
type ParsedToken struct {
	Base      string
	Namespace string
}

// ParseAccessToken splits "<base>:<namespace>" on the last colon. A token
// without a colon selects the default namespace.
func ParseAccessToken(raw string) (ParsedToken, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ParsedToken{}, false
	}
	sep := strings.LastIndex(trimmed, ":")
	if sep == -1 {
		return ParsedToken{Base: trimmed, Namespace: model.DefaultNamespace}, true
	}
	base, namespace := trimmed[:sep], trimmed[sep+1:]
	if base == "" || namespace == "" {
		return ParsedToken{}, false
	}
	if strings.TrimSpace(base) != base || strings.TrimSpace(namespace) != namespace {
		return ParsedToken{}, false
	}
	return ParsedToken{Base: base, Namespace: namespace}, true
}

// ConstantTimeEquals compares secrets without leaking the position of the
// first difference.
func ConstantTimeEquals(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
