package paykickstart

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // PayKickstart signs IPNs with HMAC-SHA1
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const signatureField = "verification_code"

// Sign computes the verification code PayKickstart attaches to an IPN: the
// HMAC-SHA1 of every non-empty field value except verification_code, ordered
// by field name and joined with "|".
func Sign(form url.Values, secret []byte) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k != signatureField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	values := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := form.Get(k); v != "" {
			values = append(values, v)
		}
	}

	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(strings.Join(values, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *Provider) verify(form url.Values) bool {
	if len(p.secret) == 0 {
		return false
	}
	got := strings.ToLower(strings.TrimSpace(form.Get(signatureField)))
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(got), []byte(Sign(form, p.secret)))
}
