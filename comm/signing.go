package comm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// signatureExpiry is how old an inbound signature timestamp may be before
// the request is rejected as expired.
const signatureExpiry = 5 * time.Minute

// stripSigningKeyPrefix removes the ascii prefix from a signing key before
// it is used as HMAC key material. Keys carry a "signkey-<env>-" prefix;
// anything up to and including the last '-' before the hex material is
// treated as prefix.
func stripSigningKeyPrefix(key string) string {
	idx := strings.LastIndex(key, "-")
	if idx < 0 {
		return key
	}
	candidate := key[idx+1:]
	if _, err := hex.DecodeString(candidate); err == nil && len(candidate) >= 32 {
		return candidate
	}
	return key
}

// signBody computes the X-Inngest-Signature header value for body using
// key, stamped with now.
func signBody(key string, body []byte, now time.Time) string {
	ts := now.Unix()
	mac := hmac.New(sha256.New, []byte(stripSigningKeyPrefix(key)))
	fmt.Fprintf(mac, "%d", ts)
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d&s=%s", ts, sig)
}

// verifySignature checks header against body using key. skipExpiry
// disables the timestamp window check.
func verifySignature(key string, body []byte, header string, skipExpiry bool) (bool, error) {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return false, err
	}
	if !skipExpiry {
		age := time.Since(time.Unix(ts, 0))
		if age > signatureExpiry || age < -signatureExpiry {
			return false, fmt.Errorf("comm: signature timestamp expired")
		}
	}
	mac := hmac.New(sha256.New, []byte(stripSigningKeyPrefix(key)))
	fmt.Fprintf(mac, "%d", ts)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig)), nil
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	parts := strings.Split(header, "&")
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("comm: malformed signature header")
	}
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return 0, "", fmt.Errorf("comm: malformed signature header")
		}
		switch kv[0] {
		case "t":
			ts, err = strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("comm: malformed signature timestamp: %w", err)
			}
		case "s":
			sig = kv[1]
		}
	}
	if sig == "" {
		return 0, "", fmt.Errorf("comm: malformed signature header")
	}
	return ts, sig, nil
}

// verifyResult reports which key (if any) validated the inbound signature,
// so the response can be signed with the same key.
type verifyResult struct {
	ok  bool
	key string
}

// verifyWithFallback tries the primary key, then the secondary.
func verifyWithFallback(primary, secondary string, body []byte, header string, skipExpiry bool) verifyResult {
	if primary != "" {
		if ok, _ := verifySignature(primary, body, header, skipExpiry); ok {
			return verifyResult{ok: true, key: primary}
		}
	}
	if secondary != "" {
		if ok, _ := verifySignature(secondary, body, header, skipExpiry); ok {
			return verifyResult{ok: true, key: secondary}
		}
	}
	return verifyResult{}
}
