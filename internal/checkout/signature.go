package checkout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const metadataParamPrefix = "meta_"

// BuildSessionSignatureBase assembles the canonical string signed on the
// redirect to the hosted page: merchant:session:amount:currency followed by
// the sorted metadata pairs.
func BuildSessionSignatureBase(merchantID, sessionID, amount, currency string, metadata map[string]string) string {
	parts := []string{merchantID, sessionID, amount, currency}
	parts = append(parts, sortedMetadataPairs(metadata)...)
	return strings.Join(parts, ":")
}

// BuildWebhookSignatureBase assembles the canonical string the provider signs
// on settlement notifications: session:status:amount:currency followed by the
// sorted metadata pairs.
func BuildWebhookSignatureBase(sessionID, status, amount, currency string, metadata map[string]string) string {
	parts := []string{sessionID, status, amount, currency}
	parts = append(parts, sortedMetadataPairs(metadata)...)
	return strings.Join(parts, ":")
}

// Sign computes the lowercase hex HMAC-SHA256 of base under secret.
func Sign(base string, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares two hex signatures in constant time, ignoring case.
func VerifySignature(expectedHex, receivedHex string) bool {
	expected := strings.ToLower(strings.TrimSpace(expectedHex))
	received := strings.ToLower(strings.TrimSpace(receivedHex))
	return hmac.Equal([]byte(expected), []byte(received))
}

func sortedMetadataPairs(metadata map[string]string) []string {
	if len(metadata) == 0 {
		return nil
	}
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, url.QueryEscape(metadata[key])))
	}
	return pairs
}
