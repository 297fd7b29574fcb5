// Package auth implements channel authorization: HMAC-SHA256 signing,
// the authorization HTTP round trip, and encrypted-channel payload
// decryption.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign computes the HMAC-SHA256 signature string a private or presence
// subscription carries: "socket_id:channel_name[:channel_data]" signed with
// the app secret, hex-encoded and prefixed by "appKey:".
func Sign(appKey, appSecret, socketID, channelName, channelData string) string {
	parts := []string{socketID, channelName}
	if channelData != "" {
		parts = append(parts, channelData)
	}
	msg := strings.Join(parts, ":")

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(msg))
	digest := hex.EncodeToString(mac.Sum(nil))

	return appKey + ":" + digest
}
