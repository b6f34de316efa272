// sign.go implements the two venue request signing schemes.
//
// Binance signs the full query string with HMAC-SHA256 and appends the hex
// digest as a &signature= parameter. Kraken signs the URI path concatenated
// with SHA256(nonce + POST body) using HMAC-SHA512 keyed with the
// base64-decoded API secret, and sends the base64 digest in an API-Sign
// header.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// BinanceSign returns the hex HMAC-SHA256 of the query string.
func BinanceSign(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// KrakenSign returns the base64 API-Sign value for a private endpoint.
// postData is the urlencoded form body and must already contain the nonce.
func KrakenSign(secret, path, nonce, postData string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	inner := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
