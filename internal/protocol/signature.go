package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Request-signing headers. The signature covers the canonical request string
// built by calcRequestString; any signed header that is absent from the
// request is simply omitted from the canonical form.
const (
	HeaderAccessKey = "x-heng-accesskey"
	HeaderNonce     = "x-heng-nonce"
	HeaderTimestamp = "x-heng-timestamp"
	HeaderSignature = "x-heng-signature"
)

var signedHeaders = []string{
	"content-type",
	HeaderAccessKey,
	HeaderNonce,
	HeaderTimestamp,
}

// SHA-256 of the empty string, used when the request carries no body.
const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

const hexUppercase = "0123456789ABCDEF"

// uriEncode percent-encodes everything outside the unreserved set
// A-Za-z0-9 _ - ~ . with uppercase hex digits.
func uriEncode(input []byte) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, c := range input {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '_', c == '-', c == '~', c == '.':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexUppercase[c>>4])
			b.WriteByte(hexUppercase[c&15])
		}
	}
	return b.String()
}

type nameValue struct{ name, value string }

func pushPairs(b *strings.Builder, nvs []nameValue) {
	for i, nv := range nvs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(nv.name)
		b.WriteByte('=')
		b.WriteString(nv.value)
	}
}

func calcRequestString(method, path, query string, headers http.Header, body []byte) string {
	var b strings.Builder

	b.WriteString(method)
	b.WriteByte('\n')

	b.WriteString(path)
	b.WriteByte('\n')

	if query != "" {
		if parsed, err := url.ParseQuery(query); err == nil {
			nvs := make([]nameValue, 0, len(parsed))
			for name, values := range parsed {
				for _, value := range values {
					nvs = append(nvs, nameValue{uriEncode([]byte(name)), uriEncode([]byte(value))})
				}
			}
			sort.Slice(nvs, func(i, j int) bool {
				if nvs[i].name != nvs[j].name {
					return nvs[i].name < nvs[j].name
				}
				return nvs[i].value < nvs[j].value
			})
			pushPairs(&b, nvs)
		}
	}
	b.WriteByte('\n')

	nvs := make([]nameValue, 0, len(signedHeaders))
	for _, name := range signedHeaders {
		if value := headers.Get(name); value != "" {
			nvs = append(nvs, nameValue{name, uriEncode([]byte(value))})
		}
	}
	sort.Slice(nvs, func(i, j int) bool { return nvs[i].name < nvs[j].name })
	pushPairs(&b, nvs)
	b.WriteByte('\n')

	if len(body) == 0 {
		b.WriteString(emptySHA256)
	} else {
		sum := sha256.Sum256(body)
		b.WriteString(hex.EncodeToString(sum[:]))
	}
	b.WriteByte('\n')

	return b.String()
}

// CalcSignature computes the lowercase-hex HMAC-SHA256 signature of the
// canonical request string.
func CalcSignature(method, path, query string, headers http.Header, body []byte, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(calcRequestString(method, path, query, headers, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature and compares in constant time.
func VerifySignature(method, path, query string, headers http.Header, body []byte, secretKey, signature string) bool {
	expected := CalcSignature(method, path, query, headers, body, secretKey)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
