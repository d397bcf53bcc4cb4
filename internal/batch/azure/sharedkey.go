package azure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// signer signs requests with the account's shared key.
type signer struct {
	account string
	key     []byte
}

func newSigner(account, key string) (*signer, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("account key is not valid base64: %w", err)
	}
	return &signer{account: account, key: decoded}, nil
}

// sign sets the Authorization header. The ocp-date header must already be set.
func (s *signer) sign(req *http.Request, contentLength int) {
	req.Header.Set("Authorization", "SharedKey "+s.account+":"+s.signature(req, contentLength))
}

func (s *signer) signature(req *http.Request, contentLength int) string {
	length := ""
	if contentLength > 0 {
		length = fmt.Sprint(contentLength)
	}
	h := req.Header
	parts := []string{
		req.Method,
		h.Get("Content-Encoding"),
		h.Get("Content-Language"),
		length,
		h.Get("Content-MD5"),
		h.Get("Content-Type"),
		"", // Date, superseded by ocp-date
		h.Get("If-Modified-Since"),
		h.Get("If-Match"),
		h.Get("If-None-Match"),
		h.Get("If-Unmodified-Since"),
		h.Get("Range"),
	}
	toSign := strings.Join(parts, "\n") + "\n" + canonicalHeaders(h) + canonicalResource(s.account, req.URL)

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func canonicalHeaders(h http.Header) string {
	var names []string
	for name := range h {
		if lower := strings.ToLower(name); strings.HasPrefix(lower, "ocp-") {
			names = append(names, lower)
		}
	}
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.TrimSpace(h.Get(name)))
		b.WriteString("\n")
	}
	return b.String()
}

func canonicalResource(account string, u *url.URL) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(account)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)

	query := u.Query()
	names := make([]string, 0, len(query))
	lowered := make(map[string][]string, len(query))
	for name, values := range query {
		lower := strings.ToLower(name)
		if _, ok := lowered[lower]; !ok {
			names = append(names, lower)
		}
		lowered[lower] = append(lowered[lower], values...)
	}
	slices.Sort(names)
	for _, name := range names {
		values := lowered[name]
		slices.Sort(values)
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(values, ","))
	}
	return b.String()
}
