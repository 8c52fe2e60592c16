// Package rpc carries lifecycle and mapping calls between remu components as
// Fernet-encrypted HTTP GET requests: http://host:port/<token>, where the token
// decrypts to "method?key=<json>&...".
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// TokenTTL bounds the age of an accepted request token
const TokenTTL = 10 * time.Minute

var (
	// ErrDecrypt is returned when a token cannot be authenticated with the shared key
	ErrDecrypt = errors.New("failed to decrypt request")

	// ErrMalformed is returned when a decrypted request is not method?query
	ErrMalformed = errors.New("malformed request")
)

// Codec encrypts and decrypts request paths with a pre-shared key
type Codec struct {
	key *fernet.Key
}

// NewCodec builds a codec from a base64 Fernet key
func NewCodec(key string) (*Codec, error) {
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("invalid rpc key: %w", err)
	}
	return &Codec{key: k}, nil
}

// GenerateKey returns a fresh base64 Fernet key
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", err
	}
	return k.Encode(), nil
}

// Encode serialises method and args and encrypts the result. Keys are sorted
// and each value is JSON encoded then query-escaped.
func (c *Codec) Encode(method string, args Args) (string, error) {
	if method == "" || strings.ContainsAny(method, "?&=/") {
		return "", fmt.Errorf("%w: invalid method %q", ErrMalformed, method)
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(method)
	for i, k := range keys {
		v, err := json.Marshal(args[k])
		if err != nil {
			return "", fmt.Errorf("failed to encode argument %s: %w", k, err)
		}
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(string(v)))
	}

	tok, err := fernet.EncryptAndSign([]byte(b.String()), c.key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt request: %w", err)
	}
	return string(tok), nil
}

// Decode decrypts a token back into its method and arguments
func (c *Codec) Decode(token string) (string, Args, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), TokenTTL, []*fernet.Key{c.key})
	if msg == nil {
		return "", nil, ErrDecrypt
	}

	method, query, _ := strings.Cut(string(msg), "?")
	if method == "" {
		return "", nil, fmt.Errorf("%w: empty method", ErrMalformed)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	args := make(Args, len(values))
	for k, vs := range values {
		args[k] = parseLiteral(vs[len(vs)-1])
	}
	return method, args, nil
}

// URL builds the request URL for a call
func (c *Codec) URL(host string, port int, method string, args Args) (string, error) {
	token, err := c.Encode(method, args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d/%s", host, port, token), nil
}

// parseLiteral decodes a JSON literal, keeping the raw string when it is not one
func parseLiteral(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
