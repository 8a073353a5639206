// Package signer produces time-limited, cryptographically signed GET URLs
// for objects on the bucket-bound custom host (AWS Signature Version 4,
// query-string presigning). The implementation is deliberately manual: the
// public media host maps straight to one bucket, so object URLs must not
// contain a bucket path segment, and the stock S3 presign client re-inserts
// one (path-style) or rewrites the host (virtual-host style). The signer is
// a pure function of its inputs plus the clock; it holds no shared state
// and performs no I/O.
//
// The signing target:
//
//	region  "auto"  (R2-style single-region token)
//	service "s3"
//	signed headers: host only
//	payload hash:   the literal UNSIGNED-PAYLOAD
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	signingAlgorithm = "AWS4-HMAC-SHA256"
	signingRegion    = "auto"
	signingService   = "s3"
	requestSuffix    = "aws4_request"
	unsignedPayload  = "UNSIGNED-PAYLOAD"

	// MaxExpiry is the presigning scheme's hard ceiling (7 days).
	MaxExpiry = 604800 * time.Second
)

// ErrSigningInput reports malformed signing input. This is a programmer or
// configuration error, never caller-facing; it is raised before any
// cryptographic work happens.
var ErrSigningInput = errors.New("invalid signing input")

// Signer signs GET URLs for one bucket-bound host with static credentials.
type Signer struct {
	AccessKeyID     string
	SecretAccessKey string

	// Host is the bucket-bound custom DNS name objects are served from.
	Host string

	// Bucket is the bucket name behind Host. It never appears in signed
	// URLs; ResolveKey strips it from legacy path-style URLs.
	Bucket string

	// LegacyHosts are additional hosts ResolveKey accepts in media URLs
	// (older path-style endpoints that predate the custom host).
	LegacyHosts []string

	// now overrides the clock in tests. Nil means time.Now.
	now func() time.Time
}

// Presign returns a URL on the configured host whose query string
// authorizes an anonymous GET of objectKey until now + expiry.
func (s *Signer) Presign(objectKey string, expiry time.Duration) (string, error) {
	clock := s.now
	if clock == nil {
		clock = time.Now
	}
	return s.presignAt(objectKey, expiry, clock())
}

// presignAt is Presign with an explicit signing instant. Deterministic for
// a fixed instant, which is what the package tests exercise.
func (s *Signer) presignAt(objectKey string, expiry time.Duration, at time.Time) (string, error) {
	if err := s.validate(objectKey, expiry); err != nil {
		return "", err
	}

	utc := at.UTC()
	date := utc.Format("20060102")
	datetime := utc.Format("20060102T150405Z")
	scope := strings.Join([]string{date, signingRegion, signingService, requestSuffix}, "/")
	credential := s.AccessKeyID + "/" + scope

	query := map[string]string{
		"X-Amz-Algorithm":     signingAlgorithm,
		"X-Amz-Credential":    credential,
		"X-Amz-Date":          datetime,
		"X-Amz-Expires":       strconv.Itoa(int(expiry / time.Second)),
		"X-Amz-SignedHeaders": "host",
	}

	canonicalURI := canonicalPath(objectKey)
	canonicalQuery := canonicalQueryString(query)

	canonicalRequest := strings.Join([]string{
		"GET",
		canonicalURI,
		canonicalQuery,
		"host:" + s.Host,
		"",
		"host",
		unsignedPayload,
	}, "\n")

	requestDigest := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		signingAlgorithm,
		datetime,
		scope,
		hex.EncodeToString(requestDigest[:]),
	}, "\n")

	key := s.derivedKey(date)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	return "https://" + s.Host + canonicalURI + "?" + canonicalQuery +
		"&X-Amz-Signature=" + signature, nil
}

func (s *Signer) validate(objectKey string, expiry time.Duration) error {
	if s.AccessKeyID == "" || s.SecretAccessKey == "" {
		return fmt.Errorf("%w: storage credentials not configured", ErrSigningInput)
	}
	if s.Host == "" || strings.ContainsAny(s.Host, "/?# ") {
		return fmt.Errorf("%w: malformed host %q", ErrSigningInput, s.Host)
	}
	if objectKey == "" || strings.HasPrefix(objectKey, "/") {
		return fmt.Errorf("%w: object key must be a non-empty relative path", ErrSigningInput)
	}
	if expiry <= 0 || expiry > MaxExpiry {
		return fmt.Errorf("%w: expiry %s outside (0, %s]", ErrSigningInput, expiry, MaxExpiry)
	}
	return nil
}

// derivedKey runs the four-level HMAC-SHA256 chain seeded with the secret.
func (s *Signer) derivedKey(date string) []byte {
	k := hmacSHA256([]byte("AWS4"+s.SecretAccessKey), date)
	k = hmacSHA256(k, signingRegion)
	k = hmacSHA256(k, signingService)
	return hmacSHA256(k, requestSuffix)
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// canonicalPath percent-encodes each path segment while preserving the
// separators, and prepends the leading slash.
func canonicalPath(objectKey string) string {
	segments := strings.Split(objectKey, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg, false)
	}
	return "/" + strings.Join(segments, "/")
}

// canonicalQueryString sorts parameters lexicographically by name and
// percent-encodes each key and value independently.
func canonicalQueryString(params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, uriEncode(name, true)+"="+uriEncode(params[name], true))
	}
	return strings.Join(pairs, "&")
}

// uriEncode is the SigV4 flavour of percent-encoding: every byte except the
// RFC 3986 unreserved set is escaped, uppercase hex, space is %20 (never +).
// encodeSlash controls whether "/" is escaped; it stays literal in paths.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// ResolveKey turns a caller-supplied media reference into an object key.
// A logical identifier maps to "<id>.mp4" by convention. A URL on the
// configured host (or a legacy host) yields the URL's path, with a leading
// bucket-name segment stripped so legacy path-style links keep working.
func (s *Signer) ResolveKey(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty media reference", ErrSigningInput)
	}

	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		if strings.ContainsAny(input, "/?#") {
			return "", fmt.Errorf("%w: identifier %q contains path characters", ErrSigningInput, input)
		}
		return input + ".mp4", nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable media url: %v", ErrSigningInput, err)
	}
	if !s.knownHost(u.Host) {
		return "", fmt.Errorf("%w: host %q is not a recognised media host", ErrSigningInput, u.Host)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if s.Bucket != "" {
		key = strings.TrimPrefix(key, s.Bucket+"/")
	}
	if key == "" {
		return "", fmt.Errorf("%w: media url %q has no object path", ErrSigningInput, input)
	}
	return key, nil
}

func (s *Signer) knownHost(host string) bool {
	if strings.EqualFold(host, s.Host) {
		return true
	}
	for _, legacy := range s.LegacyHosts {
		if strings.EqualFold(host, legacy) {
			return true
		}
	}
	return false
}
