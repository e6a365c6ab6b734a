package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature verification errors. All of them mean the request must be
// rejected before the body is ever parsed.
var (
	ErrMissingSignatureHeader = errors.New("missing signature header")
	ErrMissingTimestamp       = errors.New("signature header has no valid timestamp")
	ErrNoValidSignature       = errors.New("no matching signature found")
	ErrStaleTimestamp         = errors.New("signature timestamp outside tolerance")
)

// DefaultSignatureTolerance bounds how old a signed payload may be before
// it is rejected as a possible replay.
const DefaultSignatureTolerance = 5 * time.Minute

const signatureScheme = "v1"

// signedHeader is the parsed form of a `t=<unix_ts>,v1=<hex>[,v1=<hex>...]`
// signature header. Multiple v1 candidates appear during secret rotation.
type signedHeader struct {
	timestamp  time.Time
	signatures [][]byte
}

// VerifySignature authenticates a raw webhook payload against its signature
// header. The HMAC-SHA256 is computed over "{timestamp}.{rawBody}" and
// compared against every candidate with a constant-time comparison; any
// match accepts. The payload must stay byte-exact: re-serializing it before
// verification breaks the MAC.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	parsed, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		age := time.Since(parsed.timestamp)
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: signed at %s", ErrStaleTimestamp, parsed.timestamp.UTC().Format(time.RFC3339))
		}
	}

	expected := ComputeSignature(parsed.timestamp, payload, secret)
	for _, candidate := range parsed.signatures {
		if hmac.Equal(candidate, expected) {
			return nil
		}
	}

	return ErrNoValidSignature
}

// ComputeSignature returns the HMAC-SHA256 of "{unix_ts}.{payload}".
func ComputeSignature(timestamp time.Time, payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignPayload produces a signature header for a payload, used by tests and
// local tooling to fabricate deliveries.
func SignPayload(timestamp time.Time, payload []byte, secret string) string {
	signature := ComputeSignature(timestamp, payload, secret)
	return fmt.Sprintf("t=%d,%s=%s", timestamp.Unix(), signatureScheme, hex.EncodeToString(signature))
}

func parseSignatureHeader(header string) (*signedHeader, error) {
	if header == "" {
		return nil, ErrMissingSignatureHeader
	}

	parsed := &signedHeader{}
	sawTimestamp := false

	for _, pair := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}

		switch key {
		case "t":
			unix, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, ErrMissingTimestamp
			}
			parsed.timestamp = time.Unix(unix, 0)
			sawTimestamp = true
		case signatureScheme:
			signature, err := hex.DecodeString(value)
			if err != nil {
				// Unparseable candidates are skipped, not fatal; another
				// candidate may still match.
				continue
			}
			parsed.signatures = append(parsed.signatures, signature)
		}
	}

	if !sawTimestamp {
		return nil, ErrMissingTimestamp
	}
	if len(parsed.signatures) == 0 {
		return nil, ErrNoValidSignature
	}

	return parsed, nil
}
