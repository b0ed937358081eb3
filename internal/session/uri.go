package session

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

const (
	pairingScheme   = "wc"
	pairingVersion  = "2"
	defaultProtocol = "irn"
	symKeySize      = 32
)

// PairingURI is a parsed pairing link of the form
// wc:{topic}@2?relay-protocol=irn&symKey={hex}.
type PairingURI struct {
	Topic         string
	Version       string
	RelayProtocol string
	SymKey        []byte
	ExpiryUnix    int64
}

func ParsePairingURI(raw string) (PairingURI, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || !strings.EqualFold(scheme, pairingScheme) {
		return PairingURI{}, fmt.Errorf("%w: scheme must be %q", ErrInvalidPairingURI, pairingScheme)
	}
	path, query, _ := strings.Cut(rest, "?")
	topic, version, ok := strings.Cut(path, "@")
	if !ok || topic == "" {
		return PairingURI{}, fmt.Errorf("%w: missing topic", ErrInvalidPairingURI)
	}
	if version != pairingVersion {
		return PairingURI{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidPairingURI, version)
	}
	if _, err := hex.DecodeString(topic); err != nil {
		return PairingURI{}, fmt.Errorf("%w: topic is not hex", ErrInvalidPairingURI)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return PairingURI{}, fmt.Errorf("%w: %v", ErrInvalidPairingURI, err)
	}
	out := PairingURI{Topic: topic, Version: version, RelayProtocol: values.Get("relay-protocol")}
	if out.RelayProtocol == "" {
		out.RelayProtocol = defaultProtocol
	}
	key, err := hex.DecodeString(values.Get("symKey"))
	if err != nil || len(key) != symKeySize {
		return PairingURI{}, fmt.Errorf("%w: symKey must be %d hex bytes", ErrInvalidPairingURI, symKeySize)
	}
	out.SymKey = key
	if exp := values.Get("expiryTimestamp"); exp != "" {
		if _, err := fmt.Sscanf(exp, "%d", &out.ExpiryUnix); err != nil {
			return PairingURI{}, fmt.Errorf("%w: bad expiryTimestamp", ErrInvalidPairingURI)
		}
	}
	return out, nil
}

func (u PairingURI) String() string {
	q := url.Values{}
	q.Set("relay-protocol", u.RelayProtocol)
	q.Set("symKey", hex.EncodeToString(u.SymKey))
	if u.ExpiryUnix > 0 {
		q.Set("expiryTimestamp", fmt.Sprintf("%d", u.ExpiryUnix))
	}
	return pairingScheme + ":" + u.Topic + "@" + u.Version + "?" + q.Encode()
}
