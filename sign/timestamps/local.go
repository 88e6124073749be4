package timestamps

import (
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Policy OIDs under a private arc.
var (
	OIDLocalPolicy       = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 7, 1}
	OIDDevelopmentPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 7, 2}
)

const localSuffix = "Local TSA (Development)"

// IsLocalName reports whether name was produced by LocalTSAName.
func IsLocalName(name string) bool {
	return strings.HasSuffix(name, localSuffix)
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// localResponse issues an unsigned token: a bare DER TSTInfo naming the
// fallback authority. It provides a time reference only.
func (c *Client) localResponse(digest []byte, nonce *big.Int) (*Response, error) {
	now := c.clock.Now().UTC().Truncate(time.Second)
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	info := &TSTInfo{
		Version:        1,
		Policy:         OIDLocalPolicy,
		MessageImprint: MessageImprint{HashAlgorithm: crypto.SHA256, HashedMessage: digest},
		SerialNumber:   serial,
		GenTime:        now,
		Nonce:          nonce,
		TSAName:        c.LocalName(),
	}
	token, err := info.Marshal()
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:         StatusGranted,
		PKIStatus:      PKIStatusGranted,
		StatusString:   "granted by " + info.TSAName,
		Time:           now,
		Token:          token,
		SerialNumber:   serial,
		TSAName:        info.TSAName,
		MessageImprint: digest,
		Nonce:          nonce,
		Local:          true,
	}, nil
}
