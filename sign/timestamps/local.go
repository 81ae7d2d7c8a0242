package timestamps

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/containerd/log"
	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"
)

// DefaultPolicy is the TSA policy a LocalAuthority stamps when none is set.
var DefaultPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2}

// LocalAuthority signs timestamp tokens with a key it holds. It serves
// RFC 3161 requests over HTTP as well as in process.
type LocalAuthority struct {
	Cert   *x509.Certificate
	Key    crypto.Signer
	Clock  clockwork.Clock
	Policy asn1.ObjectIdentifier
}

// NewLocalAuthority creates an authority stamping the real time.
func NewLocalAuthority(cert *x509.Certificate, key crypto.Signer) *LocalAuthority {
	return &LocalAuthority{Cert: cert, Key: key, Clock: clockwork.NewRealClock(), Policy: DefaultPolicy}
}

// Timestamp implements Authority.
func (a *LocalAuthority) Timestamp(ctx context.Context, h crypto.Hash, digest []byte) (*timestamp.Timestamp, error) {
	resp, err := a.respond(h, digest, nil)
	if err != nil {
		return nil, err
	}
	return timestamp.ParseResponse(resp)
}

func (a *LocalAuthority) respond(h crypto.Hash, digest []byte, nonce *big.Int) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	policy := a.Policy
	if len(policy) == 0 {
		policy = DefaultPolicy
	}
	clock := a.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ts := &timestamp.Timestamp{
		HashAlgorithm:     h,
		HashedMessage:     digest,
		Time:              clock.Now().UTC(),
		SerialNumber:      serial,
		Policy:            policy,
		Nonce:             nonce,
		AddTSACertificate: true,
	}
	resp, err := ts.CreateResponseWithOpts(a.Cert, a.Key, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	return resp, nil
}

// ServeHTTP answers application/timestamp-query requests.
func (a *LocalAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := timestamp.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := a.respond(req.HashAlgorithm, req.HashedMessage, req.Nonce)
	if err != nil {
		log.G(r.Context()).WithError(err).Error("timestamp response failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	_, _ = w.Write(resp)
}
