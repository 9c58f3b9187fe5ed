// Package auth provides secp256k1 request signing and signer recovery for
// callers of the quorum HTTP API and for oracle nodes joining the mesh.
package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// TimestampWindow is the maximum age of a signed request before it is rejected.
const TimestampWindow = 5 * time.Minute

const (
	HeaderAddress   = "X-Caller-Address"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderNonce     = "X-Nonce"
)

// maxNonceLen bounds the nonce a caller may send.
const maxNonceLen = 64

// Address returns the account controlled by key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// LoadOrGenerateKey loads a hex-encoded secp256k1 key from path, or
// generates and saves a new one if the file does not exist.
func LoadOrGenerateKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.LoadECDSA(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load key %s: %w", path, err)
	}
	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("save key %s: %w", path, err)
	}
	return key, nil
}

// Sign returns a 65-byte recoverable signature over keccak256(msg).
func Sign(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(msg), key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Recover returns the address that produced sig over msg.
func Recover(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// requestMessage is what a request signature covers:
//
//	method + path + timestamp + nonce + body
func requestMessage(method, path, ts, nonce string, body []byte) []byte {
	return []byte(method + path + ts + nonce + string(body))
}

// SignRequest adds the caller address, timestamp, nonce and signature
// headers to an outgoing HTTP request. Every call uses a fresh nonce.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, body []byte) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()
	sig, err := Sign(key, requestMessage(req.Method, req.URL.Path, ts, nonce, body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, Address(key).Hex())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

// VerifyRequest checks that:
//  1. The timestamp is within TimestampWindow of the current time.
//  2. The signature recovers to the address claimed in X-Caller-Address.
//
// It returns the authenticated caller. It does not detect replays; pair it
// with a ReplayGuard.
func VerifyRequest(req *http.Request, body []byte) (common.Address, error) {
	addrStr := req.Header.Get(HeaderAddress)
	tsStr := req.Header.Get(HeaderTimestamp)
	nonce := req.Header.Get(HeaderNonce)
	sigHex := req.Header.Get(HeaderSignature)

	if addrStr == "" {
		return common.Address{}, fmt.Errorf("missing %s header", HeaderAddress)
	}
	if !common.IsHexAddress(addrStr) {
		return common.Address{}, fmt.Errorf("invalid %s header", HeaderAddress)
	}
	if tsStr == "" {
		return common.Address{}, fmt.Errorf("missing %s header", HeaderTimestamp)
	}
	if nonce == "" {
		return common.Address{}, fmt.Errorf("missing %s header", HeaderNonce)
	}
	if len(nonce) > maxNonceLen {
		return common.Address{}, fmt.Errorf("%s longer than %d bytes", HeaderNonce, maxNonceLen)
	}
	if sigHex == "" {
		return common.Address{}, fmt.Errorf("missing %s header", HeaderSignature)
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	diff := math.Abs(float64(time.Now().Unix() - ts))
	if diff > TimestampWindow.Seconds() {
		return common.Address{}, fmt.Errorf("timestamp expired: %.0fs drift exceeds %v window", diff, TimestampWindow)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	signer, err := Recover(requestMessage(req.Method, req.URL.Path, tsStr, nonce, body), sig)
	if err != nil {
		return common.Address{}, err
	}
	claimed := common.HexToAddress(addrStr)
	if signer != claimed {
		return common.Address{}, fmt.Errorf("signature recovers to %s, not %s", signer.Hex(), claimed.Hex())
	}
	return claimed, nil
}
