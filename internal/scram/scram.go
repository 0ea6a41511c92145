// Package scram implements the client side of SASL SCRAM-SHA-256
// authentication against a PostgreSQL backend, as used when this proxy
// dials a backend server on behalf of a pool.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dbbouncer/pgscram/internal/wire"
)

// mechanismName is the only SASL mechanism this proxy speaks as a client.
const mechanismName = "SCRAM-SHA-256"

// Authenticate runs the full SCRAM-SHA-256 exchange against rw, given the
// AuthenticationSASL payload (including its 4-byte auth-type prefix)
// already read from the backend. It returns an error if the server's
// mechanism list excludes SCRAM-SHA-256 or the final server signature
// does not verify.
func Authenticate(rw io.ReadWriter, user, password string, saslPayload []byte) error {
	mechanisms := parseMechanisms(saslPayload[4:])
	if !contains(mechanisms, mechanismName) {
		return fmt.Errorf("scram: server does not offer %s (offered: %v)", mechanismName, mechanisms)
	}

	clientNonce, err := newNonce()
	if err != nil {
		return fmt.Errorf("scram: generating nonce: %w", err)
	}

	const gs2Header = "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", escapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := sendInitialResponse(rw, mechanismName, []byte(clientFirstMsg)); err != nil {
		return fmt.Errorf("scram: sending client-first-message: %w", err)
	}

	serverFirstMsg, err := readAuthMessage(rw, 11)
	if err != nil {
		return fmt.Errorf("scram: reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("scram: parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("scram: server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	if err := sendResponse(rw, []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("scram: sending client-final-message: %w", err)
	}

	serverFinalMsg, err := readAuthMessage(rw, 12)
	if err != nil {
		return fmt.Errorf("scram: reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedFinal := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if string(serverFinalMsg) != expectedFinal {
		return fmt.Errorf("scram: server signature verification failed")
	}

	return nil
}

func newNonce() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func parseMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func contains(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>".
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("parsing iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// escapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802.
func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

// passwordMessage is the PG wire type byte for every SASL client message
// (SASLInitialResponse and SASLResponse both ride on PasswordMessage 'p').
const passwordMessage = 'p'

func sendInitialResponse(w io.Writer, mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)
	return wire.WriteTyped(w, passwordMessage, payload)
}

func sendResponse(w io.Writer, data []byte) error {
	return wire.WriteTyped(w, passwordMessage, data)
}

// readAuthMessage reads a PG Authentication message body, verifying its
// auth subtype, and returns the payload that follows the subtype.
func readAuthMessage(r io.Reader, expectedAuthType uint32) ([]byte, error) {
	f, err := wire.ReadTyped(r, wire.DefaultMaxMessageSize)
	if err != nil {
		return nil, err
	}
	if f.Type == wire.ErrorResponse {
		msg, code := wire.ParseErrorFields(f.Payload)
		return nil, fmt.Errorf("backend error [%s]: %s", code, msg)
	}
	if f.Type != wire.Authentication {
		return nil, fmt.Errorf("expected Authentication message, got %q", f.Type)
	}
	if len(f.Payload) < 4 {
		return nil, fmt.Errorf("authentication payload too short")
	}
	authType := binary.BigEndian.Uint32(f.Payload[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth subtype %d, got %d", expectedAuthType, authType)
	}
	return f.Payload[4:], nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
