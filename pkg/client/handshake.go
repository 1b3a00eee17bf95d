package client

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"
	"net"

	"golang.org/x/crypto/hkdf"

	"github.com/ocx/securegate/internal/wire"
)

// ErrHandshakeFailed marks a malformed handshake message or a rejected
// confirmation from the host: a wrong confirmation byte or a confirmation
// tag that does not match the one derived here.
var ErrHandshakeFailed = errors.New("client: handshake failed")

const confirmationTagLen = 32

var confirmationInfo = []byte("securegate-handshake-confirm")

// peerHandshake drives the four-message handshake's peer half against an
// already-dialed conn: read the host's init message, derive the shared
// key, send our own public key, then verify the host's confirmation tag.
func peerHandshake(conn net.Conn) (key [32]byte, block cipher.Block, iv []byte, err error) {
	msg1, err := readExact(conn, pubKeyByteLen+aes.BlockSize)
	if err != nil {
		return key, nil, nil, err
	}

	hostPub := unmarshalPubKey(msg1[:pubKeyByteLen])
	iv = append([]byte(nil), msg1[pubKeyByteLen:]...)

	kp, err := generateDHKeyPair()
	if err != nil {
		return key, nil, nil, err
	}

	secret := kp.sharedSecret(hostPub)
	key = sha256.Sum256(secret)
	block, err = aes.NewCipher(key[:])
	if err != nil {
		return key, nil, nil, err
	}

	if err := sendFramed(conn, marshalPubKey(kp.public)); err != nil {
		return key, nil, nil, err
	}

	msg3, err := readExact(conn, 2+confirmationTagLen)
	if err != nil {
		return key, nil, nil, err
	}
	if msg3[0] != 0x01 {
		return key, nil, nil, ErrHandshakeFailed
	}

	expected, err := confirmationTag(secret, iv)
	if err != nil {
		return key, nil, nil, err
	}
	if !hmac.Equal(msg3[2:], expected) {
		return key, nil, nil, ErrHandshakeFailed
	}

	return key, block, iv, nil
}

func confirmationTag(sharedSecretRaw, iv []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecretRaw, iv, confirmationInfo)
	tag := make([]byte, confirmationTagLen)
	if _, err := io.ReadFull(r, tag); err != nil {
		return nil, err
	}
	return tag, nil
}

// readExact reads n plaintext handshake bytes off conn followed by the one
// delimiter byte every handshake message is framed with, returning the n
// bytes with the delimiter discarded.
func readExact(conn net.Conn, n int) ([]byte, error) {
	data := make([]byte, n+1)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	if data[n] != wire.Delimiter {
		return nil, ErrHandshakeFailed
	}
	return data[:n], nil
}

func sendFramed(conn net.Conn, payload []byte) error {
	framed := append(append([]byte(nil), payload...), wire.Delimiter)
	_, err := conn.Write(framed)
	return err
}
