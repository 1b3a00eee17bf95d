// Package securechannel layers a four-message ephemeral Diffie-Hellman
// handshake and an AES-256-CBC record protocol over a netio.Socket.
//
// Grounded on internal/federation/crypto.go's nonce/HMAC/HKDF idioms
// (crypto/rand, hmac.Equal constant-time comparison, fmt.Errorf wrapping)
// and internal/federation/state_machine.go's named-state, guarded
// transition shape for the handshake's control flow. The DH group
// arithmetic itself (math/big over RFC 7919's ffdhe2048) has no analogue
// anywhere in the pack and is new.
package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/ocx/securegate/internal/netio"
	"github.com/ocx/securegate/internal/ringbuf"
	"github.com/ocx/securegate/internal/wire"
)

// HandshakeState names a SecureChannel's position in the four-message
// handshake.
type HandshakeState int

const (
	StateFresh HandshakeState = iota
	StateInitSent
	StateAcceptReceived
	StateFinalSent
	StateConfirmed
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateInitSent:
		return "INIT_SENT"
	case StateAcceptReceived:
		return "ACCEPT_RECEIVED"
	case StateFinalSent:
		return "FINAL_SENT"
	case StateConfirmed:
		return "CONFIRMED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotSecure is returned by RecvDecrypted before the handshake has
	// completed (the -2 sentinel in spec.md §4.3). SendEncrypted reports the
	// same condition by returning false with a nil error.
	ErrNotSecure = errors.New("securechannel: channel is not secure")
	// ErrDecryptFailed marks a received record whose zero padding failed the
	// decoder's integrity check (the -1 sentinel in spec.md §4.3).
	ErrDecryptFailed = errors.New("securechannel: decrypt failed")
	// ErrWouldBlock signals a transient, non-fatal "no data yet" — the
	// caller should re-arm its event and retry, not tear the connection
	// down (spec.md §4.4's EAGAIN tie-break).
	ErrWouldBlock = errors.New("securechannel: no data available")
	// ErrHandshakeFailed marks a malformed handshake message or a shared
	// secret confirmation mismatch.
	ErrHandshakeFailed = errors.New("securechannel: handshake failed")
)

const confirmationTagLen = 32

var confirmationInfo = []byte("securegate-handshake-confirm")

const plaintextRingLen = 4096

// SecureChannel layers encryption over an owned netio.Socket.
type SecureChannel struct {
	sock  *netio.Socket
	state HandshakeState

	keyPair       *dhKeyPair
	peerPublicKey *big.Int
	iv            []byte
	key           [32]byte

	block   cipher.Block
	decoder *recordDecoder

	sharedSecretRaw []byte

	plaintext *ringbuf.RingBuffer

	mu sync.Mutex
}

// New wraps sock in a fresh, unhandshaken SecureChannel.
func New(sock *netio.Socket) *SecureChannel {
	return &SecureChannel{
		sock:      sock,
		state:     StateFresh,
		plaintext: ringbuf.New(plaintextRingLen),
	}
}

// Socket returns the underlying socket.
func (sc *SecureChannel) Socket() *netio.Socket { return sc.sock }

// State returns the current handshake state.
func (sc *SecureChannel) State() HandshakeState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// IsSecure reports whether the handshake has completed on this side.
func (sc *SecureChannel) IsSecure() bool {
	return sc.State() == StateConfirmed
}

// Key returns the derived 32-byte symmetric key. Exposed for tests that
// assert both sides derive a bit-equal key (spec.md §8 invariant 4).
func (sc *SecureChannel) Key() [32]byte {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.key
}

// Reset returns the channel to StateFresh, discarding all handshake and
// session material, so a failed handshake can be retried (spec.md §4.3's
// "retries are supported by restarting from Fresh").
func (sc *SecureChannel) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.state = StateFresh
	sc.keyPair = nil
	sc.peerPublicKey = nil
	sc.iv = nil
	sc.key = [32]byte{}
	sc.block = nil
	sc.decoder = nil
	sc.sharedSecretRaw = nil
	sc.plaintext.Clear()
}

// HandshakeInit sends message 1 (host → peer): a fresh DH public key and a
// fresh 16-byte IV. Host-side only.
func (sc *SecureChannel) HandshakeInit() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.state != StateFresh {
		return fmt.Errorf("securechannel: handshake_init called in state %s", sc.state)
	}

	kp, err := generateDHKeyPair()
	if err != nil {
		return fmt.Errorf("securechannel: generate key pair: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("securechannel: generate iv: %w", err)
	}

	sc.keyPair = kp
	sc.iv = iv

	msg := append(marshalPubKey(kp.public), iv...)
	if err := sc.sendFramed(msg); err != nil {
		return err
	}

	sc.state = StateInitSent
	return nil
}

// HandshakeAccept reads message 1 and sends message 2 (peer → host): the
// peer's own DH public key. Peer-side only.
func (sc *SecureChannel) HandshakeAccept() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.state != StateFresh {
		return fmt.Errorf("securechannel: handshake_accept called in state %s", sc.state)
	}

	data, ok, err := sc.readFixed(pubKeyByteLen + aes.BlockSize)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWouldBlock
	}

	peerPub := unmarshalPubKey(data[:pubKeyByteLen])
	iv := append([]byte(nil), data[pubKeyByteLen:]...)

	kp, err := generateDHKeyPair()
	if err != nil {
		return fmt.Errorf("securechannel: generate key pair: %w", err)
	}

	secret := kp.sharedSecret(peerPub)
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("securechannel: new cipher: %w", err)
	}

	sc.keyPair = kp
	sc.peerPublicKey = peerPub
	sc.iv = iv
	sc.key = key
	sc.block = block
	sc.decoder = newRecordDecoder(block, iv)
	sc.sharedSecretRaw = secret

	if err := sc.sendFramed(marshalPubKey(kp.public)); err != nil {
		return err
	}

	sc.state = StateAcceptReceived
	return nil
}

// HandshakeFinal reads message 2 and sends message 3 (host on receipt of
// Accept): derives the shared key, marks the channel secure, and sends the
// confirmation byte plus the supplemented HKDF confirmation tag (see
// SPEC_FULL.md §11). Host-side only.
func (sc *SecureChannel) HandshakeFinal() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.state != StateInitSent {
		return fmt.Errorf("securechannel: handshake_final called in state %s", sc.state)
	}

	data, ok, err := sc.readFixed(pubKeyByteLen)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWouldBlock
	}

	peerPub := unmarshalPubKey(data)
	secret := sc.keyPair.sharedSecret(peerPub)
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("securechannel: new cipher: %w", err)
	}

	sc.peerPublicKey = peerPub
	sc.key = key
	sc.block = block
	sc.decoder = newRecordDecoder(block, sc.iv)
	sc.sharedSecretRaw = secret

	tag, err := sc.confirmationTag()
	if err != nil {
		return err
	}
	msg := append([]byte{0x01, 0x00}, tag...)
	if err := sc.sendFramed(msg); err != nil {
		return err
	}

	sc.state = StateConfirmed
	return nil
}

// HandshakeConfirm reads message 3, verifies the confirmation byte and tag,
// and marks the channel secure. Peer-side only.
func (sc *SecureChannel) HandshakeConfirm() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.state != StateAcceptReceived {
		return fmt.Errorf("securechannel: handshake_confirm called in state %s", sc.state)
	}

	data, ok, err := sc.readFixed(2 + confirmationTagLen)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWouldBlock
	}

	if data[0] != 0x01 {
		sc.state = StateFailed
		return ErrHandshakeFailed
	}

	expected, err := sc.confirmationTag()
	if err != nil {
		return err
	}
	if !hmac.Equal(data[2:], expected) {
		sc.state = StateFailed
		return ErrHandshakeFailed
	}

	sc.state = StateConfirmed
	return nil
}

// confirmationTag derives the supplementary 32-byte key-confirmation tag
// via HKDF-SHA256 over the raw shared secret, salted with the connection
// IV. Both sides compute it identically once they've derived the shared
// secret, catching a mismatch before any application data is exchanged.
func (sc *SecureChannel) confirmationTag() ([]byte, error) {
	r := hkdf.New(sha256.New, sc.sharedSecretRaw, sc.iv, confirmationInfo)
	tag := make([]byte, confirmationTagLen)
	if _, err := io.ReadFull(r, tag); err != nil {
		return nil, fmt.Errorf("securechannel: derive confirmation tag: %w", err)
	}
	return tag, nil
}

// readFixed reads exactly n bytes plus the trailing delimiter from the
// socket's ciphertext ring, pulling one more recv if the ring doesn't yet
// hold enough. Handshake fields have fixed, statically known lengths
// (a DH public key is always pubKeyByteLen bytes for ffdhe2048), so they
// are read by exact byte count rather than by delimiter scan: a raw binary
// public key is essentially random and 256 random bytes have roughly a 63%
// chance (1 - (255/256)^256) of containing an embedded 0x00 byte, which would make a ReadTo(delimiter)
// scan stop short of the real frame boundary.
func (sc *SecureChannel) readFixed(n int) (data []byte, ok bool, err error) {
	ring := sc.sock.Ring()
	if ring.Size() < n+1 {
		_, _, recvErr := sc.sock.RecvIntoRing()
		if recvErr != nil && !errors.Is(recvErr, netio.ErrWouldBlock) {
			return nil, false, recvErr
		}
	}
	if ring.Size() < n+1 {
		return nil, false, nil
	}

	data = ring.Read(n)
	ring.ShiftByte() // discard the trailing delimiter
	return data, true, nil
}

func (sc *SecureChannel) sendFramed(payload []byte) error {
	if err := sc.sock.SendAll(payload); err != nil {
		return err
	}
	return sc.sock.SendAll([]byte{wire.Delimiter})
}

// RecvDecrypted pulls newly arrived ciphertext into the socket ring,
// decrypts whatever complete records it now contains, and appends the
// plaintext to the channel's plaintext ring. It returns the number of
// plaintext bytes newly available. Per spec.md §4.3: ErrNotSecure before
// the handshake completes, ErrWouldBlock on a transient EAGAIN or a
// partial record awaiting more bytes (neither is fatal), a nil error with
// 0 on peer close, and a nil error with a positive count otherwise.
func (sc *SecureChannel) RecvDecrypted() (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.state != StateConfirmed {
		return 0, ErrNotSecure
	}

	sockRing := sc.sock.Ring()
	offset := sockRing.Size()

	n, _, err := sc.sock.RecvIntoRing()
	if err != nil {
		if errors.Is(err, netio.ErrWouldBlock) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	newCiphertext := sockRing.ReadFrom(offset)
	records, decodeErr := sc.decoder.feed(newCiphertext)

	total := 0
	for _, rec := range records {
		sc.plaintext.Write(rec)
		total += len(rec)
	}
	if decodeErr != nil {
		return total, ErrDecryptFailed
	}
	if total == 0 {
		return 0, ErrWouldBlock
	}
	return total, nil
}

// SendEncrypted encrypts payload as one record and writes it through the
// socket, appending a delimiter first when terminate is true (so the
// delimiter itself is ciphertext-encoded along with the payload, per
// spec.md §6). It returns false if the channel is not yet secure.
func (sc *SecureChannel) SendEncrypted(payload []byte, terminate bool) (bool, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.state != StateConfirmed {
		return false, nil
	}

	data := payload
	if terminate {
		data = make([]byte, len(payload)+1)
		copy(data, payload)
		data[len(payload)] = wire.Delimiter
	}

	ciphertext := encryptRecord(sc.block, sc.iv, data)
	if err := sc.sock.SendAll(ciphertext); err != nil {
		return false, err
	}
	return true, nil
}

// ReadTo returns the plaintext bytes up to and including the first
// occurrence of delim, or nil (leaving the buffer unchanged) if absent.
func (sc *SecureChannel) ReadTo(delim byte) []byte {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.plaintext.ReadTo(delim)
}

// ReadUntilNull is shorthand for ReadTo(wire.Delimiter).
func (sc *SecureChannel) ReadUntilNull() []byte {
	return sc.ReadTo(wire.Delimiter)
}

// DrainAll returns and consumes every currently buffered plaintext byte.
func (sc *SecureChannel) DrainAll() []byte {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.plaintext.Read(-1)
}

// PlaintextSize reports how many undelivered plaintext bytes are buffered.
func (sc *SecureChannel) PlaintextSize() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.plaintext.Size()
}

// PlaintextCapacity reports the plaintext ring's total capacity, so a caller
// can detect the ring-full condition spec.md §4.4's CONTEXT_BUFFER_FULL
// handling reacts to.
func (sc *SecureChannel) PlaintextCapacity() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.plaintext.Capacity()
}

// ClearPlaintext discards every buffered plaintext byte (used when a
// header or body frame can't be parsed and the ring must be reset per
// spec.md §4.4's CONTEXT_BUFFER_FULL handling).
func (sc *SecureChannel) ClearPlaintext() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.plaintext.Clear()
}
