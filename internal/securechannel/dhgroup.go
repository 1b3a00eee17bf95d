package securechannel

import (
	"crypto/rand"
	"math/big"
)

// ffdhe2048Hex is the RFC 7919 ffdhe2048 modulus, a 2048-bit safe prime
// chosen so that the core never has to trust a peer-supplied group
// parameter. No pack repo performs finite-field Diffie-Hellman (the only
// DH-family code in the corpus is curve25519/X25519 in educationofjon-core,
// a different primitive entirely), so this constant and the modular
// exponentiation below are hand-written against math/big.
const ffdhe2048Hex = "" +
	"FFFFFFFFFFFFFFFFADF85458A2BB4A9AAFDC5620273D3CF1D8B9C583CE2D3695" +
	"A9E13641146433FBCC939DCE249B3EF97D2FE363630C75D8F681B202AEC4617A" +
	"D3DF1ED5D5FD65612433F51F5F066ED0856365553DED1AF3B557135E7F57C935" +
	"984F0C70E0E68B77E2A689DAF3EFE8721DF158A136ADE73530ACCA4F483A797A" +
	"BC0AB182B324FB61D108A94BB2C8E3FBB96ADAB760D7F4681D4F42A3DE394DF4" +
	"AE56EDE76372BB190B07A7C8EE0A6D709E02FCE1CDF7E2ECC03404CD28342F61" +
	"9172FE9CE98583FF8E4F1232EEF28183C3FE3B1B4C6FAD733BB5FCBC2EC22005" +
	"C58EF1837D1683B2C6F34A26C1B2EFFA886B423861285C97FFFFFFFFFFFFFFFF"

// dhGenerator is the ffdhe2048 generator, g=2 per RFC 7919.
const dhGenerator = 2

// pubKeyByteLen is the fixed-width encoding length of a group element:
// ffdhe2048's modulus is 2048 bits, so every public key is padded/parsed
// as exactly 256 bytes regardless of its numeric magnitude. A fixed width
// lets the handshake read exact byte counts off the wire instead of
// scanning for a delimiter inside what is effectively random binary data
// (see the comment on readFixed in securechannel.go for why that matters).
const pubKeyByteLen = 256

var (
	dhP *big.Int
	dhG *big.Int
)

func init() {
	dhP, _ = new(big.Int).SetString(ffdhe2048Hex, 16)
	dhG = big.NewInt(dhGenerator)
}

// dhKeyPair is one side's ephemeral Diffie-Hellman key pair within the
// ffdhe2048 group.
type dhKeyPair struct {
	private *big.Int
	public  *big.Int
}

// generateDHKeyPair picks a random private exponent in [2, P-3] and
// computes the matching public element g^x mod P.
func generateDHKeyPair() (*dhKeyPair, error) {
	max := new(big.Int).Sub(dhP, big.NewInt(3))
	priv, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	priv.Add(priv, big.NewInt(2))

	pub := new(big.Int).Exp(dhG, priv, dhP)
	return &dhKeyPair{private: priv, public: pub}, nil
}

// sharedSecret computes peerPublic^private mod P, the raw (un-hashed) DH
// shared secret.
func (kp *dhKeyPair) sharedSecret(peerPublic *big.Int) []byte {
	secret := new(big.Int).Exp(peerPublic, kp.private, dhP)
	return secret.FillBytes(make([]byte, pubKeyByteLen))
}

func marshalPubKey(pub *big.Int) []byte {
	return pub.FillBytes(make([]byte, pubKeyByteLen))
}

func unmarshalPubKey(data []byte) *big.Int {
	return new(big.Int).SetBytes(data)
}
