package client

import (
	"crypto/rand"
	"math/big"
)

// ffdhe2048Hex is RFC 7919's ffdhe2048 modulus. It must match the server's
// group exactly for the shared secret to come out equal on both sides, so
// this is copied verbatim from internal/securechannel rather than derived:
// the client package deliberately carries its own handshake implementation
// instead of importing the server-side one (see the package comment in
// client.go).
const ffdhe2048Hex = "" +
	"FFFFFFFFFFFFFFFFADF85458A2BB4A9AAFDC5620273D3CF1D8B9C583CE2D3695" +
	"A9E13641146433FBCC939DCE249B3EF97D2FE363630C75D8F681B202AEC4617A" +
	"D3DF1ED5D5FD65612433F51F5F066ED0856365553DED1AF3B557135E7F57C935" +
	"984F0C70E0E68B77E2A689DAF3EFE8721DF158A136ADE73530ACCA4F483A797A" +
	"BC0AB182B324FB61D108A94BB2C8E3FBB96ADAB760D7F4681D4F42A3DE394DF4" +
	"AE56EDE76372BB190B07A7C8EE0A6D709E02FCE1CDF7E2ECC03404CD28342F61" +
	"9172FE9CE98583FF8E4F1232EEF28183C3FE3B1B4C6FAD733BB5FCBC2EC22005" +
	"C58EF1837D1683B2C6F34A26C1B2EFFA886B423861285C97FFFFFFFFFFFFFFFF"

const dhGenerator = 2

// pubKeyByteLen is the fixed-width encoding length of a group element,
// matching ffdhe2048's 2048-bit modulus.
const pubKeyByteLen = 256

var (
	dhP *big.Int
	dhG *big.Int
)

func init() {
	dhP, _ = new(big.Int).SetString(ffdhe2048Hex, 16)
	dhG = big.NewInt(dhGenerator)
}

type dhKeyPair struct {
	private *big.Int
	public  *big.Int
}

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
