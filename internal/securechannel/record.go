package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
)

// errRecordPaddingInvalid is returned by recordDecoder.feed when a
// completed record's trailing zero-padding bytes aren't all zero. Without
// a MAC, CBC decryption never fails outright, but a wrong key or corrupted
// ciphertext almost never happens to reproduce encryptRecord's all-zero
// padding by chance, so this is the decoder's only integrity signal.
var errRecordPaddingInvalid = errors.New("securechannel: record padding invalid")

// lengthPrefixLen is the size of the plaintext-length prefix each record
// is wrapped in before AES-CBC encryption. Records are zero-padded to a
// block boundary rather than PKCS7-padded: the prefix already tells the
// reader exactly how many trailing bytes are padding, which lets the
// decrypt side reassemble records out of however recv_into_ring happens to
// chunk the underlying stream (one recv may deliver part of a record, all
// of it, or several back to back).
const lengthPrefixLen = 2

// encryptRecord wraps payload in its length prefix, zero-pads to the AES
// block size, and encrypts it as a single CBC chain seeded from iv. Per
// the IV-reuse design note (spec §9), every record is encrypted from the
// same connection IV rather than chaining across records or deriving a
// fresh one — a known weakness the spec explicitly declines to mandate a
// fix for.
func encryptRecord(block cipher.Block, iv, payload []byte) []byte {
	framed := make([]byte, lengthPrefixLen+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload)))
	copy(framed[lengthPrefixLen:], payload)

	padded := zeroPadToBlock(framed, aes.BlockSize)

	out := make([]byte, len(padded))
	chain := append([]byte(nil), iv...)
	for off := 0; off < len(padded); off += aes.BlockSize {
		in := padded[off : off+aes.BlockSize]
		xored := make([]byte, aes.BlockSize)
		xorBytes(xored, in, chain)
		block.Encrypt(out[off:off+aes.BlockSize], xored)
		chain = out[off : off+aes.BlockSize]
	}
	return out
}

func zeroPadToBlock(p []byte, blockSize int) []byte {
	rem := len(p) % blockSize
	if rem == 0 {
		return p
	}
	return append(p, make([]byte, blockSize-rem)...)
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// recordDecoder incrementally reassembles length-prefixed records out of
// an arbitrarily chunked ciphertext stream, one AES block at a time, so
// that a record spanning multiple recv_into_ring calls decodes correctly
// and several records arriving in one read are each separated cleanly.
// It resets its CBC chain to iv at every record boundary, mirroring the
// same-IV-per-record encoding encryptRecord uses.
type recordDecoder struct {
	block cipher.Block
	iv    []byte

	pending []byte // ciphertext not yet consumed, always < one block short of complete when idle
	chain   []byte
	plain   []byte // decrypted bytes accumulated for the record in progress
	lenKnown bool
	want    int // total padded length expected for the record in progress
}

func newRecordDecoder(block cipher.Block, iv []byte) *recordDecoder {
	return &recordDecoder{block: block, iv: iv, chain: append([]byte(nil), iv...)}
}

// feed appends newCiphertext and returns every complete record's plaintext
// payload decoded so far, in arrival order. It returns errRecordPaddingInvalid
// the first time a completed record's padding fails the integrity check
// below; the records decoded before that point in the same call are still
// returned.
func (d *recordDecoder) feed(newCiphertext []byte) ([][]byte, error) {
	d.pending = append(d.pending, newCiphertext...)

	var out [][]byte
	for len(d.pending) >= aes.BlockSize {
		block := d.pending[:aes.BlockSize]
		d.pending = d.pending[aes.BlockSize:]

		plainBlock := make([]byte, aes.BlockSize)
		d.block.Decrypt(plainBlock, block)
		xorBytes(plainBlock, plainBlock, d.chain)
		d.chain = block
		d.plain = append(d.plain, plainBlock...)

		if !d.lenKnown && len(d.plain) >= lengthPrefixLen {
			payloadLen := int(binary.BigEndian.Uint16(d.plain[:lengthPrefixLen]))
			total := lengthPrefixLen + payloadLen
			if rem := total % aes.BlockSize; rem != 0 {
				total += aes.BlockSize - rem
			}
			d.want = total
			d.lenKnown = true
		}

		if d.lenKnown && len(d.plain) >= d.want {
			payloadLen := int(binary.BigEndian.Uint16(d.plain[:lengthPrefixLen]))
			payloadEnd := lengthPrefixLen + payloadLen

			valid := true
			for _, b := range d.plain[payloadEnd:d.want] {
				if b != 0 {
					valid = false
					break
				}
			}
			if valid {
				out = append(out, d.plain[lengthPrefixLen:payloadEnd])
			}

			d.plain = nil
			d.lenKnown = false
			d.want = 0
			d.chain = append([]byte(nil), d.iv...)

			if !valid {
				return out, errRecordPaddingInvalid
			}
		}
	}
	return out, nil
}
