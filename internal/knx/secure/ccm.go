package secure

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
)

// apciSecHigh/apciSecLow are the SecureAPDU APCI code 0x03F1 split across
// the two octets block_0 embeds it in.
const (
	apciSecHigh = 0x03
	apciSecLow  = 0xF1

	// b0FlagsMask keeps only the Address Type and Extended Frame Format
	// bits of the cEMI control field's low octet for block_0.
	b0FlagsMask = 0b1000_1111

	macLength = 4
	blockSize = 16
)

// ErrCrypto covers AES-CCM key-size errors and MAC verification failures.
var ErrCrypto = errors.New("secure: crypto error")

// block0 builds CCM Block 0: the formatted block fed first into the
// CBC-MAC chain, binding the sequence number, source/destination address
// pair, frame flags, TPCI/APCI and payload length into the authentication
// tag.
func block0(sequenceNumber [6]byte, addressFields [4]byte, frameFlags byte, tpciAndAPCIHigh byte, payloadLength int) [blockSize]byte {
	var b [blockSize]byte
	copy(b[0:6], sequenceNumber[:])
	copy(b[6:10], addressFields[:])
	b[10] = 0
	b[11] = frameFlags & b0FlagsMask
	b[12] = tpciAndAPCIHigh
	b[13] = apciSecLow
	b[14] = 0
	b[15] = byte(payloadLength)
	return b
}

// counter0 builds the CCM counter block used as both the MAC-mask input
// (S0) and the base of the CTR keystream for the encrypted payload.
func counter0(sequenceNumber [6]byte, addressFields [4]byte) [blockSize]byte {
	var b [blockSize]byte
	copy(b[0:6], sequenceNumber[:])
	copy(b[6:10], addressFields[:])
	b[14] = 0x01
	return b
}

func ctrBlock(counter [blockSize]byte, index uint16) [blockSize]byte {
	b := counter
	ctr := binary.BigEndian.Uint16(b[14:16])
	binary.BigEndian.PutUint16(b[14:16], ctr+index)
	return b
}

func aesEncryptBlock(key []byte, block [blockSize]byte) ([blockSize]byte, error) {
	cipher, err := aes.NewCipher(key)
	if err != nil {
		return [blockSize]byte{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	var out [blockSize]byte
	cipher.Encrypt(out[:], block[:])
	return out, nil
}

func xorInto(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func padToBlock(data []byte) []byte {
	if len(data)%blockSize == 0 {
		return data
	}
	padded := make([]byte, ((len(data)/blockSize)+1)*blockSize)
	copy(padded, data)
	return padded
}

// cbcMAC computes the CCM CBC-MAC over block0 followed by the
// length-prefixed associatedData and then payload, both zero-padded to a
// 16-byte boundary, returning the full final 16-byte MAC block (callers
// truncate to the 4 bytes KNX Data Secure uses).
func cbcMAC(key []byte, b0 [blockSize]byte, associatedData, payload []byte) ([blockSize]byte, error) {
	y, err := aesEncryptBlock(key, b0)
	if err != nil {
		return [blockSize]byte{}, err
	}

	chain := func(blocks []byte) error {
		for off := 0; off < len(blocks); off += blockSize {
			var x [blockSize]byte
			xorInto(x[:], blocks[off:off+blockSize], y[:])
			y, err = aesEncryptBlock(key, x)
			if err != nil {
				return err
			}
		}
		return nil
	}

	if len(associatedData) > 0 {
		buf := make([]byte, 2+len(associatedData))
		binary.BigEndian.PutUint16(buf, uint16(len(associatedData)))
		copy(buf[2:], associatedData)
		if err := chain(padToBlock(buf)); err != nil {
			return [blockSize]byte{}, err
		}
	}
	if len(payload) > 0 {
		if err := chain(padToBlock(payload)); err != nil {
			return [blockSize]byte{}, err
		}
	}
	return y, nil
}

// ctrCrypt XORs payload against the CTR keystream derived from counter0,
// block index 1 onward (index 0 is reserved for the MAC mask S0).
func ctrCrypt(key []byte, counter [blockSize]byte, payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	for off, index := 0, uint16(1); off < len(payload); off, index = off+blockSize, index+1 {
		s, err := aesEncryptBlock(key, ctrBlock(counter, index))
		if err != nil {
			return nil, err
		}
		end := off + blockSize
		if end > len(payload) {
			end = len(payload)
		}
		xorInto(out[off:end], payload[off:end], s[:end-off])
	}
	return out, nil
}

// encryptAndAuthenticate implements the CCM_ENCRYPTION algorithm: CBC-MAC
// over (scfOctet, apdu) bound to b0, CTR-encrypt apdu, and mask the
// truncated MAC with S0.
func encryptAndAuthenticate(key []byte, b0, counter [blockSize]byte, scfOctet byte, apdu []byte) (ciphertext []byte, mac [macLength]byte, err error) {
	macBlock, err := cbcMAC(key, b0, []byte{scfOctet}, apdu)
	if err != nil {
		return nil, mac, err
	}
	s0, err := aesEncryptBlock(key, ctrBlock(counter, 0))
	if err != nil {
		return nil, mac, err
	}
	ciphertext, err = ctrCrypt(key, counter, apdu)
	if err != nil {
		return nil, mac, err
	}
	for i := 0; i < macLength; i++ {
		mac[i] = macBlock[i] ^ s0[i]
	}
	return ciphertext, mac, nil
}

// decryptAndVerify reverses encryptAndAuthenticate and checks the MAC.
func decryptAndVerify(key []byte, b0, counter [blockSize]byte, scfOctet byte, ciphertext []byte, mac [macLength]byte) (plaintext []byte, err error) {
	s0, err := aesEncryptBlock(key, ctrBlock(counter, 0))
	if err != nil {
		return nil, err
	}
	plaintext, err = ctrCrypt(key, counter, ciphertext)
	if err != nil {
		return nil, err
	}
	macBlock, err := cbcMAC(key, b0, []byte{scfOctet}, plaintext)
	if err != nil {
		return nil, err
	}
	for i := 0; i < macLength; i++ {
		if mac[i] != macBlock[i]^s0[i] {
			return nil, fmt.Errorf("%w: MAC verification failed", ErrCrypto)
		}
	}
	return plaintext, nil
}

// authenticateOnly implements the CCM_AUTHENTICATION algorithm: the APDU
// is carried in the clear, CBC-MAC'd (not encrypted) over (scfOctet, apdu)
// with payload_length=0 in b0.
func authenticateOnly(key []byte, b0 [blockSize]byte, scfOctet byte, apdu []byte) (mac [macLength]byte, err error) {
	macBlock, err := cbcMAC(key, b0, append([]byte{scfOctet}, apdu...), nil)
	if err != nil {
		return mac, err
	}
	copy(mac[:], macBlock[:macLength])
	return mac, nil
}

// verifyOnly reverses authenticateOnly.
func verifyOnly(key []byte, b0 [blockSize]byte, scfOctet byte, apdu []byte, mac [macLength]byte) error {
	got, err := authenticateOnly(key, b0, scfOctet, apdu)
	if err != nil {
		return err
	}
	if got != mac {
		return fmt.Errorf("%w: MAC verification failed", ErrCrypto)
	}
	return nil
}
