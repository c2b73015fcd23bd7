package secure

import (
	"encoding/binary"
	"fmt"
)

// ASDU is the Data Secure S-A_Data application service data unit: a 6-byte
// sequence number, the secured (plain or CTR-encrypted) APDU, and a 4-byte
// truncated message authentication code.
type ASDU struct {
	SequenceNumber uint64 // 48-bit
	SecuredAPDU    []byte
	MAC            [macLength]byte
}

// ToKNX serializes the ASDU.
func (a ASDU) ToKNX() []byte {
	out := make([]byte, 6+len(a.SecuredAPDU)+macLength)
	putUint48(out[0:6], a.SequenceNumber)
	copy(out[6:6+len(a.SecuredAPDU)], a.SecuredAPDU)
	copy(out[6+len(a.SecuredAPDU):], a.MAC[:])
	return out
}

// ASDUFromKNX parses an ASDU from raw secured-data bytes (the SecureAPDU's
// SecuredData field).
func ASDUFromKNX(raw []byte) (ASDU, error) {
	if len(raw) < 6+macLength {
		return ASDU{}, fmt.Errorf("%w: secure ASDU too short (%d bytes)", ErrCrypto, len(raw))
	}
	var a ASDU
	a.SequenceNumber = uint48(raw[0:6])
	a.SecuredAPDU = append([]byte(nil), raw[6:len(raw)-macLength]...)
	copy(a.MAC[:], raw[len(raw)-macLength:])
	return a, nil
}

func putUint48(dst []byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	copy(dst, buf[2:8])
}

func uint48(raw []byte) uint64 {
	var buf [8]byte
	copy(buf[2:8], raw)
	return binary.BigEndian.Uint64(buf[:])
}

func sequenceBytes(seq uint64) [6]byte {
	var b [6]byte
	putUint48(b[:], seq)
	return b
}

// Seal produces a secured ASDU from a plain APDU, selecting the CCM
// algorithm named by scf.Algorithm.
func Seal(key []byte, scf SCF, apdu []byte, sequenceNumber uint64, addressFields [4]byte, frameFlags, tpciAndAPCIHigh byte) (ASDU, error) {
	seqBytes := sequenceBytes(sequenceNumber)

	switch scf.Algorithm {
	case AlgorithmCCMAuthentication:
		b0 := block0(seqBytes, addressFields, frameFlags, tpciAndAPCIHigh, 0)
		mac, err := authenticateOnly(key, b0, scf.ToKNX(), apdu)
		if err != nil {
			return ASDU{}, err
		}
		return ASDU{SequenceNumber: sequenceNumber, SecuredAPDU: apdu, MAC: mac}, nil

	case AlgorithmCCMEncryption:
		b0 := block0(seqBytes, addressFields, frameFlags, tpciAndAPCIHigh, len(apdu))
		ctr := counter0(seqBytes, addressFields)
		ciphertext, mac, err := encryptAndAuthenticate(key, b0, ctr, scf.ToKNX(), apdu)
		if err != nil {
			return ASDU{}, err
		}
		return ASDU{SequenceNumber: sequenceNumber, SecuredAPDU: ciphertext, MAC: mac}, nil

	default:
		return ASDU{}, fmt.Errorf("%w: unknown algorithm %v", ErrCrypto, scf.Algorithm)
	}
}

// Open recovers the plain APDU from a secured ASDU, verifying its MAC.
// The caller must already have checked the sequence number against the
// sender's replay table before calling Open.
func Open(key []byte, scf SCF, asdu ASDU, addressFields [4]byte, frameFlags, tpciAndAPCIHigh byte) ([]byte, error) {
	seqBytes := sequenceBytes(asdu.SequenceNumber)

	switch scf.Algorithm {
	case AlgorithmCCMAuthentication:
		b0 := block0(seqBytes, addressFields, frameFlags, tpciAndAPCIHigh, 0)
		if err := verifyOnly(key, b0, scf.ToKNX(), asdu.SecuredAPDU, asdu.MAC); err != nil {
			return nil, err
		}
		return asdu.SecuredAPDU, nil

	case AlgorithmCCMEncryption:
		ctr := counter0(seqBytes, addressFields)
		// Plaintext length equals ciphertext length (CTR mode); block0's
		// payload_length field is computed up front since the sender
		// encoded it against the same length.
		b0 := block0(seqBytes, addressFields, frameFlags, tpciAndAPCIHigh, len(asdu.SecuredAPDU))
		plain, err := decryptAndVerify(key, b0, ctr, scf.ToKNX(), asdu.SecuredAPDU, asdu.MAC)
		if err != nil {
			return nil, err
		}
		return plain, nil

	default:
		return nil, fmt.Errorf("%w: unknown algorithm %v", ErrCrypto, scf.Algorithm)
	}
}
