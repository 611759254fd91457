package tuya

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/binary"
)

// Discovery broadcast ports.
const (
	UDPPort    = 6666 // protocol 3.1, plaintext
	UDPPortS   = 6667 // protocol 3.3+, AES-ECB
	UDPPortApp = 6669 // app broadcasts, AES-GCM (3.5 framing)
)

// DefaultScanTime bounds a discovery scan when no override is given.
const DefaultScanTime = 15

const (
	prefix55AA = 0x000055aa
	prefix6699 = 0x00006699
)

// udpKey is the well-known key all Tuya devices use for discovery broadcasts.
var udpKey = md5.Sum([]byte("yGAdlopoPVldABfn"))

// DecryptUDP decodes one discovery datagram into its JSON payload, handling
// plaintext 3.1 broadcasts, 55AA-framed AES-ECB payloads and 6699-framed
// AES-GCM payloads.
func DecryptUDP(msg []byte) ([]byte, error) {
	if len(msg) == 0 {
		return nil, NewError(ErrPayload, "empty datagram")
	}
	if msg[0] == '{' {
		return msg, nil
	}
	if len(msg) >= 4 {
		switch binary.BigEndian.Uint32(msg[:4]) {
		case prefix55AA:
			if len(msg) < 28 {
				return nil, NewError(ErrPayload, "short 55AA datagram")
			}
			payload := msg[20 : len(msg)-8]
			if len(payload) > 0 && payload[0] == '{' {
				return payload, nil
			}
			return decryptECB(payload)
		case prefix6699:
			return decryptGCM(msg)
		}
	}
	return decryptECB(msg)
}

func decryptECB(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(udpKey[:])
	if err != nil {
		return nil, WrapError(ErrPayload, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, NewError(ErrPayload, "ciphertext not block-aligned")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return pkcs7Unpad(out)
}

// decryptGCM handles the 3.5 framing: 18-byte header (prefix, unknown,
// seqno, cmd, length), 12-byte nonce, ciphertext+tag, 4-byte suffix.
// The header bytes after the prefix are the GCM additional data.
func decryptGCM(msg []byte) ([]byte, error) {
	const (
		headerLen = 18
		nonceLen  = 12
		suffixLen = 4
	)
	if len(msg) < headerLen+nonceLen+16+suffixLen {
		return nil, NewError(ErrPayload, "short 6699 datagram")
	}
	block, err := aes.NewCipher(udpKey[:])
	if err != nil {
		return nil, WrapError(ErrPayload, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, WrapError(ErrPayload, err)
	}
	nonce := msg[headerLen : headerLen+nonceLen]
	ciphertext := msg[headerLen+nonceLen : len(msg)-suffixLen]
	aad := msg[4:headerLen]
	plain, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, WrapError(ErrPayload, err)
	}
	return bytes.TrimRight(plain, "\x00"), nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, NewError(ErrPayload, "empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, NewError(ErrPayload, "bad padding")
	}
	return data[:len(data)-pad], nil
}
