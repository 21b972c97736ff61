package sync

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/quillsync/quill/internal/model"
)

// Highlight file object format.
const (
	Magic         = "QHLF"
	FormatVersion = 0
	TypeHighlight = "highlights"

	// compressMin: bodies below this stay uncompressed; tiny files gain
	// nothing from zstd.
	compressMin = 512
)

// Header is the unencrypted routing/metadata prefix of a stored object.
type Header struct {
	Magic       string    `json:"magic"`
	Version     int       `json:"version"`
	ObjectType  string    `json:"object_type"`
	BookID      string    `json:"book_id"`
	CreatedAt   time.Time `json:"created_at"`
	Compression string    `json:"compression,omitempty"`
	Crypto      CryptoEnv `json:"crypto"`
}

// CryptoEnv holds per-object envelope metadata (wrapped key, nonce).
// Empty when the object is stored plaintext.
type CryptoEnv struct {
	NonceHex   string `json:"nonce,omitempty"`
	WrappedKey string `json:"wrapped_key,omitempty"`
}

// Codec serializes HighlightFiles to the object wire format:
// 4-byte big-endian header length | header JSON | body. A nil master key
// stores bodies plaintext. Decode also accepts a bare JSON document with
// no envelope, for clients that write the interchange format directly.
type Codec struct {
	masterKey []byte
}

// NewCodec returns a codec. masterKey must be KeySize bytes or nil.
func NewCodec(masterKey []byte) (*Codec, error) {
	if masterKey != nil && len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}
	return &Codec{masterKey: masterKey}, nil
}

// Encode serializes f. Timestamps are normalized to UTC so the
// interchange format stays ISO-8601 UTC at the boundary.
func (c *Codec) Encode(f *model.HighlightFile) ([]byte, error) {
	if f.BookID == "" {
		return nil, fmt.Errorf("highlight file missing book id")
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal highlight file: %w", err)
	}

	h := &Header{
		Magic:      Magic,
		Version:    FormatVersion,
		ObjectType: TypeHighlight,
		BookID:     f.BookID,
		CreatedAt:  time.Now().UTC(),
	}

	if len(body) >= compressMin {
		compressed, err := zstdCompress(body)
		if err != nil {
			return nil, fmt.Errorf("compress body: %w", err)
		}
		body = compressed
		h.Compression = "zstd"
	}

	if c.masterKey == nil {
		headerBytes, err := json.Marshal(h)
		if err != nil {
			return nil, err
		}
		return marshalObject(headerBytes, body), nil
	}

	// Encrypted: the header (crypto env included) is the AEAD associated
	// data, so tampering with routing metadata fails decryption.
	nonce, ciphertext, wrappedKey, err := encryptBody(c.masterKey, h, body)
	if err != nil {
		return nil, err
	}
	h.Crypto = CryptoEnv{
		NonceHex:   hex.EncodeToString(nonce),
		WrappedKey: hex.EncodeToString(wrappedKey),
	}
	headerBytes, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return marshalObject(headerBytes, ciphertext), nil
}

func encryptBody(masterKey []byte, h *Header, body []byte) (nonce, ciphertext, wrappedKey []byte, err error) {
	objKey := make([]byte, KeySize)
	if _, err := randRead(objKey); err != nil {
		return nil, nil, nil, err
	}
	wrappedKey, err = WrapKey(masterKey, objKey)
	if err != nil {
		return nil, nil, nil, err
	}
	h.Crypto = CryptoEnv{
		NonceHex:   "", // filled after sealing; AAD excludes nonce fields
		WrappedKey: "",
	}
	aad, err := json.Marshal(h)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, ciphertext, err = sealWithKey(objKey, body, aad)
	return nonce, ciphertext, wrappedKey, err
}

// Decode parses data into a HighlightFile. An envelope-less JSON body is
// accepted as plaintext interchange format.
func (c *Codec) Decode(data []byte) (*model.HighlightFile, error) {
	if len(data) > 0 && data[0] == '{' {
		return unmarshalFile(data)
	}

	h, body, err := splitObject(data)
	if err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("bad magic %q", h.Magic)
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", h.Version)
	}

	if h.Crypto.WrappedKey != "" {
		if c.masterKey == nil {
			return nil, fmt.Errorf("object is encrypted and no master key configured")
		}
		body, err = c.decryptBody(h, body)
		if err != nil {
			return nil, err
		}
	}

	if h.Compression == "zstd" {
		body, err = zstdDecompress(body)
		if err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}
	}
	return unmarshalFile(body)
}

func (c *Codec) decryptBody(h *Header, body []byte) ([]byte, error) {
	nonce, err := hex.DecodeString(h.Crypto.NonceHex)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	wrappedKey, err := hex.DecodeString(h.Crypto.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	aadHeader := *h
	aadHeader.Crypto = CryptoEnv{}
	aad, err := json.Marshal(&aadHeader)
	if err != nil {
		return nil, err
	}
	return DecryptPayload(c.masterKey, nonce, body, wrappedKey, aad)
}

func unmarshalFile(body []byte) (*model.HighlightFile, error) {
	var f model.HighlightFile
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("unmarshal highlight file: %w", err)
	}
	if f.BookID == "" {
		return nil, fmt.Errorf("highlight file missing book id")
	}
	if f.Version < 0 {
		return nil, fmt.Errorf("invalid version %d", f.Version)
	}
	return &f, nil
}

func marshalObject(headerBytes, body []byte) []byte {
	out := make([]byte, 4+len(headerBytes)+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(headerBytes)))
	copy(out[4:], headerBytes)
	copy(out[4+len(headerBytes):], body)
	return out
}

func splitObject(data []byte) (*Header, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("object too short")
	}
	hlen := binary.BigEndian.Uint32(data[:4])
	if int(hlen) > len(data)-4 {
		return nil, nil, fmt.Errorf("header length %d exceeds object size", hlen)
	}
	var h Header
	if err := json.Unmarshal(data[4:4+hlen], &h); err != nil {
		return nil, nil, fmt.Errorf("unmarshal header: %w", err)
	}
	return &h, data[4+hlen:], nil
}

func zstdCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
