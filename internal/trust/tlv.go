package trust

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// TLV tags used inside the decrypted vault payload. Tag values are the sole
// determinant of field identity; unknown tags are skipped by length so newer
// files remain loadable.
const (
	tagServerURI       byte = 1
	tagClientID        byte = 2
	tagSharedSecret    byte = 3
	tagEndpointID      byte = 4
	tagTrustAnchor     byte = 5
	tagPrivateKey      byte = 6
	tagPublicKey       byte = 7
	tagConnectedDevice byte = 8
)

// maxValueLen is the ceiling imposed by the 16-bit length field. The format
// inherits this limit; values are rejected at encode time rather than
// silently truncated.
const maxValueLen = 0xFFFF

// appendRecord writes one tag-length-value record to buf.
func appendRecord(buf *bytes.Buffer, tag byte, value []byte) error {
	if len(value) > maxValueLen {
		return fmt.Errorf("%w: tag %d carries %d bytes", ErrValueTooLong, tag, len(value))
	}
	buf.WriteByte(tag)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(value)))
	buf.Write(length[:])
	buf.Write(value)
	return nil
}

// frameReader walks a TLV stream. Each next() call reads one complete record;
// the reader never looks past the declared length, so a truncated stream is
// detected instead of over-read.
type frameReader struct {
	data []byte
	off  int
}

func (r *frameReader) remaining() bool { return r.off < len(r.data) }

func (r *frameReader) next() (tag byte, value []byte, err error) {
	if len(r.data)-r.off < 3 {
		return 0, nil, fmt.Errorf("%w: record header truncated at offset %d", ErrMalformed, r.off)
	}
	tag = r.data[r.off]
	length := int(binary.BigEndian.Uint16(r.data[r.off+1 : r.off+3]))
	r.off += 3
	if len(r.data)-r.off < length {
		return 0, nil, fmt.Errorf("%w: tag %d declares %d bytes, %d available", ErrMalformed, tag, length, len(r.data)-r.off)
	}
	value = r.data[r.off : r.off+length]
	r.off += length
	return tag, value, nil
}

// encodeCredential serializes the credential fields present. Optional fields
// (endpoint id, trust anchor, keys) are omitted rather than written empty;
// each connected device becomes one nested record.
func encodeCredential(c Credential) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendRecord(&buf, tagServerURI, []byte(c.ServerURI())); err != nil {
		return nil, err
	}
	if err := appendRecord(&buf, tagClientID, []byte(c.ClientID)); err != nil {
		return nil, err
	}
	if err := appendRecord(&buf, tagSharedSecret, []byte(c.SharedSecret)); err != nil {
		return nil, err
	}
	if c.EndpointID != "" {
		if err := appendRecord(&buf, tagEndpointID, []byte(c.EndpointID)); err != nil {
			return nil, err
		}
	}
	if len(c.TrustAnchor) > 0 {
		if err := appendRecord(&buf, tagTrustAnchor, c.TrustAnchor); err != nil {
			return nil, err
		}
	}
	if len(c.PrivateKey) > 0 {
		if err := appendRecord(&buf, tagPrivateKey, c.PrivateKey); err != nil {
			return nil, err
		}
	}
	if len(c.PublicKey) > 0 {
		if err := appendRecord(&buf, tagPublicKey, c.PublicKey); err != nil {
			return nil, err
		}
	}
	for _, id := range sortedKeys(c.ConnectedDeviceSecrets) {
		var nested bytes.Buffer
		if err := appendRecord(&nested, tagClientID, []byte(id)); err != nil {
			return nil, err
		}
		if err := appendRecord(&nested, tagSharedSecret, []byte(c.ConnectedDeviceSecrets[id])); err != nil {
			return nil, err
		}
		if err := appendRecord(&buf, tagConnectedDevice, nested.Bytes()); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeCredential parses a TLV stream back into a credential. The server URI
// record is split into scheme/host/port; a connected-device record recurses
// one level for its client-id and secret pair.
func decodeCredential(data []byte) (Credential, error) {
	var c Credential
	r := &frameReader{data: data}
	for r.remaining() {
		tag, value, err := r.next()
		if err != nil {
			return Credential{}, err
		}
		switch tag {
		case tagServerURI:
			scheme, host, port, err := parseServerURI(string(value))
			if err != nil {
				return Credential{}, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			c.ServerScheme, c.ServerHost, c.ServerPort = scheme, host, port
		case tagClientID:
			c.ClientID = string(value)
		case tagSharedSecret:
			c.SharedSecret = string(value)
		case tagEndpointID:
			c.EndpointID = string(value)
		case tagTrustAnchor:
			c.TrustAnchor = append([]byte(nil), value...)
		case tagPrivateKey:
			c.PrivateKey = append([]byte(nil), value...)
		case tagPublicKey:
			c.PublicKey = append([]byte(nil), value...)
		case tagConnectedDevice:
			id, secret, err := decodeConnectedDevice(value)
			if err != nil {
				return Credential{}, err
			}
			if c.ConnectedDeviceSecrets == nil {
				c.ConnectedDeviceSecrets = make(map[string]string)
			}
			c.ConnectedDeviceSecrets[id] = secret
		default:
			// Unknown tag: length-prefixed, already consumed, ignore.
		}
	}
	return c, nil
}

func decodeConnectedDevice(value []byte) (id, secret string, err error) {
	r := &frameReader{data: value}
	for r.remaining() {
		tag, inner, err := r.next()
		if err != nil {
			return "", "", err
		}
		switch tag {
		case tagClientID:
			id = string(inner)
		case tagSharedSecret:
			secret = string(inner)
		}
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: connected device record missing client id", ErrMalformed)
	}
	return id, secret, nil
}

// sortedKeys keeps the encoded stream deterministic across saves.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
