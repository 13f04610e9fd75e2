package consensus

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/hashicorp/go-msgpack/codec"
)

var msgpackHandle = &codec.MsgpackHandle{}

// encode encodes the data into msgpack bytes.
func encode(data interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode decodes msgpack bytes into the data.
// Data should be passed in the format of a pointer to a type.
func decode(s []byte, data interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(s), msgpackHandle)
	return dec.Decode(data)
}

// Digest computes the signed hash of a payload envelope. The layout is
// fixed so every node derives the same digest for the same message:
// network | height | view | validator | kind | body.
func (p *Payload) Digest() [32]byte {
	h := sha256.New()
	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], p.Network)
	binary.BigEndian.PutUint64(header[4:12], p.Height)
	header[12] = p.View
	binary.BigEndian.PutUint16(header[13:15], uint16(p.ValidatorID))
	header[15] = p.Kind
	h.Write(header[:])
	h.Write(p.Data)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// ProposalHash computes the hash backups vote on in PrepareResponse
// and sign over in Commit. It binds the proposal to its network and
// height but not the view, so commit signatures stay valid when the
// same proposal is carried across a view change.
func ProposalHash(network uint32, height uint64, req *PrepareRequest) [32]byte {
	h := sha256.New()
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], network)
	binary.BigEndian.PutUint64(header[4:12], height)
	h.Write(header[:])
	h.Write(req.PrevHash[:])
	var fields [20]byte
	binary.BigEndian.PutUint32(fields[0:4], req.Version)
	binary.BigEndian.PutUint64(fields[4:12], req.Timestamp)
	binary.BigEndian.PutUint64(fields[12:20], req.Nonce)
	h.Write(fields[:])
	for _, tx := range req.TxHashes {
		h.Write(tx[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
