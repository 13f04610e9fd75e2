package consensus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message bodies have a fixed binary layout so that digests and
// signatures are identical on every node. Integers are big endian,
// variable-length counts and byte strings use uvarint prefixes.

const (
	maxTxHashes         = 1 << 16
	maxInvocationScript = 1024

	stageNone    uint8 = 0
	stageRequest uint8 = 1
	stageHash    uint8 = 2
)

var errTooManyItems = errors.New("length prefix exceeds limit")

type reader struct {
	*bytes.Reader
}

func (r reader) u8() (uint8, error) {
	return r.ReadByte()
}

func (r reader) u16() (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func (r reader) u32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (r reader) u64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (r reader) count(max int) (int, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	if n > uint64(max) {
		return 0, errTooManyItems
	}
	return int(n), nil
}

func (r reader) varBytes(max int) ([]byte, error) {
	n, err := r.count(max)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type writer struct {
	*bytes.Buffer
	scratch [binary.MaxVarintLen64]byte
}

func (w *writer) u8(v uint8) {
	w.WriteByte(v)
}

func (w *writer) u16(v uint16) {
	binary.BigEndian.PutUint16(w.scratch[:2], v)
	w.Write(w.scratch[:2])
}

func (w *writer) u32(v uint32) {
	binary.BigEndian.PutUint32(w.scratch[:4], v)
	w.Write(w.scratch[:4])
}

func (w *writer) u64(v uint64) {
	binary.BigEndian.PutUint64(w.scratch[:8], v)
	w.Write(w.scratch[:8])
}

func (w *writer) count(n int) {
	w.Write(w.scratch[:binary.PutUvarint(w.scratch[:], uint64(n))])
}

func (w *writer) varBytes(b []byte) {
	w.count(len(b))
	w.Write(b)
}

func (m *PrepareRequest) MarshalBinary() ([]byte, error) {
	w := &writer{Buffer: &bytes.Buffer{}}
	w.u32(m.Version)
	w.Write(m.PrevHash[:])
	w.u64(m.Timestamp)
	w.u64(m.Nonce)
	w.count(len(m.TxHashes))
	for i := range m.TxHashes {
		w.Write(m.TxHashes[i][:])
	}
	return w.Bytes(), nil
}

func (m *PrepareRequest) UnmarshalBinary(data []byte) error {
	r := reader{bytes.NewReader(data)}
	var err error
	if m.Version, err = r.u32(); err != nil {
		return err
	}
	if _, err = io.ReadFull(r, m.PrevHash[:]); err != nil {
		return err
	}
	if m.Timestamp, err = r.u64(); err != nil {
		return err
	}
	if m.Nonce, err = r.u64(); err != nil {
		return err
	}
	n, err := r.count(maxTxHashes)
	if err != nil {
		return err
	}
	m.TxHashes = make([][32]byte, n)
	for i := 0; i < n; i++ {
		if _, err = io.ReadFull(r, m.TxHashes[i][:]); err != nil {
			return err
		}
	}
	return trailing(r)
}

func (m *PrepareResponse) MarshalBinary() ([]byte, error) {
	out := make([]byte, 32)
	copy(out, m.PreparationHash[:])
	return out, nil
}

func (m *PrepareResponse) UnmarshalBinary(data []byte) error {
	if len(data) != 32 {
		return fmt.Errorf("prepare response body must be 32 bytes, got %d", len(data))
	}
	copy(m.PreparationHash[:], data)
	return nil
}

func (m *Commit) MarshalBinary() ([]byte, error) {
	out := make([]byte, 64)
	copy(out, m.BlockSignature[:])
	return out, nil
}

func (m *Commit) UnmarshalBinary(data []byte) error {
	if len(data) != 64 {
		return fmt.Errorf("commit body must be 64 bytes, got %d", len(data))
	}
	copy(m.BlockSignature[:], data)
	return nil
}

func (m *ChangeView) MarshalBinary() ([]byte, error) {
	w := &writer{Buffer: &bytes.Buffer{}}
	w.u8(m.NewViewNumber)
	w.u64(m.Timestamp)
	w.u8(m.Reason)
	return w.Bytes(), nil
}

func (m *ChangeView) UnmarshalBinary(data []byte) error {
	r := reader{bytes.NewReader(data)}
	var err error
	if m.NewViewNumber, err = r.u8(); err != nil {
		return err
	}
	if m.Timestamp, err = r.u64(); err != nil {
		return err
	}
	if m.Reason, err = r.u8(); err != nil {
		return err
	}
	return trailing(r)
}

func (m *RecoveryRequest) MarshalBinary() ([]byte, error) {
	w := &writer{Buffer: &bytes.Buffer{}}
	w.u64(m.Timestamp)
	return w.Bytes(), nil
}

func (m *RecoveryRequest) UnmarshalBinary(data []byte) error {
	r := reader{bytes.NewReader(data)}
	var err error
	if m.Timestamp, err = r.u64(); err != nil {
		return err
	}
	return trailing(r)
}

func (m *RecoveryMessage) MarshalBinary() ([]byte, error) {
	w := &writer{Buffer: &bytes.Buffer{}}
	w.count(len(m.ChangeViews))
	for i := range m.ChangeViews {
		cv := &m.ChangeViews[i]
		w.u16(uint16(cv.ValidatorID))
		w.u8(cv.OriginalViewNumber)
		w.u64(cv.Timestamp)
		w.varBytes(cv.InvocationScript)
	}
	switch {
	case m.PrepareStage.Request != nil:
		w.u8(stageRequest)
		w.u16(uint16(m.PrepareStage.RequestSender))
		body, err := m.PrepareStage.Request.MarshalBinary()
		if err != nil {
			return nil, err
		}
		w.varBytes(body)
	case m.PrepareStage.ProposalHash != nil:
		w.u8(stageHash)
		w.Write(m.PrepareStage.ProposalHash[:])
	default:
		w.u8(stageNone)
	}
	w.count(len(m.Responses))
	for i := range m.Responses {
		p := &m.Responses[i]
		w.u16(uint16(p.ValidatorID))
		w.varBytes(p.InvocationScript)
	}
	w.count(len(m.Commits))
	for i := range m.Commits {
		c := &m.Commits[i]
		w.u8(c.ViewNumber)
		w.u16(uint16(c.ValidatorID))
		w.Write(c.Signature[:])
		w.varBytes(c.InvocationScript)
	}
	return w.Bytes(), nil
}

func (m *RecoveryMessage) UnmarshalBinary(data []byte) error {
	r := reader{bytes.NewReader(data)}
	n, err := r.count(maxTxHashes)
	if err != nil {
		return err
	}
	m.ChangeViews = make([]ChangeViewCompact, n)
	for i := 0; i < n; i++ {
		cv := &m.ChangeViews[i]
		id, err := r.u16()
		if err != nil {
			return err
		}
		cv.ValidatorID = ValidatorID(id)
		if cv.OriginalViewNumber, err = r.u8(); err != nil {
			return err
		}
		if cv.Timestamp, err = r.u64(); err != nil {
			return err
		}
		if cv.InvocationScript, err = r.varBytes(maxInvocationScript); err != nil {
			return err
		}
	}
	stage, err := r.u8()
	if err != nil {
		return err
	}
	m.PrepareStage = PrepareStage{}
	switch stage {
	case stageNone:
	case stageRequest:
		id, err := r.u16()
		if err != nil {
			return err
		}
		m.PrepareStage.RequestSender = ValidatorID(id)
		body, err := r.varBytes(1 << 20)
		if err != nil {
			return err
		}
		req := &PrepareRequest{}
		if err := req.UnmarshalBinary(body); err != nil {
			return err
		}
		m.PrepareStage.Request = req
	case stageHash:
		var hash [32]byte
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return err
		}
		m.PrepareStage.ProposalHash = &hash
	default:
		return fmt.Errorf("unknown prepare stage flag %d", stage)
	}
	if n, err = r.count(maxTxHashes); err != nil {
		return err
	}
	m.Responses = make([]PreparationCompact, n)
	for i := 0; i < n; i++ {
		p := &m.Responses[i]
		id, err := r.u16()
		if err != nil {
			return err
		}
		p.ValidatorID = ValidatorID(id)
		if p.InvocationScript, err = r.varBytes(maxInvocationScript); err != nil {
			return err
		}
	}
	if n, err = r.count(maxTxHashes); err != nil {
		return err
	}
	m.Commits = make([]CommitCompact, n)
	for i := 0; i < n; i++ {
		c := &m.Commits[i]
		if c.ViewNumber, err = r.u8(); err != nil {
			return err
		}
		id, err := r.u16()
		if err != nil {
			return err
		}
		c.ValidatorID = ValidatorID(id)
		if _, err = io.ReadFull(r, c.Signature[:]); err != nil {
			return err
		}
		if c.InvocationScript, err = r.varBytes(maxInvocationScript); err != nil {
			return err
		}
	}
	return trailing(r)
}

func trailing(r reader) error {
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after message body", r.Len())
	}
	return nil
}
