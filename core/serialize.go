package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// NamedValue pairs a node name with a value, the unit of a checkpoint
type NamedValue struct {
	Name  string
	Value Value
}

// CheckpointHeader provides metadata for serialized node values
type CheckpointHeader struct {
	Magic    uint32 // "DGMC" magic number
	Version  uint16 // format version
	Count    uint32 // number of entries
	Checksum uint32 // CRC32 (IEEE) of the entry data
	Reserved uint16
}

const (
	CheckpointMagic   = 0x434D4744 // "DGMC" in little endian
	CheckpointVersion = 1
	HeaderSize        = 16 // binary.Size(CheckpointHeader{})
)

// EncodeEntry writes one entry.
// Layout: [len(Name)(2)][Name bytes][value encoding]
func EncodeEntry(buf *bytes.Buffer, e NamedValue) error {
	if len(e.Name) > 0xFFFF {
		return fmt.Errorf("node name too long: %d bytes", len(e.Name))
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(e.Name))); err != nil {
		return err
	}
	buf.WriteString(e.Name)
	vb, err := e.Value.MarshalBinary()
	if err != nil {
		return err
	}
	buf.Write(vb)
	return nil
}

// DecodeEntry reads one entry written by EncodeEntry
func DecodeEntry(r *bytes.Reader) (NamedValue, error) {
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return NamedValue{}, err
	}
	if int(nameLen) > r.Len() {
		return NamedValue{}, fmt.Errorf("entry name of %d bytes exceeds %d remaining", nameLen, r.Len())
	}
	name := make([]byte, nameLen)
	if n, err := r.Read(name); nameLen > 0 && (err != nil || n != int(nameLen)) {
		return NamedValue{}, errors.New("failed to read entry name")
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return NamedValue{}, err
	}
	if uint64(count) > uint64(r.Len())/8 {
		return NamedValue{}, fmt.Errorf("entry of %d values exceeds %d remaining bytes", count, r.Len())
	}
	raw := make([]byte, 4+8*int(count))
	binary.LittleEndian.PutUint32(raw, count)
	if count > 0 {
		if n, err := r.Read(raw[4:]); err != nil || n != 8*int(count) {
			return NamedValue{}, errors.New("failed to read entry value")
		}
	}

	var v Value
	if err := v.UnmarshalBinary(raw); err != nil {
		return NamedValue{}, err
	}
	return NamedValue{Name: string(name), Value: v}, nil
}

// EncodeCheckpoint serializes entries with a header for integrity checking
func EncodeCheckpoint(entries []NamedValue) ([]byte, error) {
	body := &bytes.Buffer{}
	for _, e := range entries {
		if err := EncodeEntry(body, e); err != nil {
			return nil, err
		}
	}

	header := CheckpointHeader{
		Magic:    CheckpointMagic,
		Version:  CheckpointVersion,
		Count:    uint32(len(entries)),
		Checksum: crc32.ChecksumIEEE(body.Bytes()),
	}

	out := bytes.NewBuffer(make([]byte, 0, HeaderSize+body.Len()))
	if err := binary.Write(out, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// DecodeCheckpoint reads data written by EncodeCheckpoint
func DecodeCheckpoint(data []byte) ([]NamedValue, error) {
	if len(data) < HeaderSize {
		return nil, errors.New("data too short for header")
	}

	var header CheckpointHeader
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Magic != CheckpointMagic {
		return nil, errors.New("invalid magic number")
	}
	if header.Version != CheckpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version: %d", header.Version)
	}

	body := data[HeaderSize:]
	if crc32.ChecksumIEEE(body) != header.Checksum {
		return nil, errors.New("data corruption detected")
	}

	r := bytes.NewReader(body)
	entries := make([]NamedValue, 0, header.Count)
	for i := uint32(0); i < header.Count; i++ {
		e, err := DecodeEntry(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d entries", r.Len(), header.Count)
	}
	return entries, nil
}
