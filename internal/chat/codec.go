package chat

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadString reads a BCP string: a 16-bit big-endian length prefix followed
// by that many bytes. A length over MaxStringLen is a fatal protocol error.
// Uses io.ReadFull so a length header or payload split across TCP segments
// is absorbed rather than treated as fatal (see DESIGN.md, Open Question on
// short reads).
func ReadString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > MaxStringLen {
		return "", fmt.Errorf("read string: length %d: %w", n, ErrStringTooLong)
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read string payload: %w", err)
	}
	return string(buf), nil
}

// WriteString appends a BCP string (length prefix + payload) to buf.
func WriteString(buf *bytes.Buffer, s string) error {
	if len(s) > MaxStringLen {
		return fmt.Errorf("write string: length %d: %w", len(s), ErrStringTooLong)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
	return nil
}

// PeekOpcode reads only the leading opcode byte of the next frame.
func PeekOpcode(r *bufio.Reader) (Opcode, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("peek opcode: %w", err)
	}
	return Opcode(b), nil
}

// DecodeRegister reads a REGISTER payload (username:string) after the
// opcode byte has already been consumed by PeekOpcode.
func DecodeRegister(r io.Reader) (username string, err error) {
	return ReadString(r)
}

// DecodeSend reads a SEND payload (message:string).
func DecodeSend(r io.Reader) (message string, err error) {
	return ReadString(r)
}

// DecodeStatus reads a STATUS payload (code:u8, message:string).
func DecodeStatus(r io.Reader) (code StatusCode, message string, err error) {
	var codeBuf [1]byte
	if _, err = io.ReadFull(r, codeBuf[:]); err != nil {
		return 0, "", fmt.Errorf("read status code: %w", err)
	}
	message, err = ReadString(r)
	if err != nil {
		return 0, "", err
	}
	return StatusCode(codeBuf[0]), message, nil
}

// EncodeDeliver serializes a DELIVER frame (from:string, message:string).
func EncodeDeliver(from, message string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpDeliver))
	if err := WriteString(&buf, from); err != nil {
		return nil, err
	}
	if err := WriteString(&buf, message); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeStatus serializes a STATUS frame (code:u8, message:string).
func EncodeStatus(code StatusCode, message string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpStatus))
	buf.WriteByte(byte(code))
	if err := WriteString(&buf, message); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeRegister serializes a REGISTER frame (username:string). Only used
// by tests and the reference client path, never by the server itself.
func EncodeRegister(username string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpRegister))
	if err := WriteString(&buf, username); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeSend serializes a SEND frame (message:string). Only used by tests
// and the reference client path.
func EncodeSend(message string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpSend))
	if err := WriteString(&buf, message); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
