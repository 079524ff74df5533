// Package calldata implements the wire format for contract calls embedded in
// inbound transfers. The format is byte-exact:
//
//	1 byte   endpoint length (<= 255)
//	n bytes  endpoint name
//	4 bytes  gas limit, big endian (upper 32 bits of the u64 must be zero)
//	1 byte   argument count (<= 255)
//	per arg  4-byte big-endian length, then the raw bytes
//
// Trailing bytes after the last argument are rejected. A buffer whose
// endpoint length is zero and which carries nothing else is legal and means
// "no call".
package calldata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrTrailingBytes = errors.New("trailing bytes after call data")
	ErrGasLimitRange = errors.New("gas limit exceeds 32 bits")
	ErrTooManyArgs   = errors.New("too many call arguments")
)

type CallData struct {
	Endpoint []byte
	GasLimit uint64
	Args     [][]byte
}

// IsEmpty reports whether the call data describes no call at all.
func (c *CallData) IsEmpty() bool {
	return c == nil || len(c.Endpoint) == 0
}

func (c *CallData) Marshal() ([]byte, error) {
	if len(c.Endpoint) > math.MaxUint8 {
		return nil, fmt.Errorf("endpoint name too long: %d", len(c.Endpoint))
	}
	if c.GasLimit > math.MaxUint32 {
		return nil, ErrGasLimitRange
	}
	if len(c.Args) > math.MaxUint8 {
		return nil, ErrTooManyArgs
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(uint8(len(c.Endpoint)))
	buf.Write(c.Endpoint)
	if err := binary.Write(buf, binary.BigEndian, uint32(c.GasLimit)); err != nil {
		return nil, err
	}
	buf.WriteByte(uint8(len(c.Args)))
	for _, arg := range c.Args {
		if len(arg) > math.MaxUint32 {
			return nil, fmt.Errorf("argument too long: %d", len(arg))
		}
		if err := binary.Write(buf, binary.BigEndian, uint32(len(arg))); err != nil {
			return nil, err
		}
		buf.Write(arg)
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte) (*CallData, error) {
	reader := bytes.NewReader(data)

	endpointLen, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoint length: %w", err)
	}

	c := &CallData{}
	if endpointLen > 0 {
		c.Endpoint = make([]byte, endpointLen)
		if _, err := io.ReadFull(reader, c.Endpoint); err != nil {
			return nil, fmt.Errorf("failed to read endpoint name: %w", err)
		}
	}

	if endpointLen == 0 && reader.Len() == 0 {
		// Empty call data, equivalent to no call.
		return c, nil
	}

	var gasLimit uint32
	if err := binary.Read(reader, binary.BigEndian, &gasLimit); err != nil {
		return nil, fmt.Errorf("failed to read gas limit: %w", err)
	}
	c.GasLimit = uint64(gasLimit)

	argCount, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read argument count: %w", err)
	}

	for i := uint8(0); i < argCount; i++ {
		var argLen uint32
		if err := binary.Read(reader, binary.BigEndian, &argLen); err != nil {
			return nil, fmt.Errorf("failed to read length of argument %d: %w", i, err)
		}
		if uint32(reader.Len()) < argLen {
			return nil, fmt.Errorf("argument %d truncated: want %d bytes, have %d", i, argLen, reader.Len())
		}
		arg := make([]byte, argLen)
		if _, err := io.ReadFull(reader, arg); err != nil {
			return nil, fmt.Errorf("failed to read argument %d: %w", i, err)
		}
		c.Args = append(c.Args, arg)
	}

	if reader.Len() != 0 {
		return nil, ErrTrailingBytes
	}
	return c, nil
}
