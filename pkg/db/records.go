package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fedbridge/fedbridge/node/pkg/batch"
	"github.com/fedbridge/fedbridge/node/pkg/bridge"
)

// Wire helpers. All integers are big endian; amounts are 32 fixed bytes;
// token ids are length-prefixed with a u16.

func writeToken(buf *bytes.Buffer, token bridge.TokenID) {
	_ = binary.Write(buf, binary.BigEndian, uint16(len(token)))
	buf.WriteString(string(token))
}

func readToken(r *bytes.Reader) (bridge.TokenID, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("failed to read token length: %w", err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("failed to read token id: %w", err)
	}
	return bridge.TokenID(b), nil
}

func writeAmount(buf *bytes.Buffer, amount *uint256.Int) {
	b := amount.Bytes32()
	buf.Write(b[:])
}

func readAmount(r *bytes.Reader) (*uint256.Int, error) {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, fmt.Errorf("failed to read amount: %w", err)
	}
	return new(uint256.Int).SetBytes32(b[:]), nil
}

func MarshalTransferRecord(t *bridge.TransferRecord) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, t.BlockSeq)
	_ = binary.Write(buf, binary.BigEndian, t.Seq)
	buf.Write(t.From[:])
	buf.Write(t.To[:])
	writeToken(buf, t.Token)
	writeAmount(buf, t.Amount)
	if t.IsRefund {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func unmarshalTransferRecord(r *bytes.Reader) (*bridge.TransferRecord, error) {
	t := &bridge.TransferRecord{}

	if err := binary.Read(r, binary.BigEndian, &t.BlockSeq); err != nil {
		return nil, fmt.Errorf("failed to read block seq: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &t.Seq); err != nil {
		return nil, fmt.Errorf("failed to read seq: %w", err)
	}
	if _, err := io.ReadFull(r, t.From[:]); err != nil {
		return nil, fmt.Errorf("failed to read sender: %w", err)
	}
	if _, err := io.ReadFull(r, t.To[:]); err != nil {
		return nil, fmt.Errorf("failed to read recipient: %w", err)
	}
	var err error
	if t.Token, err = readToken(r); err != nil {
		return nil, err
	}
	if t.Amount, err = readAmount(r); err != nil {
		return nil, err
	}
	flag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read refund flag: %w", err)
	}
	t.IsRefund = flag == 1
	return t, nil
}

func UnmarshalTransferRecord(data []byte) (*bridge.TransferRecord, error) {
	return unmarshalTransferRecord(bytes.NewReader(data))
}

func MarshalBatch(b *batch.Batch) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, b.ID)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(b.Records)))
	for _, r := range b.Records {
		rec := MarshalTransferRecord(r)
		_ = binary.Write(buf, binary.BigEndian, uint32(len(rec)))
		buf.Write(rec)
	}
	return buf.Bytes()
}

func UnmarshalBatch(data []byte) (*batch.Batch, error) {
	b := &batch.Batch{}
	r := bytes.NewReader(data)

	if err := binary.Read(r, binary.BigEndian, &b.ID); err != nil {
		return nil, fmt.Errorf("failed to read batch id: %w", err)
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read record count: %w", err)
	}
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("failed to read record length: %w", err)
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		rec, err := UnmarshalTransferRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal record %d: %w", i, err)
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

func MarshalEthTransaction(tx *bridge.EthTransaction) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(tx.FromForeign[:])
	buf.Write(tx.To[:])
	writeToken(buf, tx.Token)
	writeAmount(buf, tx.Amount)
	_ = binary.Write(buf, binary.BigEndian, tx.TxNonce)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(tx.CallData)))
	buf.Write(tx.CallData)
	return buf.Bytes(), nil
}

func UnmarshalEthTransaction(data []byte) (*bridge.EthTransaction, error) {
	tx := &bridge.EthTransaction{}
	r := bytes.NewReader(data)

	var from eth_common.Address
	if _, err := io.ReadFull(r, from[:]); err != nil {
		return nil, fmt.Errorf("failed to read foreign sender: %w", err)
	}
	tx.FromForeign = from
	if _, err := io.ReadFull(r, tx.To[:]); err != nil {
		return nil, fmt.Errorf("failed to read recipient: %w", err)
	}
	var err error
	if tx.Token, err = readToken(r); err != nil {
		return nil, err
	}
	if tx.Amount, err = readAmount(r); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &tx.TxNonce); err != nil {
		return nil, fmt.Errorf("failed to read tx nonce: %w", err)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read call data length: %w", err)
	}
	if n > 0 {
		tx.CallData = make([]byte, n)
		if _, err := io.ReadFull(r, tx.CallData); err != nil {
			return nil, fmt.Errorf("failed to read call data: %w", err)
		}
	}
	return tx, nil
}
