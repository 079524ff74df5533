package bridge

import (
	"encoding/hex"
	"errors"
	"fmt"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Address is a native chain account address.
type Address [32]byte

// Contract accounts on the native chain are distinguished by a reserved
// all-zero prefix in the first eight bytes of the address.
const contractPrefixLen = 8

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) Bytes() []byte {
	return a[:]
}

// IsContract reports whether the address belongs to a contract account.
func (a Address) IsContract() bool {
	for _, b := range a[:contractPrefixLen] {
		if b != 0 {
			return false
		}
	}
	return a != Address{}
}

// StringToAddress converts a hex-encoded string into an Address.
func StringToAddress(value string) (Address, error) {
	var address Address

	res, err := hex.DecodeString(value)
	if err != nil {
		return address, err
	}
	if len(res) != 32 {
		return address, errors.New("address must be 32 bytes")
	}

	copy(address[:], res)
	return address, nil
}

// TokenID identifies a fungible token on the native chain, e.g. "WUSDC-a1b2c3".
type TokenID string

func (t TokenID) String() string {
	return string(t)
}

// Ticker returns the human ticker portion of the token id.
func (t TokenID) Ticker() string {
	for i := 0; i < len(t); i++ {
		if t[i] == '-' {
			return string(t[:i])
		}
	}
	return string(t)
}

// GweiTicker is the base of every aggregator gas price pair.
const GweiTicker = "GWEI"

// Payment is a single-asset transfer attached to an operation.
type Payment struct {
	Token  TokenID
	Amount *uint256.Int
}

// TokenKind controls the accounting model for a bridged token.
type TokenKind uint8

const (
	// KindNative tokens pre-exist on this chain; the bridge locks and
	// unlocks inventory.
	KindNative TokenKind = iota + 1
	// KindMintBurn tokens are issued by the bridge; deposits burn, inbound
	// credits mint.
	KindMintBurn
)

func (k TokenKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindMintBurn:
		return "mint-burn"
	default:
		return fmt.Sprintf("unknown (%d)", uint8(k))
	}
}

// TxStatus is the per-transfer verdict set by the relayers once the foreign
// leg of a transfer settles.
type TxStatus uint8

const (
	StatusPending  TxStatus = 1
	StatusInFlight TxStatus = 2
	StatusExecuted TxStatus = 3
	StatusRejected TxStatus = 4
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in-flight"
	case StatusExecuted:
		return "executed"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown (%d)", uint8(s))
	}
}

// TransferRecord is one native to foreign transfer. Immutable after creation.
type TransferRecord struct {
	BlockSeq uint64
	Seq      uint64
	From     Address
	To       eth_common.Address
	Token    TokenID
	Amount   *uint256.Int
	IsRefund bool
}

// EthTransaction is one foreign to native transfer observed by the relayers.
// CallData is the raw encoded call description; it is only decoded by the
// call proxy at execution time so malformed payloads can be refunded instead
// of blocking delivery.
type EthTransaction struct {
	FromForeign eth_common.Address
	To          Address
	Token       TokenID
	Amount      *uint256.Int
	TxNonce     uint64
	CallData    []byte
}

// HasCall reports whether the transfer carries an embedded contract call.
func (tx *EthTransaction) HasCall() bool {
	return len(tx.CallData) > 0
}
