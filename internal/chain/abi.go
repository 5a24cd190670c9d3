package chain

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// settlementABI is the exchange contract surface the coordinator drives.
// Every mutating call is keyed by trade id and is a no-op for an id the
// contract already recorded.
const settlementABI = `[
  {"type":"function","name":"executeTrades","stateMutability":"nonpayable","inputs":[
    {"name":"tradeIds","type":"bytes32[]"},
    {"name":"makerOrders","type":"bytes32[]"},
    {"name":"takerOrders","type":"bytes32[]"},
    {"name":"prices","type":"uint256[]"},
    {"name":"sizes","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"splitPositionFor","stateMutability":"nonpayable","inputs":[
    {"name":"tradeId","type":"bytes32"},
    {"name":"conditionId","type":"bytes32"},
    {"name":"outcome","type":"uint8"},
    {"name":"buyer","type":"address"},
    {"name":"seller","type":"address"},
    {"name":"price","type":"uint256"},
    {"name":"size","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"mergePositionsFor","stateMutability":"nonpayable","inputs":[
    {"name":"tradeId","type":"bytes32"},
    {"name":"conditionId","type":"bytes32"},
    {"name":"outcome","type":"uint8"},
    {"name":"buyer","type":"address"},
    {"name":"seller","type":"address"},
    {"name":"price","type":"uint256"},
    {"name":"size","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"isSettled","stateMutability":"view","inputs":[
    {"name":"tradeId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// erc1155ABI is the part of the conditional token contract the classifier
// reads.
const erc1155ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"},
    {"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	settlementContract = mustParse(settlementABI)
	ctfContract        = mustParse(erc1155ABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: bad embedded abi: " + err.Error())
	}
	return parsed
}

// ToBytes32 maps an off-chain id onto a contract key. A 0x-prefixed 32-byte
// hex id is used as is; anything else is hashed with keccak256.
func ToBytes32(id string) [32]byte {
	var out [32]byte
	if strings.HasPrefix(id, "0x") && len(id) == 66 {
		if b, err := hex.DecodeString(id[2:]); err == nil {
			copy(out[:], b)
			return out
		}
	}
	copy(out[:], ethcrypto.Keccak256([]byte(id)))
	return out
}

func toAddress(account string) (common.Address, bool) {
	if !common.IsHexAddress(account) {
		return common.Address{}, false
	}
	return common.HexToAddress(account), true
}
