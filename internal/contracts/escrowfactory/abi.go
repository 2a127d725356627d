// Package escrowfactory is the client for the source-chain escrow factory
// contract: the order feed the resolver competes on, and the transactions it
// sends to match, complete and cancel orders.
package escrowfactory

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// factoryABI is the escrow factory contract interface.
const factoryABI = `[
	{"type":"event","name":"OrderCreated","inputs":[
		{"name":"orderHash","type":"bytes32","indexed":true},
		{"name":"maker","type":"address","indexed":true},
		{"name":"sourceAmount","type":"uint256","indexed":false},
		{"name":"destChain","type":"string","indexed":false},
		{"name":"destAmount","type":"uint256","indexed":false},
		{"name":"destRecipient","type":"string","indexed":false},
		{"name":"hashlock","type":"bytes32","indexed":false},
		{"name":"executionParams","type":"bytes","indexed":false},
		{"name":"resolverFee","type":"uint256","indexed":false},
		{"name":"safetyDeposit","type":"uint256","indexed":false},
		{"name":"expiry","type":"uint256","indexed":false}]},
	{"type":"event","name":"OrderMatched","inputs":[
		{"name":"orderHash","type":"bytes32","indexed":true},
		{"name":"resolver","type":"address","indexed":true},
		{"name":"safetyDeposit","type":"uint256","indexed":false}]},
	{"type":"event","name":"OrderCompleted","inputs":[
		{"name":"orderHash","type":"bytes32","indexed":true},
		{"name":"resolver","type":"address","indexed":true},
		{"name":"secret","type":"bytes32","indexed":false}]},
	{"type":"event","name":"OrderCancelled","inputs":[
		{"name":"orderHash","type":"bytes32","indexed":true}]},
	{"type":"function","name":"getOrder","stateMutability":"view","inputs":[
		{"name":"orderHash","type":"bytes32"}],"outputs":[
		{"name":"maker","type":"address"},
		{"name":"sourceAmount","type":"uint256"},
		{"name":"destChain","type":"string"},
		{"name":"destAmount","type":"uint256"},
		{"name":"destRecipient","type":"string"},
		{"name":"hashlock","type":"bytes32"},
		{"name":"executionParams","type":"bytes"},
		{"name":"resolverFee","type":"uint256"},
		{"name":"safetyDeposit","type":"uint256"},
		{"name":"expiry","type":"uint256"},
		{"name":"status","type":"uint8"},
		{"name":"resolver","type":"address"}]},
	{"type":"function","name":"getSupportedChains","stateMutability":"view","inputs":[],"outputs":[
		{"name":"chains","type":"string[]"}]},
	{"type":"function","name":"calculateMinSafetyDeposit","stateMutability":"view","inputs":[
		{"name":"amount","type":"uint256"}],"outputs":[
		{"name":"deposit","type":"uint256"}]},
	{"type":"function","name":"estimateExecutionCost","stateMutability":"view","inputs":[
		{"name":"orderHash","type":"bytes32"},
		{"name":"destChain","type":"string"}],"outputs":[
		{"name":"cost","type":"uint256"}]},
	{"type":"function","name":"isAuthorizedResolver","stateMutability":"view","inputs":[
		{"name":"resolver","type":"address"}],"outputs":[
		{"name":"authorized","type":"bool"}]},
	{"type":"function","name":"minSafetyDepositBps","stateMutability":"view","inputs":[],"outputs":[
		{"name":"bps","type":"uint256"}]},
	{"type":"function","name":"matchOrder","stateMutability":"payable","inputs":[
		{"name":"orderHash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"completeOrder","stateMutability":"nonpayable","inputs":[
		{"name":"orderHash","type":"bytes32"},
		{"name":"secret","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"cancelOrder","stateMutability":"nonpayable","inputs":[
		{"name":"orderHash","type":"bytes32"}],"outputs":[]}
]`

var (
	parsedABI abi.ABI

	// Event topic IDs, used when filtering raw logs.
	orderCreatedID   common.Hash
	orderMatchedID   common.Hash
	orderCompletedID common.Hash
	orderCancelledID common.Hash
)

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(factoryABI))
	if err != nil {
		panic("escrowfactory: invalid ABI: " + err.Error())
	}

	orderCreatedID = parsedABI.Events["OrderCreated"].ID
	orderMatchedID = parsedABI.Events["OrderMatched"].ID
	orderCompletedID = parsedABI.Events["OrderCompleted"].ID
	orderCancelledID = parsedABI.Events["OrderCancelled"].ID
}

// eventID is a helper for tests and topic filters.
func eventID(name string) common.Hash {
	ev, ok := parsedABI.Events[name]
	if !ok {
		return common.Hash{}
	}
	return ev.ID
}
