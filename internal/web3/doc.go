// Package web3 houses blockchain connectivity used by agent tools: chain
// definitions, a registry of EVM clients and the tool bindings that expose
// snapshots, balances, nonces and signed value transfers to agents.
package web3
