// Package web3 defines the chain-facing contracts the execution pipeline
// depends on: transaction requests, receipts, the session wallet, and the
// YAML chain definitions. Concrete EVM access lives in web3/ethereum, ABI
// encoding for the swap, payroll and token contracts in web3/contracts, and
// the multi-chain client registry in web3/provider.
package web3
