// Package main (cmd/certctl) is the command line client of the certificate API.
//
// Mutating commands sign their requests with --key or --key-file:
//
//	certctl keygen --out uni.key
//	certctl --key-file admin.key approve 0x5B38Da6a701c568545dCfcB03FcB875f56beddC4
//	certctl --key-file uni.key issue --subject Compilers --student-name Alice 0xa11ce...
//	certctl verify 1
//	certctl --key-file uni.key revoke 1
//
// rebuild-index talks to the ledger and the index directly instead of the API.
package main
