// Package main (cmd/certd) runs the certificate service: the issuance
// orchestrator, the public verification API and the index follower.
//
// The ledger is either an in-process ledger (--ledger=local, for development
// and demos) or a deployed CertificateNFT contract reached over Ethereum RPC.
// Institution profiles and the keys the service signs with come from a YAML
// directory file.
//
// Example usage with a local ledger:
//
//	certd --directory=institutions.yaml \
//	    --admin=0x5B38Da6a701c568545dCfcB03FcB875f56beddC4 \
//	    --anchor=data: --index=sqlite://certs.db
//
// Example usage against a chain, anchoring to IPFS with S3 as a fallback store:
//
//	certd --directory=institutions.yaml \
//	    --ledger=http://localhost:8545 --contract=0x... --from-block=1200 \
//	    --anchor=ipfs://localhost:5001 --anchor=s3://certs/prod?region=eu-west-1 \
//	    --index=postgres://certs@db/certs?sslmode=disable \
//	    --kafka-brokers=localhost:9092
package main
