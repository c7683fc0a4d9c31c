package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// CertificateNFTABI is the subset of the CertificateNFT contract ABI used by the client.
const CertificateNFTABI = `[
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"approveInstitution","stateMutability":"nonpayable","inputs":[{"name":"institution","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]},
  {"type":"function","name":"isInstitutionApproved","stateMutability":"view","inputs":[{"name":"institution","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"mintCertificate","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"uri","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"revokeCertificate","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"isValid","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getCertificate","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"owner_","type":"address"},{"name":"issuer","type":"address"},{"name":"uri","type":"string"},{"name":"revoked","type":"bool"}]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"InstitutionApprovalUpdated","anonymous":false,"inputs":[{"name":"institution","type":"address","indexed":true},{"name":"approved","type":"bool","indexed":false}]},
  {"type":"event","name":"CertificateMinted","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"issuer","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"uri","type":"string","indexed":false}]},
  {"type":"event","name":"CertificateRevoked","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"revokedBy","type":"address","indexed":true}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}]}
]`

// Event names as declared in the contract.
const (
	eventApproval = "InstitutionApprovalUpdated"
	eventMinted   = "CertificateMinted"
	eventRevoked  = "CertificateRevoked"
	eventTransfer = "Transfer"
)

// ParsedABI returns the parsed CertificateNFT ABI.
func ParsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(CertificateNFTABI))
}
