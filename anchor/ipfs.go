package anchor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/ruteri/certificate-ledger/interfaces"
)

const (
	ipfsURIPrefix = "ipfs://"

	// maxIPFSContentSize bounds how much of a resolved object is read.
	maxIPFSContentSize = 1 << 20
)

// IPFSAnchor adds canonical content to an IPFS node and hands out ipfs://<cid> handles.
// Content is pinned on add and CIDv1 is used, so identical content maps to the same handle.
type IPFSAnchor struct {
	shell *shell.Shell
	api   string
	log   *slog.Logger
}

// NewIPFSAnchor connects to the IPFS HTTP API at api (host:port or a full URL).
func NewIPFSAnchor(api string, timeout time.Duration, log *slog.Logger) *IPFSAnchor {
	sh := shell.NewShell(api)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &IPFSAnchor{shell: sh, api: api, log: log}
}

func (a *IPFSAnchor) Scheme() string { return "ipfs" }

// Available checks if the IPFS node is accessible.
func (a *IPFSAnchor) Available(ctx context.Context) bool {
	return a.shell.IsUp()
}

func (a *IPFSAnchor) Produce(ctx context.Context, content *interfaces.CertificateContent) (string, error) {
	data, err := Encode(content)
	if err != nil {
		return "", interfaces.NewFatalAnchorError(err)
	}

	start := time.Now()
	cid, err := a.shell.Add(bytes.NewReader(data), shell.Pin(true), shell.CidVersion(1))
	if err != nil {
		a.log.Warn("Failed to add content to IPFS",
			slog.String("api", a.api),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return "", interfaces.NewRetryableAnchorError(fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err))
	}

	a.log.Debug("Anchored certificate content in IPFS",
		slog.String("cid", cid),
		slog.Duration("duration", time.Since(start)))

	return ipfsURIPrefix + cid, nil
}

func (a *IPFSAnchor) Resolve(ctx context.Context, uri string) (*interfaces.CertificateContent, error) {
	if !strings.HasPrefix(uri, ipfsURIPrefix) {
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("%w: %q is not an ipfs uri", interfaces.ErrInvalidLocationURI, uri))
	}
	cid := strings.Trim(strings.TrimPrefix(uri, ipfsURIPrefix), "/")
	if cid == "" {
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("%w: empty cid", interfaces.ErrInvalidLocationURI))
	}

	resp, err := a.shell.Request("cat", "/ipfs/"+cid).Send(ctx)
	if err != nil {
		return nil, interfaces.NewRetryableAnchorError(fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err))
	}
	defer resp.Close()

	if resp.Error != nil {
		if isIPFSNotFound(resp.Error) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, uri)
		}
		return nil, interfaces.NewRetryableAnchorError(resp.Error)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Output, maxIPFSContentSize))
	if err != nil {
		return nil, interfaces.NewRetryableAnchorError(fmt.Errorf("failed to read data from IPFS: %w", err))
	}

	content, err := Decode(data)
	if err != nil {
		return nil, interfaces.NewFatalAnchorError(err)
	}
	return content, nil
}

func isIPFSNotFound(err error) bool {
	var serr *shell.Error
	if !errors.As(err, &serr) {
		return false
	}
	msg := strings.ToLower(serr.Message)
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no link named") ||
		strings.Contains(msg, "invalid path") ||
		strings.Contains(msg, "invalid cid")
}
