package anchor

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/metrics"
)

// Factory creates anchors and storage backends from location URIs.
type Factory struct {
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewFactory creates a new factory instance.
func NewFactory(logger *slog.Logger, m *metrics.Metrics) *Factory {
	return &Factory{log: logger, metrics: m}
}

// NewRouter builds a Router from anchor location URIs. The first location
// produces new handles; every location resolves handles of its scheme.
// Blob store locations (file, s3, vault) are merged into a single cas anchor
// backed by a MultiStorageBackend.
//
// Supported locations:
//   - data:?max=8192 - content embedded in the handle
//   - ipfs://host:port/?timeout=30s - IPFS HTTP API
//   - file:///var/lib/certificates - local directory
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=http://minio:9000
//   - vault://host:port/mount/path?token=...&tls=false - Vault KV v2
func (f *Factory) NewRouter(locations []string) (*Router, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("%w: no anchor locations configured", interfaces.ErrInvalidLocationURI)
	}

	var (
		anchors  []SchemeAnchor
		stores   []interfaces.StorageBackend
		producer SchemeAnchor
		cas      *CASAnchor
	)
	for i, loc := range locations {
		u, err := url.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
		}

		var a SchemeAnchor
		switch strings.ToLower(u.Scheme) {
		case "data":
			a, err = f.createDataAnchor(u)
		case "ipfs":
			a, err = f.createIPFSAnchor(u)
		case "file", "s3", "vault":
			var store interfaces.StorageBackend
			store, err = f.StorageBackendFor(loc)
			if err == nil {
				stores = append(stores, store)
				if cas == nil {
					cas = NewCASAnchor(nil, f.log)
				}
				a = cas
			}
		default:
			err = fmt.Errorf("%w: unsupported anchor scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
		}
		if err != nil {
			return nil, err
		}

		if i == 0 {
			producer = a
		}
		anchors = append(anchors, a)
	}

	if cas != nil {
		if len(stores) == 1 {
			cas.store = stores[0]
		} else {
			cas.store = NewMultiStorageBackend(stores, f.log)
		}
	}

	return NewRouter(f.log, f.metrics, producer, anchors...), nil
}

func (f *Factory) createDataAnchor(u *url.URL) (SchemeAnchor, error) {
	maxSize := 0
	if v := u.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid max %q", interfaces.ErrInvalidLocationURI, v)
		}
		maxSize = n
	}
	return NewDataAnchor(maxSize), nil
}

// createIPFSAnchor creates an IPFS anchor.
// URI format: ipfs://host:port/?timeout=30s
func (f *Factory) createIPFSAnchor(u *url.URL) (SchemeAnchor, error) {
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing IPFS host", interfaces.ErrInvalidLocationURI)
	}
	port := u.Port()
	if port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if v := u.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, v)
		}
		timeout = d
	}

	f.log.Debug("Creating IPFS anchor", slog.String("uri", u.Redacted()))
	return NewIPFSAnchor(host+":"+port, timeout, f.log), nil
}

// StorageBackendFor creates a blob storage backend from a location URI.
func (f *Factory) StorageBackendFor(locationURI string) (interfaces.StorageBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileBackend(u)
	case "s3":
		return f.createS3Backend(u)
	case "vault":
		return f.createVaultBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (f *Factory) createS3Backend(u *url.URL) (interfaces.StorageBackend, error) {
	f.log.Debug("Creating S3 backend", slog.String("uri", u.Redacted()))

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing S3 bucket", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, f.log)
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (f *Factory) createFileBackend(u *url.URL) (interfaces.StorageBackend, error) {
	f.log.Debug("Creating file backend", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	return NewFileBackend(path, f.log)
}

// createVaultBackend creates a Vault KV v2 storage backend.
// URI format: vault://host:port/mount/path?token=...&tls=false
// The token falls back to VAULT_TOKEN.
func (f *Factory) createVaultBackend(u *url.URL) (interfaces.StorageBackend, error) {
	f.log.Debug("Creating Vault backend", slog.String("host", u.Host))

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}

	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if mount == "" {
		return nil, fmt.Errorf("%w: missing Vault mount path", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}
	token := query.Get("token")
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	return NewVaultBackend(scheme+"://"+u.Host, mount, dataPath, token, f.log)
}
