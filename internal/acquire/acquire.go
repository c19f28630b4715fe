// Package acquire resolves a component source URI (local file, remote
// HTTPS, or an OCI registry reference) into verified local bytes and
// persists them into the plugin directory for reuse by the
// Compilation Cache.
package acquire

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	remotecredentials "oras.land/oras-go/v2/registry/remote/credentials"

	"github.com/wassette-dev/wassette/internal/componentid"
)

// Error kinds, distinguishable by the caller so manifest provisioning
// can decide whether to abort the whole manifest or continue with the
// next entry.
var (
	ErrUnknownScheme     = errors.New("acquire: unknown URI scheme")
	ErrFetchFailed       = errors.New("acquire: fetch failed")
	ErrDigestMismatch    = errors.New("acquire: digest mismatch")
	ErrInvalidCredential = errors.New("acquire: invalid credential")
)

// Credentials is an explicit username/password pair for an OCI pull.
// Both fields must be set together; a partial pair is a fatal
// argument error.
type Credentials struct {
	Username string
	Password string
}

// Result is the outcome of a successful Acquire.
type Result struct {
	Bytes     []byte
	LocalPath string
	MediaType string
}

// Acquirer resolves component URIs into local bytes.
type Acquirer struct {
	pluginDir  string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an Acquirer that persists acquired bytes under
// pluginDir.
func New(pluginDir string, logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{pluginDir: pluginDir, httpClient: http.DefaultClient, logger: logger}
}

// Acquire resolves uri into bytes, persisting them atomically to
// {plugin_dir}/{component_id}.wasm, and returns both the bytes and the
// local path.
func (a *Acquirer) Acquire(ctx context.Context, uri string, creds *Credentials) (*Result, error) {
	if creds != nil && (creds.Username == "") != (creds.Password == "") {
		return nil, fmt.Errorf("%w: username and password must both be set or both be empty", ErrInvalidCredential)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URI %q: %w", uri, err)
	}

	var data []byte
	mediaType := ocispec.MediaTypeImageLayer
	switch u.Scheme {
	case "file":
		data, err = a.acquireFile(u)
	case "http", "https":
		data, err = a.acquireHTTP(ctx, uri)
	case "oci":
		data, mediaType, err = a.acquireOCI(ctx, uri, creds)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	id := componentid.FromURI(uri)
	localPath, err := a.persist(id, data)
	if err != nil {
		return nil, err
	}

	return &Result{Bytes: data, LocalPath: localPath, MediaType: mediaType}, nil
}

func (a *Acquirer) acquireFile(u *url.URL) ([]byte, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrFetchFailed, path, err)
	}
	return data, nil
}

func (a *Acquirer) acquireHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", uri, err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFetchFailed, uri, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body from %s: %v", ErrFetchFailed, uri, err)
	}
	return data, nil
}

// acquireOCI pulls the component artifact blob referenced by
// oci://registry/repo[:tag|@digest]. Credential priority: explicit
// pair > daemon-style docker config > anonymous; an identity-token
// credential from the docker config falls back to anonymous with a
// warning, since oras-go's static credential resolution here only
// understands username/password.
func (a *Acquirer) acquireOCI(ctx context.Context, uri string, creds *Credentials) ([]byte, string, error) {
	refStr := strings.TrimPrefix(uri, "oci://")
	ref, err := registry.ParseReference(refStr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse OCI reference %q: %w", refStr, err)
	}

	repo, err := remote.NewRepository(refStr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to construct OCI repository client for %q: %w", refStr, err)
	}

	credFn, err := a.resolveOCICredentials(ctx, ref.Registry, creds)
	if err != nil {
		return nil, "", err
	}
	repo.Client = &auth.Client{
		Client:     a.httpClient,
		Credential: credFn,
	}

	desc, data, err := oras.FetchBytes(ctx, repo, ref.Reference, oras.DefaultFetchBytesOptions)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrFetchFailed, uri, err)
	}
	a.logger.Debug("fetched OCI artifact", "uri", uri, "media_type", desc.MediaType, "digest", desc.Digest)

	return data, desc.MediaType, nil
}

// anonymousCredential is the fallback CredentialFunc used whenever no
// usable credential source is available for a registry host.
func anonymousCredential(context.Context, string) (auth.Credential, error) {
	return auth.EmptyCredential, nil
}

func (a *Acquirer) resolveOCICredentials(ctx context.Context, host string, creds *Credentials) (auth.CredentialFunc, error) {
	if creds != nil && creds.Username != "" {
		return auth.StaticCredential(host, auth.Credential{
			Username: creds.Username,
			Password: creds.Password,
		}), nil
	}

	store, err := remotecredentials.NewStoreFromDocker(remotecredentials.StoreOptions{
		DetectDefaultNativeStore: true,
	})
	if err != nil {
		a.logger.Warn("no daemon-style credential store available, falling back to anonymous", "error", err)
		return anonymousCredential, nil
	}

	cred, err := store.Get(ctx, host)
	if err != nil {
		a.logger.Warn("failed to look up daemon credentials, falling back to anonymous", "host", host, "error", err)
		return anonymousCredential, nil
	}

	if cred.RefreshToken != "" && cred.Username == "" {
		a.logger.Warn("identity token credentials are not supported for OCI pulls, falling back to anonymous", "host", host)
		return anonymousCredential, nil
	}

	return auth.StaticCredential(host, cred), nil
}

// persist writes data atomically to {plugin_dir}/{component_id}.wasm.
func (a *Acquirer) persist(componentID string, data []byte) (string, error) {
	if err := os.MkdirAll(a.pluginDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create plugin directory %s: %w", a.pluginDir, err)
	}

	final := filepath.Join(a.pluginDir, componentID+".wasm")
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write temporary artifact %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("failed to rename temporary artifact to %s: %w", final, err)
	}

	return final, nil
}

// VerifyDigest compares the digest of data against expected, which must
// parse as an OCI digest ("algorithm:hex", e.g. "sha256:..."). Only the
// sha256 algorithm is accepted; the hex comparison is constant-time.
func VerifyDigest(data []byte, expected string) (bool, error) {
	want, err := digest.Parse(expected)
	if err != nil {
		return false, fmt.Errorf("failed to parse digest %q: %w", expected, err)
	}
	if want.Algorithm() != digest.SHA256 {
		return false, fmt.Errorf("unsupported digest algorithm %q, want %q", want.Algorithm(), digest.SHA256)
	}

	got := digest.SHA256.FromBytes(data)

	return subtle.ConstantTimeCompare([]byte(got.Encoded()), []byte(want.Encoded())) == 1, nil
}
