package oci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// AuthSession holds the bearer token for one pull. It is created per pull,
// passed into every registry call, and never shared across pulls.
type AuthSession struct {
	token string
}

// NewAuthSession returns an unauthenticated session. The token is acquired
// lazily on the first 401 challenge and reused for the rest of the session.
func NewAuthSession() *AuthSession {
	return &AuthSession{}
}

// ClientOptions configures a registry client.
type ClientOptions struct {
	Username string
	Password string
	Proxy    string // optional HTTP(S) proxy URL
	Logger   *slog.Logger
}

// Client performs the registry v2 HTTP protocol: manifest retrieval,
// manifest-list platform resolution and blob download.
type Client struct {
	httpClient *http.Client
	username   string
	password   string
	logger     *slog.Logger
}

// NewClient creates a registry client. Credentials are only sent to the
// token endpoint during the bearer challenge.
func NewClient(opts ClientOptions) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		username:   opts.Username,
		password:   opts.Password,
		logger:     logger,
	}, nil
}

// GetManifest fetches the manifest for a tag or digest reference and returns
// the raw body together with the response content type. The Accept header
// offers all four supported manifest flavors so the registry can answer with
// whichever it natively holds.
func (c *Client) GetManifest(ctx context.Context, sess *AuthSession, ref Reference, reference string) ([]byte, string, error) {
	manifestURL := fmt.Sprintf("%s/v2/%s/manifests/%s", ref.Registry, ref.Repository, reference)

	resp, err := c.request(ctx, sess, manifestURL, manifestAcceptTypes)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read manifest body: %w", err)
	}
	if len(trimToJSON(body)) == 0 {
		return nil, "", fmt.Errorf("empty manifest response for %s", reference)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// DownloadBlob streams a blob to destPath. The call is a no-op when destPath
// already exists: blob presence is the sole existence check and content is
// never re-fetched or re-verified.
func (c *Client) DownloadBlob(ctx context.Context, sess *AuthSession, ref Reference, dgst digest.Digest, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		c.logger.DebugContext(ctx, "blob already present", "digest", dgst.String())
		return nil
	}

	blobURL := fmt.Sprintf("%s/v2/%s/blobs/%s", ref.Registry, ref.Repository, dgst.String())

	resp, err := c.request(ctx, sess, blobURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create blob file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write blob %s: %w", dgst.String(), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close blob file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("finalize blob %s: %w", dgst.String(), err)
	}

	return nil
}

// request performs one authenticated GET. On a 401 challenge it acquires a
// bearer token from the advertised realm and retries once; any other status
// outside 2xx is terminal for the request.
func (c *Client) request(ctx context.Context, sess *AuthSession, requestURL string, accept []string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build registry request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		for _, v := range accept {
			req.Header.Add("Accept", v)
		}
		if sess.token != "" {
			req.Header.Set("Authorization", "Bearer "+sess.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.ErrorContext(ctx, "registry request failed", "method", http.MethodGet, "url", requestURL, "error", err)
			return nil, fmt.Errorf("registry request %s: %w", requestURL, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			challenge := resp.Header.Get("Www-Authenticate")
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if err := c.acquireToken(ctx, sess, challenge); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
			resp.Body.Close()
			c.logger.ErrorContext(ctx, "registry request failed",
				"method", http.MethodGet, "url", requestURL, "status", resp.StatusCode)
			return nil, fmt.Errorf("registry request %s: %s (%s)",
				requestURL, resp.Status, strings.TrimSpace(string(body)))
		}

		return resp, nil
	}
}

// acquireToken runs the two-step bearer flow: parse the WWW-Authenticate
// challenge, query the realm with service/scope parameters (and basic
// credentials when configured), and store the returned token on the session.
func (c *Client) acquireToken(ctx context.Context, sess *AuthSession, challenge string) error {
	params, err := parseBearerChallenge(challenge)
	if err != nil {
		return fmt.Errorf("parse auth challenge: %w", err)
	}

	realm := params["realm"]
	if realm == "" {
		return fmt.Errorf("auth challenge missing realm: %q", challenge)
	}

	query := url.Values{}
	if service := params["service"]; service != "" {
		query.Set("service", service)
	}
	if scope := params["scope"]; scope != "" {
		query.Set("scope", scope)
	}
	tokenURL := realm
	if encoded := query.Encode(); encoded != "" {
		tokenURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "token request failed", "url", tokenURL, "error", err)
		return fmt.Errorf("request auth token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token request %s: %s", tokenURL, resp.Status)
	}

	var token struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := DecodeJSON(resp.Body, &token); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}

	switch {
	case token.Token != "":
		sess.token = token.Token
	case token.AccessToken != "":
		sess.token = token.AccessToken
	default:
		return fmt.Errorf("token response from %s carries no token", realm)
	}

	c.logger.DebugContext(ctx, "acquired bearer token", "realm", realm)
	return nil
}

const userAgent = "android-docker-cli/1.0"

// parseBearerChallenge extracts the key/value parameters of a
// "Bearer realm=...,service=...,scope=..." header.
func parseBearerChallenge(header string) (map[string]string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("missing WWW-Authenticate header")
	}
	if i := strings.IndexByte(header, ' '); i > 0 && strings.EqualFold(header[:i], "Bearer") {
		header = strings.TrimSpace(header[i+1:])
	}

	params := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return params, nil
}

// HostArchitecture returns the architecture of the running host in registry
// platform notation.
func HostArchitecture() string {
	return runtime.GOARCH
}

// NormalizeArchitecture maps common aliases onto registry platform notation.
// An empty input selects the host architecture.
func NormalizeArchitecture(arch string) string {
	switch strings.ToLower(strings.TrimSpace(arch)) {
	case "":
		return HostArchitecture()
	case "amd64", "x86_64":
		return "amd64"
	case "arm64", "aarch64":
		return "arm64"
	default:
		return strings.ToLower(strings.TrimSpace(arch))
	}
}

// SelectPlatform scans a manifest list for the first entry matching the
// target architecture whose OS is linux or absent. When nothing matches, the
// error enumerates every architecture present so the caller can pick an
// alternative tag.
func SelectPlatform(index imagespec.Index, arch string) (imagespec.Descriptor, error) {
	available := make([]string, 0, len(index.Manifests))
	for _, desc := range index.Manifests {
		if desc.Platform == nil {
			continue
		}
		name := desc.Platform.Architecture
		if desc.Platform.Variant != "" {
			name += "/" + desc.Platform.Variant
		}
		available = append(available, name)

		if desc.Platform.Architecture != arch {
			continue
		}
		if desc.Platform.OS != "" && desc.Platform.OS != "linux" {
			continue
		}
		return desc, nil
	}

	sort.Strings(available)
	return imagespec.Descriptor{}, fmt.Errorf(
		"no manifest for architecture %q; available: %s", arch, strings.Join(available, ", "))
}

// DecodeManifest parses a concrete image manifest.
func DecodeManifest(body []byte) (imagespec.Manifest, error) {
	var manifest imagespec.Manifest
	if err := json.Unmarshal(trimToJSON(body), &manifest); err != nil {
		return imagespec.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}

// DecodeIndex parses a manifest list.
func DecodeIndex(body []byte) (imagespec.Index, error) {
	var index imagespec.Index
	if err := json.Unmarshal(trimToJSON(body), &index); err != nil {
		return imagespec.Index{}, fmt.Errorf("decode index: %w", err)
	}
	return index, nil
}

// DecodeJSON decodes a JSON response body into v.
func DecodeJSON(r io.Reader, v any) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(trimToJSON(body), v)
}

// trimToJSON drops any leading transport noise up to the first JSON opener.
func trimToJSON(body []byte) []byte {
	for i, b := range body {
		if b == '{' || b == '[' {
			return body[i:]
		}
	}
	return nil
}
