package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"

	"scalesync/internal/models"
)

const contentEncodingSnappy = "snappy"

// HTTPTransport implements Transport over the JSON/HTTP wire contract.
type HTTPTransport struct {
	httpClient *http.Client
	baseURL    string
	token      string
	self       models.DeviceIdentity
	peerID     string
}

// NewHTTPClient builds the http.Client shared by every transport instance.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
		},
		Timeout: timeout,
	}
}

// NewHTTP returns a transport talking to one peer. peerID is the remote
// device id ("cloud" for the hub); self identifies this station on the wire.
func NewHTTP(httpClient *http.Client, baseURL, token, peerID string, self models.DeviceIdentity) *HTTPTransport {
	return &HTTPTransport{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		self:       self,
		peerID:     peerID,
	}
}

// NewHTTPForPeer builds a transport for a discovered LAN peer.
func NewHTTPForPeer(httpClient *http.Client, p models.PeerDescriptor, token string, self models.DeviceIdentity) *HTTPTransport {
	base := fmt.Sprintf("http://%s:%d", p.IP, p.Port)
	return NewHTTP(httpClient, base, token, p.ID, self)
}

func (t *HTTPTransport) PeerID() string { return t.peerID }

func (t *HTTPTransport) Health(ctx context.Context) (Health, error) {
	var out Health
	if err := t.doJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return Health{}, err
	}
	return out, nil
}

func (t *HTTPTransport) PushChanges(ctx context.Context, changes []models.ChangeLogEntry) (int64, error) {
	req := PushRequest{PeerID: t.self.ID, Changes: changes}
	var out PushResponse
	if err := t.doJSON(ctx, http.MethodPost, "/sync/push", req, &out); err != nil {
		return 0, err
	}
	return out.AckedUpTo, nil
}

func (t *HTTPTransport) PullChanges(ctx context.Context, cursor int64, limit int) ([]models.ChangeLogEntry, int64, error) {
	path := "/sync/pull?peerId=" + url.QueryEscape(t.self.ID) +
		"&cursor=" + strconv.FormatInt(cursor, 10) +
		"&limit=" + strconv.Itoa(limit)
	var out PullResponse
	if err := t.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Changes, out.NextCursor, nil
}

func (t *HTTPTransport) UploadArtifact(ctx context.Context, ref string, data []byte) error {
	compressed := snappy.Encode(nil, data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		t.baseURL+"/sync/artifacts/"+escapeRef(ref), bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", contentEncodingSnappy)
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	return t.checkStatus(resp)
}

func (t *HTTPTransport) DownloadArtifact(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.baseURL+"/sync/artifacts/"+escapeRef(ref), nil)
	if err != nil {
		return nil, err
	}
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if err := t.checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// UploadBackup sends a snapshot archive to the hub as one multipart request:
// the database snapshot, the manifest, and the artifact files the manifest
// lists as included.
func (t *HTTPTransport) UploadBackup(ctx context.Context, snapshot, manifest []byte, files map[string][]byte) (BackupResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("database_snapshot", "snapshot.json.sz")
	if err != nil {
		return BackupResult{}, err
	}
	if _, err := part.Write(snappy.Encode(nil, snapshot)); err != nil {
		return BackupResult{}, err
	}

	part, err = mw.CreateFormFile("manifest", "manifest.json")
	if err != nil {
		return BackupResult{}, err
	}
	if _, err := part.Write(manifest); err != nil {
		return BackupResult{}, err
	}

	for ref, data := range files {
		part, err := mw.CreateFormFile("files", ref)
		if err != nil {
			return BackupResult{}, err
		}
		if _, err := part.Write(data); err != nil {
			return BackupResult{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return BackupResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/backup/upload", &body)
	if err != nil {
		return BackupResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return BackupResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if err := t.checkStatus(resp); err != nil {
		return BackupResult{}, err
	}
	var out BackupResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return BackupResult{}, err
	}
	return out, nil
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	compressed := false
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(snappy.Encode(nil, b))
		compressed = true
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", contentEncodingSnappy)
	}
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if err := t.checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// escapeRef escapes each segment of a ref but keeps its slashes, so the ref
// maps onto the artifact route's wildcard path.
func escapeRef(ref string) string {
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (t *HTTPTransport) setHeaders(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	req.Header.Set("X-Device-ID", t.self.ID)
	req.Header.Set("X-Device-Name", t.self.Name)
}

func (t *HTTPTransport) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var eb struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusServiceUnavailable:
		return ErrStorageUnavailable
	default:
		if strings.TrimSpace(eb.Error) != "" {
			return fmt.Errorf("peer returned %d: %s", resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
}
