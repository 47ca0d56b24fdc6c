package putio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/italolelis/seedbox_ingest/internal/logctx"
	"github.com/italolelis/seedbox_ingest/internal/transfer"
	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// RemoteFile is a downloadable file of a completed put.io transfer.
type RemoteFile struct {
	ID         int64
	TransferID int64
	Path       string
	Size       int64
}

// Ref is the opaque reference FetchRange accepts for f.
func (f *RemoteFile) Ref() string {
	return strconv.FormatInt(f.ID, 10)
}

type Client struct {
	putioClient *putio.Client
	httpClient  *http.Client

	urls sync.Map // file id -> download url
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the API client at a different put.io endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u, err := url.Parse(baseURL); err == nil && baseURL != "" {
			c.putioClient.BaseURL = u
		}
	}
}

func NewClient(token string, opts ...Option) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport)

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: transport})
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	client := &Client{
		putioClient: putio.NewClient(oauth2.NewClient(ctx, tokenSource)),
		httpClient:  &http.Client{Transport: transport},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return &AuthenticationError{Op: "account_info", Err: err}
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// ListTaggedFiles returns the files of completed transfers saved under the
// folder named tag.
func (c *Client) ListTaggedFiles(ctx context.Context, tag string) ([]*RemoteFile, error) {
	logger := logctx.LoggerFromContext(ctx).With("tag", tag)

	transfers, err := c.putioClient.Transfers.List(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get transfers", "err", err)

		return nil, &NetworkError{Op: "list_transfers", Message: err.Error(), Err: err}
	}

	var files []*RemoteFile

	for _, t := range transfers {
		if t.SaveParentID == 0 || t.FileID == 0 {
			logger.DebugContext(ctx, "skipping transfer without files", "transfer_id", t.ID, "status", t.Status)

			continue
		}

		parent, err := c.putioClient.Files.Get(ctx, t.SaveParentID)
		if err != nil {
			logger.ErrorContext(ctx, "failed to get parent folder", "transfer_id", t.ID, "save_parent_id", t.SaveParentID, "err", err)

			continue
		}

		if parent.IsDir() && parent.Name != tag {
			logger.DebugContext(ctx, "skipping transfer, parent folder doesn't match tag",
				"transfer_id", t.ID, "parent_name", parent.Name)

			continue
		}

		found, err := c.filesRecursively(ctx, t.FileID, "")
		if err != nil {
			logger.ErrorContext(ctx, "failed to get files for completed transfer",
				"transfer_id", t.ID, "file_id", t.FileID, "err", err)

			continue
		}

		for _, f := range found {
			f.TransferID = t.ID
		}

		files = append(files, found...)
	}

	logger.DebugContext(ctx, "found files to download", "file_count", len(files))

	return files, nil
}

func (c *Client) filesRecursively(ctx context.Context, id int64, basePath string) ([]*RemoteFile, error) {
	logger := logctx.LoggerFromContext(ctx).With("parent_id", id, "base_path", basePath)

	file, err := c.putioClient.Files.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	if !file.IsDir() {
		return []*RemoteFile{{ID: file.ID, Path: filepath.Join(basePath, file.Name), Size: file.Size}}, nil
	}

	children, _, err := c.putioClient.Files.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	dir := filepath.Join(basePath, file.Name)

	var result []*RemoteFile

	for _, f := range children {
		switch strings.ToLower(f.FileType) {
		case "folder":
			nested, err := c.filesRecursively(ctx, f.ID, dir)
			if err != nil {
				logger.ErrorContext(ctx, "failed to get nested files", "err", err)

				continue
			}

			result = append(result, nested...)
		default:
			result = append(result, &RemoteFile{ID: f.ID, Path: filepath.Join(dir, f.Name), Size: f.Size})
		}
	}

	return result, nil
}

// FetchRange downloads length bytes of the file ref starting at offset.
func (c *Client) FetchRange(ctx context.Context, ref string, offset, length int64) ([]byte, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid put.io file reference %q: %w", ref, err)
	}

	downloadURL, err := c.downloadURL(ctx, id)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build range request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "fetch_range", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && offset == 0:
	case resp.StatusCode == http.StatusOK:
		return nil, &NetworkError{Op: "fetch_range", StatusCode: resp.StatusCode, Message: ErrRangeIgnored.Error(), Err: ErrRangeIgnored}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		c.urls.Delete(id)

		return nil, &AuthenticationError{Op: "fetch_range", Err: errors.New(resp.Status)}
	default:
		c.urls.Delete(id)

		return nil, &NetworkError{Op: "fetch_range", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, &NetworkError{Op: "fetch_range", Message: err.Error(), Err: err}
	}

	return data, nil
}

func (c *Client) downloadURL(ctx context.Context, id int64) (string, error) {
	if u, ok := c.urls.Load(id); ok {
		return u.(string), nil
	}

	u, err := c.putioClient.Files.URL(ctx, id, false)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to get file download url", "file_id", id, "err", err)

		return "", &NetworkError{Op: "download_url", Message: err.Error(), Err: err}
	}

	c.urls.Store(id, u)

	return u, nil
}

var _ transfer.Source = (*Client)(nil)
