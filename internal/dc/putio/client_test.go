package putio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(serverURL string) *Client {
	return NewClient("test-token", WithBaseURL(serverURL))
}

func TestListTaggedFiles(t *testing.T) {
	tests := []struct {
		name      string
		tag       string
		transfers string
		files     map[string]string // file ID -> response body
		lists     map[string]string // parent ID -> list response body
		wantPaths []string
	}{
		{
			name: "matching_tag_single_file",
			tag:  "mytag",
			transfers: `{"transfers":[{
				"id":1,"name":"test-transfer","file_id":100,"save_parent_id":200,
				"status":"COMPLETED","percent_done":100,"size":1000
			}]}`,
			files: map[string]string{
				"200": `{"file":{"id":200,"name":"mytag","size":0,"file_type":"FOLDER","content_type":"application/x-directory"}}`,
				"100": `{"file":{"id":100,"name":"test-file.mkv","size":1000,"file_type":"VIDEO","content_type":"video/x-matroska"}}`,
			},
			wantPaths: []string{"test-file.mkv"},
		},
		{
			name: "non_matching_tag",
			tag:  "mytag",
			transfers: `{"transfers":[{
				"id":2,"name":"other-transfer","file_id":100,"save_parent_id":200,
				"status":"COMPLETED","percent_done":100,"size":1000
			}]}`,
			files: map[string]string{
				"200": `{"file":{"id":200,"name":"othertag","size":0,"file_type":"FOLDER","content_type":"application/x-directory"}}`,
			},
		},
		{
			name: "in_progress_transfer_skipped",
			tag:  "mytag",
			transfers: `{"transfers":[{
				"id":3,"name":"in-progress","file_id":0,"save_parent_id":200,
				"status":"DOWNLOADING","percent_done":50,"size":2000
			}]}`,
			files: map[string]string{
				"200": `{"file":{"id":200,"name":"mytag","size":0,"file_type":"FOLDER","content_type":"application/x-directory"}}`,
			},
		},
		{
			name: "folder_is_walked",
			tag:  "mytag",
			transfers: `{"transfers":[{
				"id":4,"name":"season","file_id":300,"save_parent_id":200,
				"status":"COMPLETED","percent_done":100,"size":3000
			}]}`,
			files: map[string]string{
				"200": `{"file":{"id":200,"name":"mytag","size":0,"file_type":"FOLDER","content_type":"application/x-directory"}}`,
				"300": `{"file":{"id":300,"name":"Season 1","size":3000,"file_type":"FOLDER","content_type":"application/x-directory"}}`,
			},
			lists: map[string]string{
				"300": `{"files":[
					{"id":301,"name":"e01.mkv","size":1000,"file_type":"VIDEO","content_type":"video/x-matroska"},
					{"id":302,"name":"e02.mkv","size":2000,"file_type":"VIDEO","content_type":"video/x-matroska"}
				],"parent":{"id":300,"name":"Season 1","size":3000,"file_type":"FOLDER","content_type":"application/x-directory"}}`,
			},
			wantPaths: []string{"Season 1/e01.mkv", "Season 1/e02.mkv"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()

			mux.HandleFunc("/v2/transfers/list", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tt.transfers)
			})

			mux.HandleFunc("/v2/files/", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")

				fileID := strings.TrimPrefix(r.URL.Path, "/v2/files/")
				if fileID == "list" {
					if body, ok := tt.lists[r.URL.Query().Get("parent_id")]; ok {
						fmt.Fprint(w, body)

						return
					}
				} else if body, ok := tt.files[fileID]; ok {
					fmt.Fprint(w, body)

					return
				}

				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found"}`)
			})

			server := httptest.NewServer(mux)
			defer server.Close()

			files, err := newTestClient(server.URL).ListTaggedFiles(context.Background(), tt.tag)
			require.NoError(t, err)

			paths := make([]string, 0, len(files))
			for _, f := range files {
				paths = append(paths, f.Path)
			}

			assert.ElementsMatch(t, tt.wantPaths, paths)
		})
	}
}

func TestListTaggedFiles_TransfersError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error_type":"ERROR","error_message":"boom"}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListTaggedFiles(context.Background(), "tag")

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "list_transfers", netErr.Op)
}

func newRangeServer(t *testing.T, content []byte) (*httptest.Server, *Client) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/download/100", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	})
	mux.HandleFunc("/download/ignores-range", func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	})
	mux.HandleFunc("/download/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := newTestClient(server.URL)
	client.urls.Store(int64(100), server.URL+"/download/100")
	client.urls.Store(int64(101), server.URL+"/download/ignores-range")
	client.urls.Store(int64(102), server.URL+"/download/forbidden")

	return server, client
}

func TestFetchRange(t *testing.T) {
	content := []byte("0123456789abcdef")
	_, client := newRangeServer(t, content)

	got, err := client.FetchRange(context.Background(), "100", 4, 6)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(got))

	got, err = client.FetchRange(context.Background(), "100", 12, 10)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(got))
}

func TestFetchRange_Errors(t *testing.T) {
	_, client := newRangeServer(t, []byte("0123456789"))
	ctx := context.Background()

	t.Run("invalid reference", func(t *testing.T) {
		_, err := client.FetchRange(ctx, "abc", 0, 1)
		assert.ErrorContains(t, err, "invalid put.io file reference")
	})

	t.Run("range ignored past offset zero", func(t *testing.T) {
		_, err := client.FetchRange(ctx, "101", 5, 2)

		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.Equal(t, http.StatusOK, netErr.StatusCode)
		assert.ErrorIs(t, err, ErrRangeIgnored)
		assert.False(t, netErr.Temporary())
	})

	t.Run("full body accepted from offset zero", func(t *testing.T) {
		got, err := client.FetchRange(ctx, "101", 0, 3)
		require.NoError(t, err)
		assert.Equal(t, "012", string(got))
	})

	t.Run("forbidden", func(t *testing.T) {
		_, err := client.FetchRange(ctx, "102", 0, 1)

		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)

		_, cached := client.urls.Load(int64(102))
		assert.False(t, cached, "stale download url is dropped")
	})
}

func TestErrors(t *testing.T) {
	netErr := &NetworkError{Op: "fetch_range", StatusCode: 503, Message: "service unavailable"}
	assert.Equal(t, "putio fetch_range failed (HTTP 503): service unavailable", netErr.Error())
	assert.True(t, netErr.Temporary())

	netErr = &NetworkError{Op: "fetch_range", Message: "connection timeout"}
	assert.Equal(t, "putio fetch_range failed: connection timeout", netErr.Error())
	assert.True(t, netErr.Temporary())

	assert.True(t, (&NetworkError{StatusCode: http.StatusTooManyRequests}).Temporary())
	assert.False(t, (&NetworkError{StatusCode: http.StatusNotFound}).Temporary())

	cause := errors.New("401")
	authErr := &AuthenticationError{Op: "account_info", Err: cause}
	assert.Equal(t, "putio account_info: not authorized: 401", authErr.Error())
	assert.ErrorIs(t, authErr, cause)
	assert.Equal(t, "putio fetch_range: not authorized", (&AuthenticationError{Op: "fetch_range"}).Error())
}
