package storageserver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/backend/httpstore"
	"yhtransfer/internal/transfer/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, s *Server, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header     string
		size       int64
		start, end int64
		ranged     bool
		wantErr    bool
	}{
		{"", 10, 0, 9, false, false},
		{"bytes=0-3", 10, 0, 3, true, false},
		{"bytes=4-", 10, 4, 9, true, false},
		{"bytes=8-100", 10, 8, 9, true, false},
		{"bytes=-5", 10, 0, 0, false, true},
		{"bytes=0-1,4-5", 10, 0, 0, false, true},
		{"items=0-1", 10, 0, 0, false, true},
		{"bytes=5-2", 10, 0, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, ranged, err := parseRange(tt.header, tt.size)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
			assert.Equal(t, tt.ranged, ranged)
		})
	}
}

func TestServer_UploadFlow(t *testing.T) {
	mem := backend.NewMemory("")
	s := New(mem)
	ids := map[string]string{httpstore.HeaderAppid: "app", httpstore.HeaderAppuid: "u1"}

	spec, err := sonic.Marshal(backend.UploadSpec{Name: "a.txt", Size: 5, PlainSize: 5})
	require.NoError(t, err)
	w := serve(t, s, http.MethodPost, httpstore.PathUploads, spec, ids)
	require.Equal(t, http.StatusCreated, w.Code)
	var begin httpstore.BeginResponse
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &begin))
	require.NotEmpty(t, begin.UploadID)

	w = serve(t, s, http.MethodPut, httpstore.PathUploads+"/"+begin.UploadID+"?offset=0", []byte("hello"), ids)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = serve(t, s, http.MethodPost, httpstore.PathUploads+"/"+begin.UploadID+"/commit", nil, ids)
	require.Equal(t, http.StatusOK, w.Code)
	var info types.ObjectInfo
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "app", info.OwnerAppid)

	w = serve(t, s, http.MethodGet, httpstore.PathObjects+"/"+info.Fid+"/content", nil, map[string]string{"Range": "bytes=1-3"})
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "ell", w.Body.String())
	assert.Equal(t, "bytes 1-3/5", w.Header().Get("Content-Range"))

	w = serve(t, s, http.MethodGet, httpstore.PathObjects+"/"+info.Fid+"/content", nil, map[string]string{"Range": "bytes=5-9"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)

	w = serve(t, s, http.MethodGet, httpstore.PathObjects+"/"+info.Fid+"/content", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
}

func TestServer_ErrorCodes(t *testing.T) {
	s := New(backend.NewMemory(""))

	w := serve(t, s, http.MethodGet, httpstore.PathObjects+"/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var eb httpstore.ErrorBody
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &eb))
	assert.Equal(t, httpstore.CodeNotFound, eb.Code)
	assert.NotEmpty(t, eb.Error)

	w = serve(t, s, http.MethodPost, httpstore.PathUploads, []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, s, http.MethodPut, httpstore.PathUploads+"/nope?offset=x", []byte("a"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, s, http.MethodPost, httpstore.PathUploads+"/nope/commit", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_DirsAndURLs(t *testing.T) {
	mem := backend.NewMemory("")
	s := New(mem)
	fid := mem.Put(types.ObjectInfo{Name: "pic.jpg"}, []byte("jpeg"))

	body, _ := sonic.Marshal(httpstore.CreateDirRequest{Name: "photos"})
	w := serve(t, s, http.MethodPost, httpstore.PathDirs, body, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var dir httpstore.FidResponse
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &dir))
	assert.NotEmpty(t, dir.Fid)

	w = serve(t, s, http.MethodGet, httpstore.PathObjects+"/"+fid+"/url?version=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var u httpstore.URLResponse
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &u))
	assert.True(t, strings.Contains(u.URL, fid))

	w = serve(t, s, http.MethodGet, httpstore.PathObjects+"/"+fid+"/url?version=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, s, http.MethodGet, httpstore.PathObjects+"/"+fid+"/thumb?kind=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RateLimitSendsRetryAfter(t *testing.T) {
	mem := backend.NewMemory("")
	fid := mem.Put(types.ObjectInfo{Name: "a"}, []byte("a"))
	s := New(mem, WithRateLimit(rate.Every(time.Hour), 1))

	w := serve(t, s, http.MethodGet, httpstore.PathObjects+"/"+fid, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(t, s, http.MethodGet, httpstore.PathObjects+"/"+fid, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}
