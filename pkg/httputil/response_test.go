package httputil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseJSON(t *testing.T) {
	// null status ok
	w := httptest.NewRecorder()
	require.NoError(t, ResponseJSON(nil, http.StatusOK, w))
	body, _ := io.ReadAll(w.Result().Body)

	assert.Equal(t, []byte("null"), body)
	assert.Equal(t, http.Header{"Content-Type": []string{"application/json"}}, w.Header())
	assert.Equal(t, 200, w.Code)

	w = httptest.NewRecorder()
	require.NoError(t, ResponseError("Not OK", http.StatusInternalServerError, w))
	body, _ = io.ReadAll(w.Result().Body)

	assert.Equal(t, []byte(`{"message":"Not OK"}`), body)
	assert.Equal(t, 500, w.Code)

	// unencodable payload turns into a 500
	w = httptest.NewRecorder()
	err := ResponseJSON(map[string]interface{}{"ch": make(chan int)}, http.StatusOK, w)
	assert.Error(t, err)
	assert.Equal(t, 500, w.Code)
}

func TestPostJSON(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"title":"t","message":"m"}`, string(body))
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewRetryClient(2)
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = 5 * time.Millisecond

	err := PostJSON(context.Background(), client, server.URL, map[string]string{"title": "t", "message": "m"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestPostJSON_ClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := PostJSON(context.Background(), NewRetryClient(0), server.URL, struct{}{})
	require.Error(t, err)
	var statusErr HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestDecodeJSON(t *testing.T) {
	var target struct {
		Release string `json:"release"`
	}
	require.NoError(t, DecodeJSON(strings.NewReader(`{"release":"F40"}`), &target))
	assert.Equal(t, "F40", target.Release)

	assert.Error(t, DecodeJSON(strings.NewReader(`{"release":"F40","extra":1}`), &target))
	assert.NoError(t, DecodeJSON(strings.NewReader(`{}`), nil))
}
