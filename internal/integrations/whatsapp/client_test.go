package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) Value(context.Context) (string, error) { return string(s), nil }

type failingToken struct{}

func (failingToken) Value(context.Context) (string, error) { return "", errors.New("ssm unavailable") }

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithAPIVersion("v21.0"),
		WithTimeout(2 * time.Second),
	}, opts...)
	c, err := NewClient(staticToken("EAAG-test"), "1234567890", opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "123")
	require.ErrorContains(t, err, "nil")

	_, err = NewClient(staticToken("x"), " ")
	require.ErrorContains(t, err, "phone number id")
}

func TestClient_SendText_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v21.0/1234567890/messages", r.URL.Path)
		require.Equal(t, "Bearer EAAG-test", r.Header.Get("Authorization"))

		var req SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "whatsapp", req.MessagingProduct)
		require.Equal(t, "5511999990000", req.To)
		require.Equal(t, "text", req.Type)
		require.Equal(t, "Olá!", req.Text.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.OUT"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	require.NoError(t, c.SendText(context.Background(), "5511999990000", "  Olá!  "))
}

func TestClient_SendText_TruncatesBody(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = req.Text.Body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithMaxReplyChars(5))
	require.NoError(t, c.SendText(context.Background(), "5511", "ãããããããã"))
	require.Equal(t, "ããããã", got)
}

func TestClient_SendText_StatusError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.SendText(context.Background(), "5511", "oi")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "Invalid OAuth access token.")
	require.Equal(t, int32(1), calls.Load(), "sends must not be retried")
}

func TestClient_SendText_Validation(t *testing.T) {
	c, err := NewClient(staticToken("x"), "123")
	require.NoError(t, err)
	require.ErrorContains(t, c.SendText(context.Background(), "", "oi"), "recipient")
	require.ErrorContains(t, c.SendText(context.Background(), "5511", "   "), "body")

	c, err = NewClient(failingToken{}, "123")
	require.NoError(t, err)
	require.ErrorContains(t, c.SendText(context.Background(), "5511", "oi"), "ssm unavailable")
}

func TestClient_FetchMedia_TwoStepDownload(t *testing.T) {
	payload := []byte("%PDF-1.4 fake")
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer EAAG-test", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v21.0/media-42":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"media-42","url":"` + srv.URL + `/download/media-42","mime_type":"application/pdf","file_size":13}`))
		case "/download/media-42":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(payload)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	media, err := c.FetchMedia(context.Background(), "media-42")
	require.NoError(t, err)
	require.Equal(t, "media-42", media.ID)
	require.Equal(t, "application/pdf", media.MimeType)
	require.Equal(t, payload, media.Data)
}

func TestClient_FetchMedia_LookupError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"Unsupported get request.","code":100}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.FetchMedia(context.Background(), "missing")
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Equal(t, "media lookup", statusErr.Op)
}

func TestClient_FetchMedia_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"big","url":"http://example.invalid/big","mime_type":"image/jpeg","file_size":99999999}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.FetchMedia(context.Background(), "big")
	require.ErrorContains(t, err, "too large")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", Truncate("abc", 10))
	require.Equal(t, "ab", Truncate("ab c", 3))
	require.Equal(t, strings.Repeat("é", 4), Truncate(strings.Repeat("é", 9), 4))
	require.Equal(t, "abc", Truncate("abc", 0))
}
