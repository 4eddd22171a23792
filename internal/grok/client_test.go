package grok

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/grok-gateway/internal/testutil"
)

func TestClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, chatPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "sso=abc;cf_clearance=xyz", r.Header.Get("Cookie"))
		assert.NotEmpty(t, r.Header.Get("x-xai-request-id"))

		var p ChatPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "grok-3", p.ModelName)

		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"result":{"response":{"token":"Hi"}}}`+"\n\n")
		_, _ = io.WriteString(w, `{"result":{"response":{"token":" there"}}}`+"\n")
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL+"/"), WithCFClearance("cf_clearance=xyz"))
	stream, err := client.Chat(context.Background(), "sso=abc", &ChatPayload{ModelName: "grok-3"})
	require.NoError(t, err)
	defer stream.Close()

	var lines []string
	for {
		line, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		lines = append(lines, string(line))
	}
	assert.Equal(t, []string{
		`{"result":{"response":{"token":"Hi"}}}`,
		`{"result":{"response":{"token":" there"}}}`,
	}, lines)
}

func TestClient_ChatStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"slow down"}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	_, err := client.Chat(context.Background(), "sso=abc", &ChatPayload{})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, `{"error":"slow down"}`, se.Body)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
}

func TestClient_CookieWithoutClearance(t *testing.T) {
	client := NewClient()
	assert.Equal(t, "sso=abc", client.Cookie("sso=abc"))
}

func TestClient_Upload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, uploadPath, r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "image/png", body["fileMimeType"])
		data, err := base64.StdEncoding.DecodeString(body["content"])
		assert.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, data)

		_, _ = io.WriteString(w, `{"fileMetadataId":"file-1","fileUri":"users/u/file-1/content"}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	a, err := client.Upload(context.Background(), "sso=abc", InputFile{Name: "a.png", MimeType: "image/png", Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, Attachment{FileID: "file-1", FileURI: "users/u/file-1/content"}, a)
}

func TestClient_UploadWithoutID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	_, err := client.Upload(context.Background(), "sso=abc", InputFile{Name: "a.png", MimeType: "image/png"})
	assert.Error(t, err)
}

func TestClient_Probe(t *testing.T) {
	tests := []struct {
		cassette string
		want     int
	}{
		{"grok_probe_ok", http.StatusOK},
		{"grok_probe_unauthorized", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.cassette, func(t *testing.T) {
			recorder := testutil.NewVCRRecorder(t, tt.cassette)
			client := NewClient(WithHTTPClient(testutil.VCRHTTPClient(recorder)))

			status, err := client.Probe(context.Background(), "sso=test")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestClient_ProbeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(WithBaseURL(url))
	_, err := client.Probe(context.Background(), "sso=abc")
	assert.Error(t, err)
}
