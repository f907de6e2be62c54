package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelcredit/backend/internal/config"
	"github.com/reelcredit/backend/internal/models"
)

func jsonReply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func providerConfig(url string) config.ProviderConfig {
	return config.ProviderConfig{BaseURL: url, APIKey: "secret-key", Timeout: 2 * time.Second}
}

// ---------------------------------------------------------------------------
// Sora
// ---------------------------------------------------------------------------

func TestSoraSubmit(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs/createTask", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		jsonReply(w, http.StatusOK, `{"code":200,"msg":"success","data":{"taskId":"sora-123"}}`)
	}))
	defer srv.Close()

	c := NewSoraClient(providerConfig(srv.URL), nil)
	id, err := c.Submit(context.Background(), SubmitRequest{
		TaskID:      uuid.New(),
		Type:        models.TaskImageToVideo,
		Parameters:  json.RawMessage(`{"prompt":"waves","image_urls":["https://a/b.png"]}`),
		CallbackURL: "https://api.example/webhooks/sora?token=t",
	})
	require.NoError(t, err)
	assert.Equal(t, "sora-123", id)
	assert.Equal(t, soraModelImageToVideo, got["model"])
	assert.Equal(t, "https://api.example/webhooks/sora?token=t", got["callBackUrl"])
	input := got["input"].(map[string]any)
	assert.Equal(t, "landscape", input["aspect_ratio"])
	assert.Equal(t, "standard", input["quality"])
	assert.Equal(t, []any{"https://a/b.png"}, input["image_urls"])
}

func TestSoraSubmit_ErrorClasses(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{"http 400", http.StatusBadRequest, `{"code":400,"msg":"bad prompt"}`, true},
		{"envelope 422", http.StatusOK, `{"code":422,"msg":"content policy"}`, true},
		{"rate limited", http.StatusTooManyRequests, `{"code":429,"msg":"slow down"}`, false},
		{"server error", http.StatusBadGateway, `{}`, false},
		{"envelope 500", http.StatusOK, `{"code":500,"msg":"internal"}`, false},
		{"missing task id", http.StatusOK, `{"code":200,"data":{}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				jsonReply(w, tc.status, tc.body)
			}))
			defer srv.Close()

			c := NewSoraClient(providerConfig(srv.URL), nil)
			_, err := c.Submit(context.Background(), SubmitRequest{
				Type:       models.TaskTextToVideo,
				Parameters: json.RawMessage(`{"prompt":"x"}`),
			})
			require.Error(t, err)
			assert.Equal(t, tc.rejected, isRejected(err))
		})
	}
}

func TestSoraSubmit_UnsupportedType(t *testing.T) {
	c := NewSoraClient(providerConfig("http://unused"), nil)
	_, err := c.Submit(context.Background(), SubmitRequest{Type: models.TaskAnimateMove, Parameters: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSoraQuery(t *testing.T) {
	replies := map[string]string{
		"done":    `{"code":200,"data":{"taskId":"done","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/v.mp4\"]}"}}`,
		"broken":  `{"code":200,"data":{"taskId":"broken","state":"fail","failCode":"501","failMsg":"render error"}}`,
		"working": `{"code":200,"data":{"taskId":"working","state":"generating"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/recordInfo", r.URL.Path)
		jsonReply(w, http.StatusOK, replies[r.URL.Query().Get("taskId")])
	}))
	defer srv.Close()
	c := NewSoraClient(providerConfig(srv.URL), nil)

	res, err := c.Query(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, Success{URLs: []string{"https://cdn/v.mp4"}}, res)

	res, err = c.Query(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, Failure{Code: "501", Message: "render error"}, res)

	res, err = c.Query(context.Background(), "working")
	require.NoError(t, err)
	assert.Equal(t, "waiting", res.State())
}

func TestDecodeSoraCallback(t *testing.T) {
	n, err := DecodeSoraCallback([]byte(`{"code":200,"msg":"ok","data":{"taskId":"j1","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/1.mp4\"]}"}}`))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSora, n.Provider)
	assert.Equal(t, "j1", n.ExternalJobID)
	assert.Equal(t, Success{URLs: []string{"https://cdn/1.mp4"}}, n.Result)
	assert.Len(t, n.Hash(), 64)

	n, err = DecodeSoraCallback([]byte(`{"code":501,"msg":"generation failed","data":{"taskId":"j2"}}`))
	require.NoError(t, err)
	assert.Equal(t, Failure{Code: "501", Message: "generation failed"}, n.Result)

	_, err = DecodeSoraCallback([]byte(`{"code":200,"data":{"state":"success"}}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeSoraCallback([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

// ---------------------------------------------------------------------------
// DashScope
// ---------------------------------------------------------------------------

func TestDashScopeSubmit(t *testing.T) {
	var got dashScopeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, dashScopeSynthesisPath, r.URL.Path)
		assert.Equal(t, "enable", r.Header.Get("X-DashScope-Async"))
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		jsonReply(w, http.StatusOK, `{"request_id":"r","output":{"task_id":"ds-9","task_status":"PENDING"}}`)
	}))
	defer srv.Close()

	c := NewDashScopeClient(providerConfig(srv.URL), nil)
	id, err := c.Submit(context.Background(), SubmitRequest{
		Type:       models.TaskAnimateMix,
		Parameters: json.RawMessage(`{"image_url":"https://a/i.png","video_url":"https://a/v.mp4","mode":"pro"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "ds-9", id)
	assert.Equal(t, dashScopeModelMix, got.Model)
	assert.Equal(t, "https://a/i.png", got.Input.ImageURL)
	assert.True(t, got.Parameters.CheckImage)
	assert.Equal(t, "wan-pro", got.Parameters.Mode)
}

func TestDashScopeSubmit_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusBadRequest, `{"code":"InvalidParameter","message":"bad image"}`)
	}))
	defer srv.Close()

	c := NewDashScopeClient(providerConfig(srv.URL), nil)
	_, err := c.Submit(context.Background(), SubmitRequest{
		Type:       models.TaskAnimateMove,
		Parameters: json.RawMessage(`{"image_url":"https://a/i.png","video_url":"https://a/v.mp4","check_image":false}`),
	})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestDashScopeQuery(t *testing.T) {
	replies := map[string]string{
		"ok":   `{"output":{"task_id":"ok","task_status":"SUCCEEDED","results":{"video_url":"https://oss/out.mp4"}},"usage":{"video_duration":5.2}}`,
		"bad":  `{"output":{"task_id":"bad","task_status":"FAILED","code":"DataInspectionFailed","message":"image rejected"}}`,
		"busy": `{"output":{"task_id":"busy","task_status":"RUNNING"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusOK, replies[r.URL.Path[len("/tasks/"):]])
	}))
	defer srv.Close()
	c := NewDashScopeClient(providerConfig(srv.URL), nil)

	res, err := c.Query(context.Background(), "ok")
	require.NoError(t, err)
	s, ok := res.(Success)
	require.True(t, ok)
	assert.Equal(t, []string{"https://oss/out.mp4"}, s.URLs)
	require.NotNil(t, s.DurationSeconds)
	assert.InDelta(t, 5.2, *s.DurationSeconds, 1e-9)

	res, err = c.Query(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, Failure{Code: "DataInspectionFailed", Message: "image rejected"}, res)

	res, err = c.Query(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, Pending{}, res)
}

func TestDecodeCallback(t *testing.T) {
	n, err := DecodeCallback(models.ProviderDashScope, []byte(`{"output":{"task_id":"d1","task_status":"SUCCEEDED","video_url":"https://oss/x.mp4"}}`))
	require.NoError(t, err)
	assert.Equal(t, "d1", n.ExternalJobID)
	assert.Equal(t, Success{URLs: []string{"https://oss/x.mp4"}}, n.Result)

	_, err = DecodeCallback(models.ProviderDashScope, []byte(`{"output":{"task_status":"FAILED"}}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeCallback("replicate", []byte(`{}`))
	assert.Error(t, err)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	cfg := providerConfig("http://unused")
	cfg.QPS = 0.001
	c := NewSoraClient(cfg, nil)
	// The single burst token is consumed by the first wait.
	_, err := c.request(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.request(ctx)
	assert.Error(t, err)
}

func isRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
