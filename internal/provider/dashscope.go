package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/reelcredit/backend/internal/config"
	"github.com/reelcredit/backend/internal/models"
)

const (
	dashScopeModelMove = "wan2.2-animate-move"
	dashScopeModelMix  = "wan2.2-animate-mix"

	dashScopeSynthesisPath = "/services/aigc/image2video/video-synthesis/"
)

// DashScopeClient serves the ANIMATE_* task types through DashScope's
// asynchronous video synthesis API.
type DashScopeClient struct {
	base
}

func NewDashScopeClient(cfg config.ProviderConfig, logger *slog.Logger) *DashScopeClient {
	return &DashScopeClient{base: newBase(models.ProviderDashScope, cfg, logger)}
}

type animateParams struct {
	ImageURL   string `json:"image_url"`
	VideoURL   string `json:"video_url"`
	CheckImage *bool  `json:"check_image"`
	Mode       string `json:"mode"`
}

type dashScopeRequest struct {
	Model string `json:"model"`
	Input struct {
		ImageURL string `json:"image_url"`
		VideoURL string `json:"video_url"`
	} `json:"input"`
	Parameters struct {
		CheckImage bool   `json:"check_image"`
		Mode       string `json:"mode"`
	} `json:"parameters"`
}

type dashScopeResponse struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		VideoURL   string `json:"video_url"`
		Results    struct {
			VideoURL string `json:"video_url"`
		} `json:"results"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"output"`
	Usage struct {
		VideoDuration float64 `json:"video_duration"`
	} `json:"usage"`
}

// normalizeMode maps the public mode names onto DashScope's.
func normalizeMode(mode string) string {
	switch mode {
	case "pro", "wan-pro":
		return "wan-pro"
	default:
		return "wan-std"
	}
}

func (c *DashScopeClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var body dashScopeRequest
	switch req.Type {
	case models.TaskAnimateMove:
		body.Model = dashScopeModelMove
	case models.TaskAnimateMix:
		body.Model = dashScopeModelMix
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, req.Type)
	}
	var params animateParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return "", fmt.Errorf("%w: decode parameters: %v", ErrRejected, err)
	}
	body.Input.ImageURL = params.ImageURL
	body.Input.VideoURL = params.VideoURL
	body.Parameters.CheckImage = params.CheckImage == nil || *params.CheckImage
	body.Parameters.Mode = normalizeMode(params.Mode)

	r, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var out dashScopeResponse
	resp, err := r.SetHeader("X-DashScope-Async", "enable").
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(dashScopeSynthesisPath)
	if err != nil {
		return "", c.transportError("submit", err)
	}
	if err := c.checkStatus("submit", resp); err != nil {
		return "", err
	}
	if out.Output.TaskID == "" {
		return "", fmt.Errorf("%w: dashscope returned no task_id (code %q: %s)", ErrMalformed, out.Code, out.Message)
	}
	c.logger.Info("dashscope job submitted", "task_id", req.TaskID, "external_job_id", out.Output.TaskID, "model", body.Model)
	return out.Output.TaskID, nil
}

func (c *DashScopeClient) Query(ctx context.Context, externalJobID string) (Result, error) {
	r, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out dashScopeResponse
	resp, err := r.SetResult(&out).Get("/tasks/" + url.PathEscape(externalJobID))
	if err != nil {
		return nil, c.transportError("query", err)
	}
	if err := c.checkStatus("query", resp); err != nil {
		return nil, err
	}
	return out.result(), nil
}

func (r dashScopeResponse) result() Result {
	switch r.Output.TaskStatus {
	case "SUCCEEDED":
		u := r.Output.Results.VideoURL
		if u == "" {
			u = r.Output.VideoURL
		}
		s := Success{}
		if u != "" {
			s.URLs = []string{u}
		}
		if r.Usage.VideoDuration > 0 {
			d := r.Usage.VideoDuration
			s.DurationSeconds = &d
		}
		return s
	case "FAILED", "CANCELED", "UNKNOWN":
		code := r.Output.Code
		if code == "" {
			code = r.Output.TaskStatus
		}
		return Failure{Code: code, Message: r.Output.Message}
	default:
		return Pending{}
	}
}

// DecodeDashScopeCallback decodes a DashScope task notification, which has the
// same shape as the task query response.
func DecodeDashScopeCallback(body []byte) (Notification, error) {
	var out dashScopeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out.Output.TaskID == "" {
		return Notification{}, fmt.Errorf("%w: missing output.task_id", ErrMalformed)
	}
	if out.Output.TaskStatus == "" {
		return Notification{}, fmt.Errorf("%w: missing output.task_status", ErrMalformed)
	}
	return Notification{
		Provider:      models.ProviderDashScope,
		ExternalJobID: out.Output.TaskID,
		Result:        out.result(),
		Raw:           json.RawMessage(body),
		Source:        SourceWebhook,
	}, nil
}
