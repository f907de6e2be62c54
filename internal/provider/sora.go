package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/reelcredit/backend/internal/config"
	"github.com/reelcredit/backend/internal/models"
)

const (
	soraModelTextToVideo  = "sora-2-text-to-video"
	soraModelImageToVideo = "sora-2-image-to-video"
)

// SoraClient serves TEXT_TO_VIDEO and IMAGE_TO_VIDEO through the Sora job API.
type SoraClient struct {
	base
}

func NewSoraClient(cfg config.ProviderConfig, logger *slog.Logger) *SoraClient {
	return &SoraClient{base: newBase(models.ProviderSora, cfg, logger)}
}

type soraParams struct {
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Quality     string   `json:"quality,omitempty"`
	ImageURLs   []string `json:"image_urls,omitempty"`
}

type soraCreateRequest struct {
	Model       string     `json:"model"`
	Input       soraParams `json:"input"`
	CallbackURL string     `json:"callBackUrl,omitempty"`
}

// soraEnvelope is the wrapper around every Sora response and callback.
type soraEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type soraTaskData struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

type soraResultJSON struct {
	ResultURLs []string `json:"resultUrls"`
}

func (c *SoraClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var model string
	switch req.Type {
	case models.TaskTextToVideo:
		model = soraModelTextToVideo
	case models.TaskImageToVideo:
		model = soraModelImageToVideo
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, req.Type)
	}
	var params soraParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return "", fmt.Errorf("%w: decode parameters: %v", ErrRejected, err)
	}
	if params.AspectRatio == "" {
		params.AspectRatio = "landscape"
	}
	if params.Quality == "" {
		params.Quality = "standard"
	}

	r, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var env soraEnvelope
	resp, err := r.SetBody(soraCreateRequest{Model: model, Input: params, CallbackURL: req.CallbackURL}).
		SetResult(&env).
		Post("/jobs/createTask")
	if err != nil {
		return "", c.transportError("submit", err)
	}
	if err := c.checkStatus("submit", resp); err != nil {
		return "", err
	}
	if err := soraCodeError(env); err != nil {
		return "", err
	}
	var data soraTaskData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
		return "", fmt.Errorf("%w: sora createTask returned no taskId", ErrMalformed)
	}
	c.logger.Info("sora job submitted", "task_id", req.TaskID, "external_job_id", data.TaskID, "model", model)
	return data.TaskID, nil
}

func (c *SoraClient) Query(ctx context.Context, externalJobID string) (Result, error) {
	r, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var env soraEnvelope
	resp, err := r.SetQueryParam("taskId", externalJobID).SetResult(&env).Get("/jobs/recordInfo")
	if err != nil {
		return nil, c.transportError("query", err)
	}
	if err := c.checkStatus("query", resp); err != nil {
		return nil, err
	}
	if err := soraCodeError(env); err != nil {
		return nil, err
	}
	var data soraTaskData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: sora recordInfo data: %v", ErrMalformed, err)
	}
	return data.result()
}

// soraCodeError maps the envelope code, which Sora sets independently of the
// HTTP status.
func soraCodeError(env soraEnvelope) error {
	switch {
	case env.Code == 200 || env.Code == 0:
		return nil
	case env.Code >= 400 && env.Code < 500 && env.Code != 429:
		return fmt.Errorf("%w: sora code %d: %s", ErrRejected, env.Code, env.Msg)
	default:
		return fmt.Errorf("sora code %d: %s", env.Code, env.Msg)
	}
}

func (d soraTaskData) result() (Result, error) {
	switch d.State {
	case "success":
		var out soraResultJSON
		if d.ResultJSON != "" {
			if err := json.Unmarshal([]byte(d.ResultJSON), &out); err != nil {
				return nil, fmt.Errorf("%w: sora resultJson: %v", ErrMalformed, err)
			}
		}
		return Success{URLs: out.ResultURLs}, nil
	case "fail":
		code := d.FailCode
		if code == "" {
			code = "provider_failed"
		}
		return Failure{Code: code, Message: d.FailMsg}, nil
	default:
		return Pending{}, nil
	}
}

// DecodeSoraCallback decodes a Sora webhook body. A non-200 envelope code is a
// failure of the job named in data.taskId.
func DecodeSoraCallback(body []byte) (Notification, error) {
	var env soraEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var data soraTaskData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Notification{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
	}
	if data.TaskID == "" {
		return Notification{}, fmt.Errorf("%w: missing data.taskId", ErrMalformed)
	}
	n := Notification{
		Provider:      models.ProviderSora,
		ExternalJobID: data.TaskID,
		Raw:           json.RawMessage(body),
		Source:        SourceWebhook,
	}
	if env.Code != 200 {
		msg := env.Msg
		if msg == "" {
			msg = data.FailMsg
		}
		n.Result = Failure{Code: strconv.Itoa(env.Code), Message: msg}
		return n, nil
	}
	res, err := data.result()
	if err != nil {
		return Notification{}, err
	}
	if _, ok := res.(Pending); ok && data.State == "" {
		return Notification{}, errors.Join(ErrMalformed, errors.New("callback without state"))
	}
	n.Result = res
	return n, nil
}
