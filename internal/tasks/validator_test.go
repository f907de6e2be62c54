package tasks

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelcredit/backend/internal/models"
)

func TestValidatorLoadsEveryTaskType(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	for _, tt := range []models.TaskType{models.TaskTextToVideo, models.TaskImageToVideo, models.TaskAnimateMove, models.TaskAnimateMix} {
		assert.Contains(t, v.schemas, tt)
	}
}

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	valid := map[models.TaskType]string{
		models.TaskTextToVideo:  `{"prompt":"sunset over the sea","aspect_ratio":"portrait"}`,
		models.TaskImageToVideo: `{"prompt":"zoom in","image_urls":["https://a/b.png","http://c/d.jpg"],"quality":"hd"}`,
		models.TaskAnimateMix:   `{"image_url":"https://a/b.png","video_url":"https://a/c.mp4","check_image":false,"mode":"pro"}`,
	}
	for tt, params := range valid {
		assert.NoError(t, v.Validate(tt, json.RawMessage(params)), tt)
	}

	invalid := map[string]string{
		"blank prompt":     `{"prompt":"   "}`,
		"unknown field":    `{"prompt":"x","webhook":"https://evil"}`,
		"not an object":    `["prompt"]`,
		"malformed json":   `{"prompt":`,
		"long prompt type": `{"prompt":42}`,
	}
	for name, params := range invalid {
		assert.ErrorIs(t, v.Validate(models.TaskTextToVideo, json.RawMessage(params)), ErrInvalidTask, name)
	}
	assert.ErrorIs(t, v.Validate(models.TaskAnimateMove, nil), ErrInvalidTask, "animate requires urls")
}
