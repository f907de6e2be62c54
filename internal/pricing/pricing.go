package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/reelcredit/backend/internal/config"
	"github.com/reelcredit/backend/internal/models"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrInvalidQuality  = errors.New("invalid quality")
	ErrInvalidDuration = errors.New("duration must be positive and finite")
	ErrDurationTooLong = errors.New("duration exceeds maximum")
)

// DefaultMaxDurationSeconds applies when the config leaves the cap unset.
const DefaultMaxDurationSeconds = 600

const (
	QualityStandard = "standard"
	QualityHD       = "hd"
)

// Table prices generation tasks. Sora tasks cost a fixed amount by type and
// quality; DashScope animate tasks are billed per output second.
type Table struct {
	fixed     map[models.TaskType]map[string]int64
	perSecond decimal.Decimal
	perSecPro decimal.Decimal
	estimate  decimal.Decimal
	maxSecs   float64
}

// Quote is the price decided at task creation.
type Quote struct {
	// Amount is debited at creation. Zero for per-second tasks.
	Amount int64
	// PerSecond tasks are charged at completion by actual duration.
	PerSecond bool
	// Estimate is the per-second charge for the expected duration, used as an availability gate.
	Estimate int64
}

func New(cfg config.PricingConfig, estimateSeconds int) (*Table, error) {
	std, err := decimal.NewFromString(cfg.PerSecondStandard)
	if err != nil {
		return nil, fmt.Errorf("pricing.per_second_standard: %w", err)
	}
	pro, err := decimal.NewFromString(cfg.PerSecondPro)
	if err != nil {
		return nil, fmt.Errorf("pricing.per_second_pro: %w", err)
	}
	if !std.IsPositive() || !pro.IsPositive() {
		return nil, errors.New("per-second rates must be positive")
	}
	if estimateSeconds <= 0 {
		estimateSeconds = 1
	}
	maxSecs := cfg.MaxDurationSeconds
	if maxSecs <= 0 || math.IsNaN(maxSecs) || math.IsInf(maxSecs, 0) {
		maxSecs = DefaultMaxDurationSeconds
	}
	return &Table{
		fixed: map[models.TaskType]map[string]int64{
			models.TaskTextToVideo: {
				QualityStandard: cfg.TextToVideoStandard,
				QualityHD:       cfg.TextToVideoHD,
			},
			models.TaskImageToVideo: {
				QualityStandard: cfg.ImageToVideoStandard,
				QualityHD:       cfg.ImageToVideoHD,
			},
		},
		perSecond: std,
		perSecPro: pro,
		estimate:  decimal.NewFromInt(int64(estimateSeconds)),
		maxSecs:   maxSecs,
	}, nil
}

// Fixed returns the flat Sora price. Empty quality means standard.
func (t *Table) Fixed(taskType models.TaskType, quality string) (int64, error) {
	byQuality, ok := t.fixed[taskType]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	if quality == "" {
		quality = QualityStandard
	}
	price, ok := byQuality[quality]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuality, quality)
	}
	return price, nil
}

// ForDuration returns ceil(seconds × rate). Any positive duration costs at
// least one credit. Durations that are not finite, not positive or above the
// configured maximum are rejected.
func (t *Table) ForDuration(seconds float64, pro bool) (int64, error) {
	if err := t.checkDuration(seconds); err != nil {
		return 0, err
	}
	return t.charge(decimal.NewFromFloat(seconds), pro)
}

// MaxDurationSeconds is the longest output ForDuration will price.
func (t *Table) MaxDurationSeconds() float64 { return t.maxSecs }

func (t *Table) checkDuration(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return ErrInvalidDuration
	}
	if seconds > t.maxSecs {
		return fmt.Errorf("%w: %v > %v seconds", ErrDurationTooLong, seconds, t.maxSecs)
	}
	return nil
}

func (t *Table) charge(seconds decimal.Decimal, pro bool) (int64, error) {
	rate := t.perSecond
	if pro {
		rate = t.perSecPro
	}
	amount := seconds.Mul(rate).Ceil()
	if !amount.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: charge for %s seconds overflows", ErrDurationTooLong, seconds)
	}
	return amount.IntPart(), nil
}

// Quote prices a task from its validated parameters.
func (t *Table) Quote(taskType models.TaskType, params json.RawMessage) (Quote, error) {
	var p struct {
		Quality         string   `json:"quality"`
		IsPro           bool     `json:"is_pro"`
		Mode            string   `json:"mode"`
		EstimateSeconds *float64 `json:"estimated_duration_seconds"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Quote{}, fmt.Errorf("parse parameters: %w", err)
		}
	}
	if taskType.PerSecond() {
		est := t.estimate
		if p.EstimateSeconds != nil {
			if err := t.checkDuration(*p.EstimateSeconds); err != nil {
				return Quote{}, fmt.Errorf("estimated_duration_seconds: %w", err)
			}
			est = decimal.NewFromFloat(*p.EstimateSeconds)
		}
		estimate, err := t.charge(est, p.IsPro || IsProMode(p.Mode))
		if err != nil {
			return Quote{}, err
		}
		return Quote{PerSecond: true, Estimate: estimate}, nil
	}
	amount, err := t.Fixed(taskType, p.Quality)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Amount: amount}, nil
}

// IsProMode reports whether an animate mode selects the pro model.
func IsProMode(mode string) bool {
	return mode == "wan-pro" || mode == "pro"
}

// PriceList is the public price sheet.
type PriceList struct {
	Fixed     map[models.TaskType]map[string]int64 `json:"fixed"`
	PerSecond map[string]string                    `json:"per_second"`
}

func (t *Table) PriceList() PriceList {
	fixed := make(map[models.TaskType]map[string]int64, len(t.fixed))
	for tt, byQuality := range t.fixed {
		fixed[tt] = make(map[string]int64, len(byQuality))
		for q, p := range byQuality {
			fixed[tt][q] = p
		}
	}
	return PriceList{
		Fixed: fixed,
		PerSecond: map[string]string{
			"standard": t.perSecond.String(),
			"pro":      t.perSecPro.String(),
		},
	}
}
