package agent

import "time"

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultMultiplier     = 2.0
)

// RetryPolicy 描述可重试错误的指数退避策略。Attempts 包含首次调用。
type RetryPolicy struct {
	Attempts       int           `json:"attempts" yaml:"attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`
}

// DefaultRetryPolicy 返回默认策略：最多三次，从 500ms 开始翻倍。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3}.normalize()
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

func (p RetryPolicy) next(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.Multiplier)
	if next > p.MaxBackoff {
		return p.MaxBackoff
	}
	return next
}
