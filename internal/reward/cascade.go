// Package reward aggregates turn success into epoch and global rewards.
package reward

import (
	"fmt"
	"math"
	"time"

	"organon/internal/logging"
)

// Config configures the cascade.
type Config struct {
	SuccessThreshold float64 `yaml:"success_threshold" json:"success_threshold"`
	BatchSize        int     `yaml:"batch_size" json:"batch_size"`
	SuccessWeight    float64 `yaml:"success_weight" json:"success_weight"`
	ConfidenceWeight float64 `yaml:"confidence_weight" json:"confidence_weight"`
	Alpha            float64 `yaml:"alpha" json:"alpha"`
	InitialGlobal    float64 `yaml:"initial_global" json:"initial_global"`
	TaskLogLimit     int     `yaml:"task_log_limit" json:"task_log_limit"`
	EpochLimit       int     `yaml:"epoch_limit" json:"epoch_limit"`
}

// DefaultConfig returns the default cascade configuration.
func DefaultConfig() Config {
	return Config{
		SuccessThreshold: 0.6,
		BatchSize:        5,
		SuccessWeight:    0.6,
		ConfidenceWeight: 0.4,
		Alpha:            0.1,
		InitialGlobal:    0.5,
		TaskLogLimit:     1000,
		EpochLimit:       1000,
	}
}

// Task is one logged turn.
type Task struct {
	ID           string    `json:"id"`
	At           time.Time `json:"at"`
	Satisfaction float64   `json:"satisfaction"`
	Confidence   float64   `json:"confidence"`
	Success      bool      `json:"success"`
}

// Epoch summarizes one batch.
type Epoch struct {
	Index          int       `json:"index"`
	At             time.Time `json:"at"`
	Tasks          int       `json:"tasks"`
	SuccessRate    float64   `json:"success_rate"`
	MeanConfidence float64   `json:"mean_confidence"`
	Reward         float64   `json:"reward"`
	GlobalBefore   float64   `json:"global_before"`
	GlobalAfter    float64   `json:"global_after"`
}

// State is the persisted cascade.
type State struct {
	Global     float64 `json:"global"`
	EpochCount int     `json:"epoch_count"`
	Tasks      []Task  `json:"tasks"`
	Batch      []Task  `json:"batch"`
	Epochs     []Epoch `json:"epochs"`
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	return &State{
		Global:     s.Global,
		EpochCount: s.EpochCount,
		Tasks:      append([]Task(nil), s.Tasks...),
		Batch:      append([]Task(nil), s.Batch...),
		Epochs:     append([]Epoch(nil), s.Epochs...),
	}
}

// Validate rejects out-of-range rewards.
func (s *State) Validate() error {
	if !unit(s.Global) {
		return fmt.Errorf("global reward %v out of range", s.Global)
	}
	if s.EpochCount < len(s.Epochs) {
		return fmt.Errorf("epoch count %d below %d stored epochs", s.EpochCount, len(s.Epochs))
	}
	for i, e := range s.Epochs {
		if !unit(e.Reward) || !unit(e.GlobalAfter) || !unit(e.SuccessRate) || !unit(e.MeanConfidence) {
			return fmt.Errorf("epoch %d has out-of-range values", i)
		}
	}
	for _, list := range [][]Task{s.Tasks, s.Batch} {
		for i, t := range list {
			if !unit(t.Satisfaction) || !unit(t.Confidence) {
				return fmt.Errorf("task %d has out-of-range values", i)
			}
		}
	}
	return nil
}

// Cascade applies Config to a State.
type Cascade struct {
	cfg Config
}

// NewCascade creates a cascade.
func NewCascade(cfg Config) *Cascade {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Cascade{cfg: cfg}
}

// Config returns the cascade configuration.
func (c *Cascade) Config() Config { return c.cfg }

// NewState returns a state at the initial global reward.
func (c *Cascade) NewState() *State {
	return &State{Global: clamp01(c.cfg.InitialGlobal)}
}

// Log records a task. At a batch boundary it closes the epoch and returns it.
func (c *Cascade) Log(s *State, id string, satisfaction, confidence float64) (*Epoch, bool) {
	t := Task{
		ID:           id,
		At:           time.Now().UTC(),
		Satisfaction: clamp01(satisfaction),
		Confidence:   clamp01(confidence),
	}
	t.Success = t.Satisfaction >= c.cfg.SuccessThreshold

	s.Tasks = append(s.Tasks, t)
	if limit := c.cfg.TaskLogLimit; limit > 0 && len(s.Tasks) > limit {
		s.Tasks = append(s.Tasks[:0:0], s.Tasks[len(s.Tasks)-limit:]...)
	}
	s.Batch = append(s.Batch, t)
	if len(s.Batch) < c.cfg.BatchSize {
		return nil, false
	}

	e := c.closeEpoch(s)
	return &e, true
}

func (c *Cascade) closeEpoch(s *State) Epoch {
	var success, conf float64
	for _, t := range s.Batch {
		if t.Success {
			success++
		}
		conf += t.Confidence
	}
	n := float64(len(s.Batch))
	e := Epoch{
		Index:          s.EpochCount,
		At:             time.Now().UTC(),
		Tasks:          len(s.Batch),
		SuccessRate:    success / n,
		MeanConfidence: conf / n,
		GlobalBefore:   s.Global,
	}
	e.Reward = clamp01(c.cfg.SuccessWeight*e.SuccessRate + c.cfg.ConfidenceWeight*e.MeanConfidence)
	e.GlobalAfter = clamp01((1-c.cfg.Alpha)*s.Global + c.cfg.Alpha*e.Reward)

	s.Global = e.GlobalAfter
	s.EpochCount++
	s.Batch = nil
	s.Epochs = append(s.Epochs, e)
	if limit := c.cfg.EpochLimit; limit > 0 && len(s.Epochs) > limit {
		s.Epochs = append(s.Epochs[:0:0], s.Epochs[len(s.Epochs)-limit:]...)
	}

	logging.Reward("epoch %d: success %.2f, confidence %.3f, reward %.4f, global %.4f -> %.4f",
		e.Index, e.SuccessRate, e.MeanConfidence, e.Reward, e.GlobalBefore, e.GlobalAfter)
	return e
}

// Trend returns the last n epochs (all when n <= 0) and the least-squares
// slope of their rewards per epoch.
func Trend(s *State, n int) ([]Epoch, float64) {
	eps := s.Epochs
	if n > 0 && len(eps) > n {
		eps = eps[len(eps)-n:]
	}
	out := append([]Epoch(nil), eps...)
	if len(out) < 2 {
		return out, 0
	}
	k := float64(len(out))
	xm := (k - 1) / 2
	var ym float64
	for _, e := range out {
		ym += e.Reward
	}
	ym /= k
	var num, den float64
	for i, e := range out {
		dx := float64(i) - xm
		num += dx * (e.Reward - ym)
		den += dx * dx
	}
	return out, num / den
}

func unit(x float64) bool { return !math.IsNaN(x) && x >= 0 && x <= 1 }

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}
