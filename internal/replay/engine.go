package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"apein-client/internal/logger"
	"apein-client/internal/models"
)

// ErrReplayAborted 回放被并发事件（弃权、离开会话）取消。
// 这是预期信号，不代表故障；取消只发生在动作边界。
var ErrReplayAborted = errors.New("回放在动作边界被取消")

// Shadow 对手侧展示状态的只读影子。
// 回放引擎只维护这份影子，绝不触碰玩家侧的任何字段。
type Shadow struct {
	Card      *models.Card
	LastRoll  int
	TurnScore int
	Score     int  // 展示用对手入账分数（起始值 + 已入账增量）
	Rolling   bool // roll_start与roll_result之间的骰子动画状态
}

// Listener 呈现层回调：每个步骤在其展示时长开始时通知一次
type Listener interface {
	OnReplayStep(sessionID string, step Step, shadow Shadow)
}

// ListenerFunc 函数适配器
type ListenerFunc func(sessionID string, step Step, shadow Shadow)

func (f ListenerFunc) OnReplayStep(sessionID string, step Step, shadow Shadow) {
	f(sessionID, step, shadow)
}

// Result 一次回放的结算
type Result struct {
	Delta        int  // 展示入账增量之和
	Completed    bool // 批次是否播完（false表示被取消）
	ShortCircuit bool // 批次因stack/forfeit/失败roll提前终止
}

// Engine 回放引擎：把权威服务下发的对手动作批次按节奏播放为本地展示更新。
// 批次严格按序处理，不并行、不重排；结束后由完成回调触发权威对账刷新。
type Engine struct {
	clock      Clock
	speed      float64
	logger     *logger.Logger
	listener   Listener
	onComplete func(sessionID string)
}

// Option 引擎配置项
type Option func(*Engine)

// WithClock 注入时钟（测试用）
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithSpeed 设置节奏缩放因子（大于1加快播放）
func WithSpeed(speed float64) Option {
	return func(e *Engine) {
		if speed > 0 {
			e.speed = speed
		}
	}
}

// NewEngine 创建回放引擎
func NewEngine(log *logger.Logger, listener Listener, opts ...Option) *Engine {
	e := &Engine{
		clock:    NewRealClock(),
		speed:    1.0,
		logger:   log,
		listener: listener,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetCompletionCallback 设置回放结束回调（完成或取消都会触发，用于权威对账刷新）
func (e *Engine) SetCompletionCallback(callback func(sessionID string)) {
	e.onComplete = callback
}

// Play 播放一个动作批次。startScore是批次开始时的对手入账分数，
// finalScore是权威服务宣告的批次结束后分数，仅用于对账校验，绝不用于插值。
// 返回的Delta满足：startScore + Delta == 播放结束时的展示分数。
func (e *Engine) Play(ctx context.Context, sessionID string, batch []models.Action, startScore, finalScore int) (Result, error) {
	defer func() {
		if e.onComplete != nil {
			e.onComplete(sessionID)
		}
	}()

	steps := BuildSteps(batch)
	if len(steps) == 0 {
		return Result{Completed: true}, nil
	}

	e.logReplay(sessionID, fmt.Sprintf("开始回放 %d 个动作（%d 个步骤）", len(batch), len(steps)))

	shadow := Shadow{Score: startScore}
	result := Result{}
	aborted := false
	currentAction := -1

	for _, step := range steps {
		// 取消只发生在动作边界：同一动作的剩余步骤照常应用（不再等待），
		// 保证影子状态不会停在动作中间。
		if step.ActionIndex != currentAction {
			if aborted || ctx.Err() != nil {
				e.logReplay(sessionID, fmt.Sprintf("回放在动作 %d 边界取消", step.ActionIndex))
				return result, ErrReplayAborted
			}
			currentAction = step.ActionIndex
		}

		e.applyStep(step, &shadow, &result)

		if e.listener != nil {
			e.listener.OnReplayStep(sessionID, step, shadow)
		}

		if !aborted {
			if err := e.clock.Sleep(ctx, e.scaled(step.Duration)); err != nil {
				aborted = true
			}
		}

		if step.EndsTurn {
			result.ShortCircuit = true
		}
	}

	// 走到这里批次已全部应用：即使最后一个动作的等待被取消，
	// 展示增量也已是最终值，按播放完成处理
	result.Completed = true
	if startScore+result.Delta != finalScore {
		// 对账兜底：构造上不应出现，出现说明权威动作日志与最终分数不一致
		e.logReplay(sessionID, fmt.Sprintf("回放增量 %d 与权威分数不符（%d -> %d），等待刷新纠正", result.Delta, startScore, finalScore))
	}
	e.logReplay(sessionID, fmt.Sprintf("回放完成，展示增量 %+d", result.Delta))
	return result, nil
}

// applyStep 把步骤的状态效果应用到影子
func (e *Engine) applyStep(step Step, shadow *Shadow, result *Result) {
	switch step.Kind {
	case StepAnnounceTurn:
		shadow.TurnScore = 0
		shadow.Card = nil
		shadow.LastRoll = 0

	case StepApeIn:
		shadow.Card = step.Card

	case StepDraw:
		shadow.Card = step.Card
		shadow.LastRoll = 0

	case StepRollStart:
		shadow.Rolling = true

	case StepRollResult:
		shadow.Rolling = false
		shadow.LastRoll = step.Roll

	case StepTurnGain:
		shadow.TurnScore += step.Gain
		shadow.Card = nil

	case StepBust:
		shadow.TurnScore = 0
		shadow.Card = nil
		if step.Penalty != "" {
			before := shadow.Score
			shadow.Score = applyPenalty(shadow.Score, step.Penalty)
			result.Delta += shadow.Score - before
		}

	case StepStack:
		shadow.Score += shadow.TurnScore
		result.Delta += shadow.TurnScore
		shadow.TurnScore = 0
		shadow.Card = nil

	case StepForfeit, StepHandoff:
		shadow.Card = nil
		shadow.Rolling = false
	}
}

// applyPenalty 熊市惩罚作用于展示分数
func applyPenalty(score int, penalty string) int {
	switch penalty {
	case models.PenaltyReset:
		return 0
	case models.PenaltyHalf:
		return score / 2
	case models.PenaltyMinus10:
		if score < 10 {
			return 0
		}
		return score - 10
	}
	return score
}

func (e *Engine) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) / e.speed)
}

func (e *Engine) logReplay(sessionID, details string) {
	if e.logger != nil {
		e.logger.LogReplayAction(sessionID, details)
	}
}
