package replay

import (
	"time"

	"apein-client/internal/models"
)

// StepKind 回放步骤类型
type StepKind string

// 回放步骤类型常量
const (
	StepAnnounceTurn StepKind = "announce_turn"
	StepApeIn        StepKind = "ape_in"
	StepDraw         StepKind = "draw"
	StepRollStart    StepKind = "roll_start"
	StepRollResult   StepKind = "roll_result"
	StepTurnGain     StepKind = "turn_gain"
	StepBust         StepKind = "bust"
	StepStack        StepKind = "stack"
	StepForfeit      StepKind = "forfeit"
	StepHandoff      StepKind = "handoff"
)

// 每种步骤的最小展示时长（呈现契约，非正确性契约）。
// 节奏取自人工校准的播放曲线：公告2秒、翻牌2秒、掷骰1.8秒等。
var stepDurations = map[StepKind]time.Duration{
	StepAnnounceTurn: 2000 * time.Millisecond,
	StepApeIn:        4000 * time.Millisecond,
	StepDraw:         2000 * time.Millisecond,
	StepRollStart:    1800 * time.Millisecond,
	StepRollResult:   1200 * time.Millisecond,
	StepTurnGain:     1500 * time.Millisecond,
	StepBust:         1800 * time.Millisecond,
	StepStack:        2000 * time.Millisecond,
	StepForfeit:      1800 * time.Millisecond,
	StepHandoff:      1200 * time.Millisecond,
}

// Step 回放步骤：序列以数据形式声明，时长与状态效果均可检视
type Step struct {
	Kind        StepKind
	ActionIndex int           // 所属动作在批次中的序号（取消只发生在动作边界）
	Card        *models.Card  // draw/ape_in步骤展示的卡牌
	Roll        int           // roll_result步骤的骰子点数
	Gain        int           // turn_gain步骤计入回合分数的增量
	Bank        bool          // stack步骤：回合分数入账
	Penalty     string        // bust步骤携带的熊市惩罚（空表示普通bust）
	Message     string        // 权威服务下发的文案
	Duration    time.Duration // 最小展示时长
	EndsTurn    bool          // 此步骤之后回合结束，批次剩余动作全部丢弃
}

// BuildSteps 把权威服务下发的动作批次展开为回放步骤序列。
// stack、forfeit或失败的roll会终止序列：回合已经结束，剩余动作丢弃。
func BuildSteps(batch []models.Action) []Step {
	if len(batch) == 0 {
		return nil
	}

	steps := []Step{{Kind: StepAnnounceTurn, ActionIndex: 0, Duration: stepDurations[StepAnnounceTurn]}}

	for i, action := range batch {
		switch action.Type {
		case models.ActionApeIn:
			steps = append(steps, Step{
				Kind:        StepApeIn,
				ActionIndex: i,
				Card:        action.Card,
				Message:     action.Message,
				Duration:    stepDurations[StepApeIn],
			})

		case models.ActionDraw:
			steps = append(steps, Step{
				Kind:        StepDraw,
				ActionIndex: i,
				Card:        action.Card,
				Duration:    stepDurations[StepDraw],
			})

		case models.ActionRoll:
			steps = append(steps,
				Step{Kind: StepRollStart, ActionIndex: i, Duration: stepDurations[StepRollStart]},
				Step{Kind: StepRollResult, ActionIndex: i, Roll: action.Value, Duration: stepDurations[StepRollResult]},
			)
			if action.Success {
				steps = append(steps, Step{
					Kind:        StepTurnGain,
					ActionIndex: i,
					Gain:        gainFromRoll(batch, i),
					Message:     action.Message,
					Duration:    stepDurations[StepTurnGain],
				})
			} else {
				steps = append(steps,
					Step{
						Kind:        StepBust,
						ActionIndex: i,
						Penalty:     penaltyFromRoll(batch, i),
						Message:     action.Message,
						Duration:    stepDurations[StepBust],
						EndsTurn:    true,
					},
					Step{Kind: StepHandoff, ActionIndex: i, Duration: stepDurations[StepHandoff]},
				)
				return steps
			}

		case models.ActionStack:
			steps = append(steps,
				Step{Kind: StepStack, ActionIndex: i, Bank: true, Duration: stepDurations[StepStack], EndsTurn: true},
				Step{Kind: StepHandoff, ActionIndex: i, Duration: stepDurations[StepHandoff]},
			)
			return steps

		case models.ActionForfeit:
			steps = append(steps, Step{
				Kind:        StepForfeit,
				ActionIndex: i,
				Message:     action.Message,
				Duration:    stepDurations[StepForfeit],
				EndsTurn:    true,
			})
			return steps
		}
	}

	steps = append(steps, Step{Kind: StepHandoff, ActionIndex: len(batch) - 1, Duration: stepDurations[StepHandoff]})
	return steps
}

// gainFromRoll 从roll动作的turnScore字段推算本次增量。
// 展示增量严格等于每个成功动作的增量之和，回放结束时展示分数与权威分数按构造一致。
func gainFromRoll(batch []models.Action, index int) int {
	previous := 0
	for i := index - 1; i >= 0; i-- {
		if batch[i].Type == models.ActionRoll && batch[i].Success {
			previous = batch[i].TurnScore
			break
		}
	}
	gain := batch[index].TurnScore - previous
	if gain < 0 {
		gain = 0
	}
	return gain
}

// penaltyFromRoll 失败roll对应的熊市惩罚：向前找到这次结算的draw动作
func penaltyFromRoll(batch []models.Action, index int) string {
	for i := index - 1; i >= 0; i-- {
		if batch[i].Type == models.ActionDraw {
			if batch[i].Card != nil && batch[i].Card.IsBearish() {
				return batch[i].Card.Penalty
			}
			return ""
		}
	}
	return ""
}
