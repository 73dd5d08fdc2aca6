package session

import (
	"fmt"
	"sync"

	"apein-client/internal/logger"
	"apein-client/internal/models"
)

// PreconditionError 非法状态迁移：调用方错误，不产生任何状态变更，不重试
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("非法状态迁移 %s: %s", e.Op, e.Reason)
}

func precondition(op, format string, v ...interface{}) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf(format, v...)}
}

// Machine 回合状态机：客户端可见会话状态的唯一所有者。
// 所有变更必须经过迁移方法；迁移方法在任何变更前完成全部合法性检查。
type Machine struct {
	mu     sync.Mutex
	state  models.Session
	logger *logger.Logger
}

// NewMachine 基于权威服务返回的会话快照创建状态机
func NewMachine(snapshot *models.Session, log *logger.Logger) *Machine {
	m := &Machine{logger: log}
	if snapshot != nil {
		m.state = *snapshot
		if snapshot.CurrentCard != nil {
			card := *snapshot.CurrentCard
			m.state.CurrentCard = &card
		}
	}
	return m
}

// Snapshot 返回当前会话状态的副本
func (m *Machine) Snapshot() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.state
	if m.state.CurrentCard != nil {
		card := *m.state.CurrentCard
		snap.CurrentCard = &card
	}
	return snap
}

// Open waiting→playing迁移（对手就位后会话开始）
func (m *Machine) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status != models.StatusWaiting {
		return precondition("Open", "当前状态为 %s，只有waiting状态可以开始", m.state.Status)
	}

	m.state.Status = models.StatusPlaying
	m.logSession("open", "会话开始")
	return nil
}

// StartTurn 开始指定一方的回合：清空待决卡牌与点数显示，不触碰已入账分数
func (m *Machine) StartTurn(actor models.TurnOwner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status != models.StatusPlaying {
		return precondition("StartTurn", "会话状态为 %s，无法开始回合", m.state.Status)
	}

	m.state.IsPlayerTurn = actor == models.TurnPlayer
	m.state.CurrentCard = nil
	m.state.LastRoll = nil
	m.logSession("start_turn", fmt.Sprintf("回合归属: %s", actor))
	return nil
}

// CheckAction 动作发起前的本地合法性预检：只跑对应迁移的前置检查，
// 不产生任何状态变更。非法动作在这里被拒绝，不会浪费网络往返。
func (m *Machine) CheckAction(actor models.TurnOwner, action models.ActionType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if action == models.ActionForfeit {
		if m.state.Status == models.StatusFinished {
			return precondition("ApplyForfeit", "会话已结束")
		}
		return nil
	}

	op := string(action)
	if m.state.Status != models.StatusPlaying {
		return precondition(op, "会话状态为 %s", m.state.Status)
	}
	if m.state.Turn() != actor {
		return precondition(op, "当前回合归属 %s，%s 不能行动", m.state.Turn(), actor)
	}

	switch action {
	case models.ActionDraw:
		if m.state.CurrentCard != nil {
			return precondition("ApplyDraw", "已有待决卡牌 %s，必须先掷骰", m.state.CurrentCard.Name)
		}
	case models.ActionRoll:
		if m.state.CurrentCard == nil {
			return precondition("ApplyRoll", "没有待决卡牌，必须先抽牌")
		}
	case models.ActionStack:
		if m.turnScoreLocked(actor) <= 0 {
			return precondition("ApplyStack", "回合分数为0，没有可入账的分数")
		}
	default:
		return precondition(op, "未知动作类型")
	}
	return nil
}

// ApplyDraw 抽牌。仅在轮到actor且没有待决普通卡牌时合法。
// 抽到"Ape In!"激活卡本身不占用卡槽：设置翻倍标记后actor可立即再抽。
func (m *Machine) ApplyDraw(actor models.TurnOwner, card *models.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status != models.StatusPlaying {
		return precondition("ApplyDraw", "会话状态为 %s", m.state.Status)
	}
	if m.state.Turn() != actor {
		return precondition("ApplyDraw", "当前回合归属 %s，%s 不能抽牌", m.state.Turn(), actor)
	}
	if m.state.CurrentCard != nil {
		return precondition("ApplyDraw", "已有待决卡牌 %s，必须先掷骰", m.state.CurrentCard.Name)
	}
	if card == nil {
		return precondition("ApplyDraw", "卡牌不能为空")
	}

	if card.IsApeIn() {
		m.state.ApeInActive = true
		m.logSession("draw", "抽到Ape In!激活卡，下一张卡牌分值翻倍")
		return nil
	}

	drawn := *card
	m.state.CurrentCard = &drawn
	m.logSession("draw", fmt.Sprintf("抽到卡牌 %s (%s, %d分)", card.Name, card.Type, card.Value))
	return nil
}

// ApplyRoll 掷骰结算。仅在actor持有待决卡牌时合法。
// 成功：卡牌分值（如有翻倍标记则翻倍一次）计入回合分数，卡槽清空，回合继续。
// 失败（掷出1，或熊市卡掷出奇数）：回合分数清零，熊市惩罚作用于已入账分数，回合转移。
// 返回本次计入回合分数的增量（失败为0）。
func (m *Machine) ApplyRoll(actor models.TurnOwner, rollValue int, success bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status != models.StatusPlaying {
		return 0, precondition("ApplyRoll", "会话状态为 %s", m.state.Status)
	}
	if m.state.Turn() != actor {
		return 0, precondition("ApplyRoll", "当前回合归属 %s，%s 不能掷骰", m.state.Turn(), actor)
	}
	if m.state.CurrentCard == nil {
		return 0, precondition("ApplyRoll", "没有待决卡牌，必须先抽牌")
	}
	if rollValue < 1 || rollValue > 6 {
		return 0, precondition("ApplyRoll", "非法骰子点数 %d", rollValue)
	}

	card := *m.state.CurrentCard
	roll := rollValue
	m.state.LastRoll = &roll
	m.state.CurrentCard = nil

	// 任何掷骰结算都会消耗翻倍标记
	doubled := m.state.ApeInActive
	m.state.ApeInActive = false

	if !success {
		if card.IsBearish() {
			m.applyBearishPenaltyLocked(actor, card.Penalty)
		}
		m.setTurnScoreLocked(actor, 0)
		m.endTurnLocked(actor)
		m.logSession("roll", fmt.Sprintf("%s 掷出 %d，回合分数清零", actor, rollValue))
		return 0, nil
	}

	gained := card.Value
	if doubled && !card.IsBearish() {
		gained *= 2
	}
	m.setTurnScoreLocked(actor, m.turnScoreLocked(actor)+gained)
	m.logSession("roll", fmt.Sprintf("%s 掷出 %d，回合分数 +%d", actor, rollValue, gained))
	return gained, nil
}

// ApplyStack 堆存：回合分数入账，结束回合。仅在回合分数大于0时合法。
func (m *Machine) ApplyStack(actor models.TurnOwner) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status != models.StatusPlaying {
		return 0, precondition("ApplyStack", "会话状态为 %s", m.state.Status)
	}
	if m.state.Turn() != actor {
		return 0, precondition("ApplyStack", "当前回合归属 %s，%s 不能堆存", m.state.Turn(), actor)
	}
	turnScore := m.turnScoreLocked(actor)
	if turnScore <= 0 {
		return 0, precondition("ApplyStack", "回合分数为0，没有可入账的分数")
	}

	banked := m.scoreLocked(actor) + turnScore
	m.setScoreLocked(actor, banked)
	m.setTurnScoreLocked(actor, 0)
	m.logSession("stack", fmt.Sprintf("%s 入账 %d 分，总分 %d", actor, turnScore, banked))

	// 分数变更后立即检查胜利条件；未分出胜负才转移回合
	if !m.checkWinLocked(actor) {
		m.endTurnLocked(actor)
	}
	return banked, nil
}

// ApplyForfeit 弃权：无条件结束会话，对方获胜
func (m *Machine) ApplyForfeit(actor models.TurnOwner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status == models.StatusFinished {
		return precondition("ApplyForfeit", "会话已结束")
	}

	m.state.Status = models.StatusFinished
	m.state.Winner = string(actor.Other())
	m.state.IsPlayerTurn = false
	m.state.CurrentCard = nil
	m.logSession("forfeit", fmt.Sprintf("%s 弃权，%s 获胜", actor, actor.Other()))
	return nil
}

// ApplyAuthoritative 用权威服务的最新快照覆盖本地状态（回放结束后的对账刷新）
func (m *Machine) ApplyAuthoritative(snapshot *models.Session) {
	if snapshot == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 终态不可逆：权威刷新不允许把finished改回playing
	if m.state.Status == models.StatusFinished && snapshot.Status != models.StatusFinished {
		m.logSession("refresh", "忽略与终态冲突的权威快照")
		return
	}

	m.state = *snapshot
	if snapshot.CurrentCard != nil {
		card := *snapshot.CurrentCard
		m.state.CurrentCard = &card
	}
	m.logSession("refresh", fmt.Sprintf("权威对账: 玩家 %d / 对手 %d, 状态 %s", snapshot.PlayerScore, snapshot.OpponentScore, snapshot.Status))
}

// applyBearishPenaltyLocked 熊市惩罚作用于已入账分数
func (m *Machine) applyBearishPenaltyLocked(actor models.TurnOwner, penalty string) {
	score := m.scoreLocked(actor)
	switch penalty {
	case models.PenaltyReset:
		score = 0
	case models.PenaltyHalf:
		score = score / 2
	case models.PenaltyMinus10:
		score = score - 10
		if score < 0 {
			score = 0
		}
	}
	m.setScoreLocked(actor, score)
	m.logSession("bearish", fmt.Sprintf("%s 受到 %s 惩罚，总分变为 %d", actor, penalty, score))
}

// checkWinLocked 分数变更后的胜利检查。阈值跨越即终局：
// 状态机一次只被一方的动作推进，客户端不存在真正的同时到达。
func (m *Machine) checkWinLocked(actor models.TurnOwner) bool {
	if m.state.WinningScore > 0 && m.scoreLocked(actor) >= m.state.WinningScore {
		m.state.Status = models.StatusFinished
		m.state.Winner = string(actor)
		m.state.IsPlayerTurn = false
		m.logSession("finish", fmt.Sprintf("%s 达到胜利阈值 %d", actor, m.state.WinningScore))
		return true
	}
	return false
}

// endTurnLocked 结束actor的回合并转移归属。
// 对手回合结束意味着一个完整轮次结束，轮次计数递增；
// 超过轮次上限时由已入账分数高者获胜。
func (m *Machine) endTurnLocked(actor models.TurnOwner) {
	m.state.CurrentCard = nil
	m.state.IsPlayerTurn = actor.Other() == models.TurnPlayer

	if actor == models.TurnOpponent {
		m.state.RoundCount++
		if m.state.MaxRounds > 0 && m.state.RoundCount >= m.state.MaxRounds {
			m.finishByScoreLocked()
		}
	}
}

// finishByScoreLocked 轮次耗尽：入账分数高者获胜，平分为平局
func (m *Machine) finishByScoreLocked() {
	m.state.Status = models.StatusFinished
	m.state.IsPlayerTurn = false
	switch {
	case m.state.PlayerScore > m.state.OpponentScore:
		m.state.Winner = string(models.TurnPlayer)
	case m.state.OpponentScore > m.state.PlayerScore:
		m.state.Winner = string(models.TurnOpponent)
	default:
		m.state.Winner = ""
	}
	m.logSession("finish", fmt.Sprintf("轮次耗尽，最终比分 %d:%d", m.state.PlayerScore, m.state.OpponentScore))
}

func (m *Machine) scoreLocked(actor models.TurnOwner) int {
	if actor == models.TurnPlayer {
		return m.state.PlayerScore
	}
	return m.state.OpponentScore
}

func (m *Machine) setScoreLocked(actor models.TurnOwner, score int) {
	if actor == models.TurnPlayer {
		m.state.PlayerScore = score
	} else {
		m.state.OpponentScore = score
	}
}

func (m *Machine) turnScoreLocked(actor models.TurnOwner) int {
	if actor == models.TurnPlayer {
		return m.state.PlayerTurnScore
	}
	return m.state.OpponentTurnScore
}

func (m *Machine) setTurnScoreLocked(actor models.TurnOwner, score int) {
	if actor == models.TurnPlayer {
		m.state.PlayerTurnScore = score
	} else {
		m.state.OpponentTurnScore = score
	}
}

func (m *Machine) logSession(action, details string) {
	if m.logger != nil {
		m.logger.LogSessionAction(m.state.ID, action, details)
	}
}
