package models

import (
	"time"
)

// CardType 卡牌类型
type CardType string

// 卡牌类型常量
const (
	CardTypeCipher     CardType = "Cipher"
	CardTypeOracle     CardType = "Oracle"
	CardTypeHistoracle CardType = "Historacle"
	CardTypeBearish    CardType = "Bearish"
	CardTypeSpecial    CardType = "Special"
)

// 熊市卡惩罚类型常量
const (
	PenaltyReset   = "Reset"
	PenaltyHalf    = "Half"
	PenaltyMinus10 = "Minus10"
)

// Card 卡牌模型（由权威服务下发，客户端只读）
type Card struct {
	Name     string   `json:"name"`
	Type     CardType `json:"type"`
	Value    int      `json:"value"`
	ImageURL string   `json:"image_url"`
	Penalty  string   `json:"penalty,omitempty"`
}

// IsApeIn 是否为"Ape In!"特殊卡（下一张卡牌分值翻倍）
func (c *Card) IsApeIn() bool {
	return c.Type == CardTypeSpecial
}

// IsBearish 是否为熊市卡（掷出奇数触发惩罚）
func (c *Card) IsBearish() bool {
	return c.Type == CardTypeBearish
}

// 会话状态常量
const (
	StatusWaiting  = "waiting"
	StatusPlaying  = "playing"
	StatusFinished = "finished"
)

// TurnOwner 回合归属
type TurnOwner string

// 回合归属常量
const (
	TurnPlayer   TurnOwner = "player"
	TurnOpponent TurnOwner = "opponent"
)

// Other 返回对方
func (t TurnOwner) Other() TurnOwner {
	if t == TurnPlayer {
		return TurnOpponent
	}
	return TurnPlayer
}

// Session 一局游戏会话（与权威服务getSession响应同构）
type Session struct {
	ID                string   `json:"gameId"`
	Mode              GameMode `json:"mode"`
	PlayerScore       int      `json:"playerScore"`
	OpponentScore     int      `json:"opponentScore"`
	PlayerTurnScore   int      `json:"playerTurnScore"`
	OpponentTurnScore int      `json:"opponentTurnScore"`
	CurrentCard       *Card    `json:"currentCard"`
	LastRoll          *int     `json:"lastRoll"`
	RoundCount        int      `json:"roundCount"`
	MaxRounds         int      `json:"maxRounds"`
	WinningScore      int      `json:"winningScore"`
	IsPlayerTurn      bool     `json:"isPlayerTurn"`
	Status            string   `json:"gameStatus"`
	Winner            string   `json:"winner,omitempty"`
	ApeInActive       bool     `json:"apeInActive"`
}

// Turn 当前回合归属
func (s *Session) Turn() TurnOwner {
	if s.IsPlayerTurn {
		return TurnPlayer
	}
	return TurnOpponent
}

// IsRanked 会话是否为排位模式（由模式注册表静态推导，会话生命周期内不变）
func (s *Session) IsRanked() bool {
	return IsRankedMode(s.Mode)
}

// ActionType 动作类型
type ActionType string

// 动作类型常量
const (
	ActionDraw    ActionType = "draw"
	ActionRoll    ActionType = "roll"
	ActionStack   ActionType = "stack"
	ActionForfeit ActionType = "forfeit"
	ActionApeIn   ActionType = "ape_in"
)

// Action 权威服务下发的单个离散动作（不可变，严格按序处理）
type Action struct {
	Type      ActionType `json:"type"`
	Card      *Card      `json:"card,omitempty"`
	Value     int        `json:"value,omitempty"`
	Success   bool       `json:"success,omitempty"`
	Message   string     `json:"message,omitempty"`
	TurnScore int        `json:"turnScore,omitempty"`
	Round     int        `json:"round,omitempty"`
}

// ActionResult 权威服务对玩家动作的解算结果
type ActionResult struct {
	Session    *Session `json:"session"`
	Card       *Card    `json:"card,omitempty"`
	Roll       int      `json:"value,omitempty"`
	Success    bool     `json:"success,omitempty"`
	Message    string   `json:"message,omitempty"`
	SatsGained int      `json:"satsGained,omitempty"`
	TurnScore  int      `json:"turnScore,omitempty"`
	BotActions []Action `json:"botActions,omitempty"`
}

// PlayBalance 玩家游戏次数余额（按钱包地址持久化的JSON记录）
type PlayBalance struct {
	FreePlays        int `json:"freePlays"`
	TotalGamesPlayed int `json:"totalGamesPlayed"`
	LastRewardGame   int `json:"lastRewardGame"`
}

// PlayToken 排位会话授权令牌（单次使用，绑定玩家地址与模式）
type PlayToken struct {
	Token         string
	RunID         string
	PlayerAddress string
	Mode          GameMode
}

// PlayTokenRequest 请求授权令牌的载荷
type PlayTokenRequest struct {
	PlayerAddress string   `json:"playerAddress"`
	ModeID        GameMode `json:"modeId"`
}

// PlayTokenResponse 授权令牌响应（拒绝是正常返回值，不是错误）
type PlayTokenResponse struct {
	Approved           bool   `json:"approved"`
	PlayToken          string `json:"playToken,omitempty"`
	Reason             string `json:"reason,omitempty"`
	FreePlaysRemaining int    `json:"freePlaysRemaining,omitempty"`
}

// GameResult 对局结果
type GameResult string

// 对局结果常量
const (
	ResultWin     GameResult = "WIN"
	ResultDraw    GameResult = "DRAW"
	ResultLoss    GameResult = "LOSS"
	ResultForfeit GameResult = "FORFEIT"
)

// ResultMeta 结果附加信息
type ResultMeta struct {
	DurationMs    int64  `json:"durationMs,omitempty"`
	RawScore      int    `json:"rawScore,omitempty"`
	Opponent      string `json:"opponent,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

// ResultSubmission 结果提交载荷（排位模式必须携带令牌与RunID）
type ResultSubmission struct {
	PlayerAddress string      `json:"playerAddress"`
	ModeID        GameMode    `json:"modeId"`
	IsRanked      bool        `json:"isRanked"`
	Result        GameResult  `json:"result"`
	RunID         string      `json:"runId"`
	PlayToken     string      `json:"playToken,omitempty"`
	Meta          *ResultMeta `json:"meta,omitempty"`
}

// ResultSubmissionResponse 结果提交响应
type ResultSubmissionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionRecord 已完成会话的历史记录
type SessionRecord struct {
	ID            int64      `json:"id" db:"id"`
	SessionID     string     `json:"session_id" db:"session_id"`
	PlayerAddress string     `json:"player_address" db:"player_address"`
	Mode          GameMode   `json:"mode" db:"mode"`
	Result        GameResult `json:"result" db:"result"`
	PlayerScore   int        `json:"player_score" db:"player_score"`
	OpponentScore int        `json:"opponent_score" db:"opponent_score"`
	RunID         string     `json:"run_id" db:"run_id"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}
