package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"apein-client/internal/authz"
	"apein-client/internal/ledger"
	"apein-client/internal/logger"
	"apein-client/internal/models"
	"apein-client/internal/replay"
	"apein-client/internal/session"
)

// AuthorityClient 游戏权威服务接口
type AuthorityClient interface {
	CreateSession(ctx context.Context, mode models.GameMode, playerName, walletAddress string) (*models.Session, error)
	ApplyAction(ctx context.Context, sessionID string, action models.ActionType) (*models.ActionResult, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
}

// HistoryStore 会话历史持久化接口
type HistoryStore interface {
	RecordSessionResult(record *models.SessionRecord) error
	GetRecentResults(playerAddress string, limit int) ([]*models.SessionRecord, error)
	GetPlayerStats(playerAddress string) (map[models.GameResult]int, error)
}

// 编排层的业务错误
var (
	ErrNoActiveSession = errors.New("当前没有进行中的会话")
	ErrActionInFlight  = errors.New("上一个动作仍在处理中")
	ErrSessionExists   = errors.New("已有进行中的会话，请先结束或弃权")
)

// activeSession 一个玩家正在进行的会话及其配套状态
type activeSession struct {
	ownerKey      string
	playerAddress string
	playerName    string
	mode          models.GameMode
	startedAt     time.Time

	machine  *session.Machine
	protocol *authz.Protocol

	mu           sync.Mutex
	inFlight     bool
	finished     bool
	replayCancel context.CancelFunc
}

// Orchestrator 客户端编排层：把台账、授权协议、权威客户端、
// 会话状态机与回放引擎串成完整的会话生命周期。
type Orchestrator struct {
	authority AuthorityClient
	tokens    authz.TokenAuthority
	results   authz.ResultAuthority
	ledger    *ledger.Ledger
	history   HistoryStore
	engine    *replay.Engine
	logger    *logger.Logger

	clientVersion string

	mu       sync.Mutex
	sessions map[string]*activeSession // ownerKey -> 会话
}

// New 创建编排层并把回放完成回调接到权威对账刷新上
func New(authority AuthorityClient, tokens authz.TokenAuthority, results authz.ResultAuthority,
	playLedger *ledger.Ledger, history HistoryStore, engine *replay.Engine,
	clientVersion string, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		authority:     authority,
		tokens:        tokens,
		results:       results,
		ledger:        playLedger,
		history:       history,
		engine:        engine,
		logger:        log,
		clientVersion: clientVersion,
		sessions:      make(map[string]*activeSession),
	}
	if engine != nil {
		engine.SetCompletionCallback(o.onReplayComplete)
	}
	return o
}

// StartSession 开始一局新会话：台账闸门 → 授权令牌 → 权威建局 → 扣费 → 本地状态机。
// 任何一步失败都不会留下半开的会话；建局失败前不扣费。
func (o *Orchestrator) StartSession(ctx context.Context, ownerKey string, mode models.GameMode, playerName, playerAddress string) (*models.Session, error) {
	o.mu.Lock()
	if existing, ok := o.sessions[ownerKey]; ok && !existing.isFinished() {
		o.mu.Unlock()
		return nil, ErrSessionExists
	}
	o.mu.Unlock()

	if _, ok := models.ModeConfigFor(mode); !ok {
		return nil, fmt.Errorf("未知的游戏模式: %s", mode)
	}

	if !o.ledger.CanPlay(playerAddress, mode) {
		return nil, &ledger.InsufficientBalance{PlayerAddress: playerAddress}
	}

	protocol := authz.NewProtocol(mode, playerAddress, o.tokens, o.results, o.logger)
	response, err := protocol.RequestToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("申请游玩令牌失败: %w", err)
	}
	if !response.Approved {
		return nil, &authz.AuthorizationDenied{Reason: response.Reason}
	}

	snapshot, err := o.authority.CreateSession(ctx, mode, playerName, playerAddress)
	if err != nil {
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}

	if err := o.ledger.Consume(playerAddress, mode); err != nil {
		return nil, err
	}

	machine := session.NewMachine(snapshot, o.logger)
	if snapshot.Status == models.StatusWaiting {
		if err := machine.Open(); err != nil {
			return nil, err
		}
	}

	as := &activeSession{
		ownerKey:      ownerKey,
		playerAddress: playerAddress,
		playerName:    playerName,
		mode:          mode,
		startedAt:     time.Now(),
		machine:       machine,
		protocol:      protocol,
	}

	o.mu.Lock()
	o.sessions[ownerKey] = as
	o.mu.Unlock()

	result := machine.Snapshot()
	o.logSession(result.ID, "start", fmt.Sprintf("模式 %s 玩家 %s", mode, playerName))
	return &result, nil
}

// Draw 抽一张牌
func (o *Orchestrator) Draw(ctx context.Context, ownerKey string) (*models.ActionResult, error) {
	return o.playerAction(ctx, ownerKey, models.ActionDraw)
}

// Roll 掷骰解算当前牌
func (o *Orchestrator) Roll(ctx context.Context, ownerKey string) (*models.ActionResult, error) {
	return o.playerAction(ctx, ownerKey, models.ActionRoll)
}

// Stack 入账本回合累积分
func (o *Orchestrator) Stack(ctx context.Context, ownerKey string) (*models.ActionResult, error) {
	return o.playerAction(ctx, ownerKey, models.ActionStack)
}

// Forfeit 弃权认输：立刻取消任何进行中的回放，再向权威服务宣告
func (o *Orchestrator) Forfeit(ctx context.Context, ownerKey string) (*models.ActionResult, error) {
	as, err := o.lookup(ownerKey)
	if err != nil {
		return nil, err
	}
	as.cancelReplay()
	return o.playerAction(ctx, ownerKey, models.ActionForfeit)
}

// playerAction 发送一个玩家动作到权威服务并消化解算结果。
// 同一会话的玩家动作严格串行：上一个动作处理完之前拒绝新动作。
func (o *Orchestrator) playerAction(ctx context.Context, ownerKey string, action models.ActionType) (*models.ActionResult, error) {
	as, err := o.lookup(ownerKey)
	if err != nil {
		return nil, err
	}

	if !as.tryAcquire() {
		return nil, ErrActionInFlight
	}
	defer as.release()

	before := as.machine.Snapshot()

	// 本地合法性闸门：非法迁移在发起网络请求前就被拒绝
	if err := as.machine.CheckAction(models.TurnPlayer, action); err != nil {
		return nil, err
	}

	result, err := o.authority.ApplyAction(ctx, before.ID, action)
	if err != nil {
		return nil, fmt.Errorf("动作 %s 提交失败: %w", action, err)
	}

	o.applyPlayerTransition(as, before.ID, action, result)

	o.logSession(before.ID, string(action), fmt.Sprintf("success=%v message=%s", result.Success, result.Message))

	if len(result.BotActions) > 0 {
		finalScore := before.OpponentScore
		if result.Session != nil {
			finalScore = result.Session.OpponentScore
		}
		o.startReplay(as, before.ID, result.BotActions, before.OpponentScore, finalScore)
	} else {
		o.maybeFinish(as)
	}

	return result, nil
}

// applyPlayerTransition 用权威服务的解算值走本地状态机迁移。
// 迁移失败说明本地与权威已经漂移，退回整体覆盖权威快照。
// 有对手批次时不覆盖对手侧字段，留给回放结束后的对账刷新。
func (o *Orchestrator) applyPlayerTransition(as *activeSession, sessionID string, action models.ActionType, result *models.ActionResult) {
	var err error
	switch action {
	case models.ActionDraw:
		card := result.Card
		if card == nil && result.Session != nil {
			card = result.Session.CurrentCard
		}
		err = as.machine.ApplyDraw(models.TurnPlayer, card)
	case models.ActionRoll:
		_, err = as.machine.ApplyRoll(models.TurnPlayer, result.Roll, result.Success)
	case models.ActionStack:
		_, err = as.machine.ApplyStack(models.TurnPlayer)
	case models.ActionForfeit:
		err = as.machine.ApplyForfeit(models.TurnPlayer)
	}

	if err != nil {
		o.logSession(sessionID, "drift", fmt.Sprintf("本地迁移 %s 失败，退回权威覆盖: %v", action, err))
		as.machine.ApplyAuthoritative(result.Session)
		return
	}

	// 有对手批次时权威快照是批次播完后的状态，交给回放结束后的对账刷新
	if len(result.BotActions) > 0 || result.Session == nil {
		return
	}
	local := as.machine.Snapshot()
	if local.PlayerScore != result.Session.PlayerScore ||
		local.PlayerTurnScore != result.Session.PlayerTurnScore ||
		local.Status != result.Session.Status {
		o.logSession(sessionID, "drift", fmt.Sprintf("本地推演(%d/%d/%s)与权威快照(%d/%d/%s)不一致，退回覆盖",
			local.PlayerScore, local.PlayerTurnScore, local.Status,
			result.Session.PlayerScore, result.Session.PlayerTurnScore, result.Session.Status))
		as.machine.ApplyAuthoritative(result.Session)
	}
}

// startReplay 异步播放对手动作批次，播完（或取消）后由完成回调走权威对账
func (o *Orchestrator) startReplay(as *activeSession, sessionID string, batch []models.Action, startScore, finalScore int) {
	replayCtx, cancel := context.WithCancel(context.Background())
	as.setReplayCancel(cancel)

	go func() {
		defer cancel()
		_, err := o.engine.Play(replayCtx, sessionID, batch, startScore, finalScore)
		if err != nil && !errors.Is(err, replay.ErrReplayAborted) {
			o.logSession(sessionID, "replay", fmt.Sprintf("回放异常结束: %v", err))
		}
		as.setReplayCancel(nil)
	}()
}

// onReplayComplete 回放结束后的权威对账刷新：
// 不信任本地推演，重新拉取权威快照覆盖，再判断会话是否已结束
func (o *Orchestrator) onReplayComplete(sessionID string) {
	as := o.lookupBySessionID(sessionID)
	if as == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snapshot, err := o.authority.GetSession(ctx, sessionID)
	if err != nil {
		o.logSession(sessionID, "refresh", fmt.Sprintf("对账刷新失败: %v", err))
		// 对账失败也要把回合交还给玩家，避免会话卡在对手回合
		if terr := as.machine.StartTurn(models.TurnPlayer); terr == nil {
			o.logSession(sessionID, "refresh", "权威快照不可用，本地交还回合")
		}
	} else {
		as.machine.ApplyAuthoritative(snapshot)
	}

	o.maybeFinish(as)
}

// maybeFinish 会话进入终态后做一次性收尾：
// 结果提交（至多一次）、完成计数与奖励、历史落库、移出活跃表
func (o *Orchestrator) maybeFinish(as *activeSession) {
	snapshot := as.machine.Snapshot()
	if snapshot.Status != models.StatusFinished {
		return
	}
	if !as.markFinished() {
		return
	}

	result := o.classify(&snapshot)
	meta := &models.ResultMeta{
		DurationMs:    time.Since(as.startedAt).Milliseconds(),
		RawScore:      snapshot.PlayerScore,
		Opponent:      string(as.mode),
		ClientVersion: o.clientVersion,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if as.protocol.State() == authz.StateTokenApproved {
		if _, err := as.protocol.SubmitResult(ctx, result, meta); err != nil {
			// 提交名额已消耗，不重试；余下的收尾照常进行
			o.logSession(snapshot.ID, "submit", fmt.Sprintf("结果提交失败: %v", err))
		}
	}

	if _, _, err := o.ledger.RecordCompletion(as.playerAddress, as.mode); err != nil {
		o.logSession(snapshot.ID, "ledger", fmt.Sprintf("完成计数失败: %v", err))
	}

	if o.history != nil {
		record := &models.SessionRecord{
			SessionID:     snapshot.ID,
			PlayerAddress: as.playerAddress,
			Mode:          as.mode,
			Result:        result,
			PlayerScore:   snapshot.PlayerScore,
			OpponentScore: snapshot.OpponentScore,
			RunID:         as.protocol.RunID(),
		}
		if err := o.history.RecordSessionResult(record); err != nil {
			o.logSession(snapshot.ID, "history", fmt.Sprintf("历史落库失败: %v", err))
		}
	}

	o.mu.Lock()
	delete(o.sessions, as.ownerKey)
	o.mu.Unlock()

	o.logSession(snapshot.ID, "finish",
		fmt.Sprintf("结果 %s 比分 %d:%d", result, snapshot.PlayerScore, snapshot.OpponentScore))
}

// classify 由终态快照推导对局结果
func (o *Orchestrator) classify(snapshot *models.Session) models.GameResult {
	switch snapshot.Winner {
	case string(models.TurnPlayer):
		return models.ResultWin
	case string(models.TurnOpponent):
		if snapshot.PlayerScore < snapshot.WinningScore && snapshot.OpponentScore < snapshot.WinningScore &&
			snapshot.RoundCount < snapshot.MaxRounds {
			// 未到分且未满轮即分出胜负，只能是玩家弃权
			return models.ResultForfeit
		}
		return models.ResultLoss
	default:
		return models.ResultDraw
	}
}

// Session 返回玩家当前会话的快照
func (o *Orchestrator) Session(ownerKey string) (*models.Session, error) {
	as, err := o.lookup(ownerKey)
	if err != nil {
		return nil, err
	}
	snapshot := as.machine.Snapshot()
	return &snapshot, nil
}

// Balance 查询玩家免费次数余额
func (o *Orchestrator) Balance(playerAddress string) (models.PlayBalance, error) {
	return o.ledger.Balance(playerAddress)
}

// GamesUntilReward 距离下一次奖励还需完成的局数
func (o *Orchestrator) GamesUntilReward(playerAddress string) (int, error) {
	return o.ledger.GamesUntilReward(playerAddress)
}

// Purchase 充值入账免费次数（由支付确认回调触发）
func (o *Orchestrator) Purchase(playerAddress string, quantity int) (models.PlayBalance, error) {
	return o.ledger.Purchase(playerAddress, quantity)
}

// RecentResults 查询玩家最近的会话历史
func (o *Orchestrator) RecentResults(playerAddress string, limit int) ([]*models.SessionRecord, error) {
	if o.history == nil {
		return nil, nil
	}
	return o.history.GetRecentResults(playerAddress, limit)
}

// PlayerStats 查询玩家历史战绩统计
func (o *Orchestrator) PlayerStats(playerAddress string) (map[models.GameResult]int, error) {
	if o.history == nil {
		return nil, nil
	}
	return o.history.GetPlayerStats(playerAddress)
}

func (o *Orchestrator) lookup(ownerKey string) (*activeSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	as, ok := o.sessions[ownerKey]
	if !ok {
		return nil, ErrNoActiveSession
	}
	return as, nil
}

func (o *Orchestrator) lookupBySessionID(sessionID string) *activeSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, as := range o.sessions {
		if as.machine.Snapshot().ID == sessionID {
			return as
		}
	}
	return nil
}

func (as *activeSession) tryAcquire() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.inFlight {
		return false
	}
	as.inFlight = true
	return true
}

func (as *activeSession) release() {
	as.mu.Lock()
	as.inFlight = false
	as.mu.Unlock()
}

func (as *activeSession) markFinished() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.finished {
		return false
	}
	as.finished = true
	return true
}

func (as *activeSession) isFinished() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.finished
}

func (as *activeSession) setReplayCancel(cancel context.CancelFunc) {
	as.mu.Lock()
	as.replayCancel = cancel
	as.mu.Unlock()
}

func (as *activeSession) cancelReplay() {
	as.mu.Lock()
	cancel := as.replayCancel
	as.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) logSession(sessionID, action, details string) {
	if o.logger != nil {
		o.logger.LogSessionAction(sessionID, action, details)
	}
}
