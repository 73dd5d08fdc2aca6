package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"apein-client/internal/authz"
	"apein-client/internal/config"
	"apein-client/internal/ledger"
	"apein-client/internal/logger"
	"apein-client/internal/models"
	"apein-client/internal/orchestrator"
	"apein-client/internal/replay"
	"apein-client/internal/utils"
)

// Bot Telegram机器人结构：Ape In游戏的呈现层
type Bot struct {
	api    *tgbotapi.BotAPI
	orch   *orchestrator.Orchestrator
	config *config.Config
	logger *logger.Logger

	wallets    sync.Map // chatID -> 钱包地址
	replayChat sync.Map // sessionID -> chatID，回放步骤路由
	replayMsg  sync.Map // sessionID -> 回放消息ID，原地编辑
	userMutex  sync.Map // 用户级别的互斥锁，防止同一用户并发操作
}

// NewBot 创建新的机器人实例
func NewBot(cfg *config.Config, orch *orchestrator.Orchestrator, log *logger.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("创建机器人API失败: %v", err)
	}

	return &Bot{
		api:    api,
		orch:   orch,
		config: cfg,
		logger: log,
	}, nil
}

// Start 启动更新循环
func (b *Bot) Start() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	fmt.Printf("🤖 机器人 @%s 已启动\n", b.api.Self.UserName)

	for update := range updates {
		go b.handleUpdate(update)
	}
}

// Stop 停止接收更新
func (b *Bot) Stop() {
	b.api.StopReceivingUpdates()
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("处理更新panic: %v", r)
		}
	}()

	if update.CallbackQuery != nil {
		b.handleCallback(update.CallbackQuery)
		return
	}
	if update.Message != nil && update.Message.IsCommand() {
		b.handleCommand(update.Message)
	}
}

func (b *Bot) handleCommand(message *tgbotapi.Message) {
	chatID := message.Chat.ID

	// 同一用户的操作串行处理
	lock := b.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	switch message.Command() {
	case "start", "help":
		b.sendHelp(chatID)
	case "wallet":
		b.handleWallet(chatID, message.CommandArguments())
	case "play":
		b.sendModeMenu(chatID)
	case "draw":
		b.handleAction(chatID, message.From, models.ActionDraw)
	case "roll":
		b.handleAction(chatID, message.From, models.ActionRoll)
	case "stack":
		b.handleAction(chatID, message.From, models.ActionStack)
	case "forfeit":
		b.handleAction(chatID, message.From, models.ActionForfeit)
	case "balance":
		b.handleBalance(chatID)
	case "buy":
		b.handleBuy(chatID)
	case "stats":
		b.handleStats(chatID)
	default:
		b.send(chatID, "未知命令，发送 /help 查看用法")
	}
}

func (b *Bot) handleCallback(callback *tgbotapi.CallbackQuery) {
	chatID := callback.Message.Chat.ID
	data := callback.Data

	b.api.Request(tgbotapi.NewCallback(callback.ID, ""))

	lock := b.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	switch {
	case strings.HasPrefix(data, "mode_"):
		mode := models.GameMode(strings.TrimPrefix(data, "mode_"))
		b.startSession(chatID, callback.From, mode)
	case data == "act_draw":
		b.handleAction(chatID, callback.From, models.ActionDraw)
	case data == "act_roll":
		b.handleAction(chatID, callback.From, models.ActionRoll)
	case data == "act_stack":
		b.handleAction(chatID, callback.From, models.ActionStack)
	case data == "act_forfeit":
		b.handleAction(chatID, callback.From, models.ActionForfeit)
	}
}

func (b *Bot) sendHelp(chatID int64) {
	text := `🦍 欢迎来到 Ape In！

推牌拼运气，先到150分获胜。

🎮 游戏命令：
/play - 选择模式开局
/draw - 抽一张牌
/roll - 掷骰解算当前牌
/stack - 入账本回合累积分
/forfeit - 弃权认输

💰 账户命令：
/wallet <地址> - 绑定钱包地址
/balance - 查询免费次数余额
/buy - 购买游玩次数
/stats - 查看历史战绩

📜 规则要点：
• 掷出1直接爆牌，本回合累积分清零
• 熊市卡掷出奇数触发惩罚，偶数惊险躲过
• "Ape In!" 特殊卡让下一张牌分值翻倍
• 10轮内先到150分者获胜`
	b.send(chatID, text)
}

func (b *Bot) handleWallet(chatID int64, args string) {
	address := strings.TrimSpace(args)
	if address == "" {
		b.send(chatID, "用法：/wallet <钱包地址>")
		return
	}
	b.wallets.Store(chatID, address)
	b.send(chatID, fmt.Sprintf("✅ 钱包已绑定：%s", address))
}

func (b *Bot) sendModeMenu(chatID int64) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, mode := range models.KnownModes() {
		cfg, ok := models.ModeConfigFor(mode)
		if !ok {
			continue
		}
		label := cfg.DisplayName
		if models.IsTutorialMode(mode) {
			label += " 🎓 教程"
		} else if cfg.IsRanked {
			label += " 🏆 排位"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "mode_"+string(mode)),
		))
	}

	msg := tgbotapi.NewMessage(chatID, "🎮 选择游戏模式：")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	b.api.Send(msg)
}

func (b *Bot) startSession(chatID int64, user *tgbotapi.User, mode models.GameMode) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.RequestTimeout)
	defer cancel()

	wallet := b.walletOf(chatID)
	snapshot, err := b.orch.StartSession(ctx, ownerKey(chatID), mode, b.displayName(user), wallet)
	if err != nil {
		var denied *authz.AuthorizationDenied
		var insufficient *ledger.InsufficientBalance
		switch {
		case errors.As(err, &denied):
			b.send(chatID, fmt.Sprintf("🚫 无法开局：%s", denied.Reason))
		case errors.As(err, &insufficient):
			b.send(chatID, "😿 免费次数用完了，发送 /buy 购买更多次数")
		case errors.Is(err, orchestrator.ErrSessionExists):
			b.send(chatID, "已有进行中的会话，发送 /forfeit 可以弃权")
		default:
			b.logger.Error("开局失败 chat=%d: %v", chatID, err)
			b.send(chatID, "❌ 开局失败，请稍后再试")
		}
		return
	}

	b.replayChat.Store(snapshot.ID, chatID)
	b.sendSession(chatID, snapshot, "🦍 对局开始！")
}

func (b *Bot) handleAction(chatID int64, user *tgbotapi.User, action models.ActionType) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.RequestTimeout)
	defer cancel()

	var result *models.ActionResult
	var err error
	switch action {
	case models.ActionDraw:
		result, err = b.orch.Draw(ctx, ownerKey(chatID))
	case models.ActionRoll:
		result, err = b.orch.Roll(ctx, ownerKey(chatID))
	case models.ActionStack:
		result, err = b.orch.Stack(ctx, ownerKey(chatID))
	case models.ActionForfeit:
		result, err = b.orch.Forfeit(ctx, ownerKey(chatID))
	}

	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNoActiveSession):
			b.send(chatID, "没有进行中的会话，发送 /play 开局")
		case errors.Is(err, orchestrator.ErrActionInFlight):
			b.send(chatID, "⏳ 上一个动作还在处理中，稍等一下")
		default:
			b.logger.Error("动作 %s 失败 chat=%d: %v", action, chatID, err)
			b.send(chatID, "❌ 动作失败，请稍后再试")
		}
		return
	}

	b.renderActionResult(chatID, action, result)
}

func (b *Bot) renderActionResult(chatID int64, action models.ActionType, result *models.ActionResult) {
	session := result.Session
	var text strings.Builder

	switch action {
	case models.ActionDraw:
		card := result.Card
		if card == nil && session != nil {
			card = session.CurrentCard
		}
		if card != nil {
			if card.IsApeIn() {
				text.WriteString("🔥 抽到了 \"Ape In!\" —— 下一张牌分值翻倍！\n")
			} else {
				text.WriteString(fmt.Sprintf("🃏 抽到了 %s（%d分）\n", card.Name, card.Value))
				if card.IsBearish() {
					text.WriteString(fmt.Sprintf("⚠️ 熊市卡！掷出奇数将触发惩罚：%s\n", penaltyLabel(card.Penalty)))
				}
			}
		}
	case models.ActionRoll:
		text.WriteString(fmt.Sprintf("🎲 掷出了 %d\n", result.Roll))
		if result.Success {
			text.WriteString(fmt.Sprintf("✅ 成功！+%d，本回合累积 %d 分\n", result.SatsGained, result.TurnScore))
		} else {
			text.WriteString("💥 爆牌！本回合累积分清零\n")
		}
	case models.ActionStack:
		text.WriteString(fmt.Sprintf("🏦 入账 %d 分！\n", result.SatsGained))
	case models.ActionForfeit:
		text.WriteString("🏳️ 已弃权\n")
	}

	if result.Message != "" {
		text.WriteString(result.Message + "\n")
	}

	if session != nil {
		if session.Status == models.StatusFinished {
			b.send(chatID, text.String())
			b.sendFinish(chatID, session)
			return
		}
		b.sendSession(chatID, session, text.String())
		return
	}
	b.send(chatID, text.String())
}

func (b *Bot) handleBalance(chatID int64) {
	wallet := b.walletOf(chatID)
	if wallet == "" {
		b.send(chatID, "请先用 /wallet <地址> 绑定钱包")
		return
	}

	balance, err := b.orch.Balance(wallet)
	if err != nil {
		b.send(chatID, "❌ 查询余额失败，请稍后再试")
		return
	}
	untilReward, _ := b.orch.GamesUntilReward(wallet)

	b.send(chatID, fmt.Sprintf(`💰 账户余额

🎟️ 剩余免费次数：%d
🎮 累计完成局数：%d
🎁 再完成 %d 局可获得 %d 次奖励`,
		balance.FreePlays, balance.TotalGamesPlayed, untilReward, ledger.RewardPlays))
}

func (b *Bot) handleBuy(chatID int64) {
	wallet := b.walletOf(chatID)
	if wallet == "" {
		b.send(chatID, "请先用 /wallet <地址> 绑定钱包")
		return
	}
	b.send(chatID, fmt.Sprintf(`🛒 购买游玩次数

向商店地址转账后，支付确认会自动入账到：
%s

入账完成后用 /balance 查看余额`, wallet))
}

func (b *Bot) handleStats(chatID int64) {
	wallet := b.walletOf(chatID)
	if wallet == "" {
		b.send(chatID, "请先用 /wallet <地址> 绑定钱包")
		return
	}

	stats, err := b.orch.PlayerStats(wallet)
	if err != nil {
		b.send(chatID, "❌ 查询战绩失败，请稍后再试")
		return
	}

	var text strings.Builder
	text.WriteString("📊 历史战绩\n\n")
	text.WriteString(fmt.Sprintf("🏆 胜利：%d\n", stats[models.ResultWin]))
	text.WriteString(fmt.Sprintf("💀 失败：%d\n", stats[models.ResultLoss]))
	text.WriteString(fmt.Sprintf("🤝 平局：%d\n", stats[models.ResultDraw]))
	text.WriteString(fmt.Sprintf("🏳️ 弃权：%d\n", stats[models.ResultForfeit]))

	records, err := b.orch.RecentResults(wallet, 5)
	if err == nil && len(records) > 0 {
		text.WriteString("\n最近对局：\n")
		for _, record := range records {
			text.WriteString(fmt.Sprintf("• %s %s %d:%d\n",
				record.Mode, resultLabel(record.Result), record.PlayerScore, record.OpponentScore))
		}
	}
	b.send(chatID, text.String())
}

// OnReplayStep 回放引擎的呈现回调：把对手动作按节奏渲染成消息编辑
func (b *Bot) OnReplayStep(sessionID string, step replay.Step, shadow replay.Shadow) {
	value, ok := b.replayChat.Load(sessionID)
	if !ok {
		return
	}
	chatID := value.(int64)

	text := b.renderStep(step, shadow)
	if text == "" {
		return
	}

	if step.Kind == replay.StepAnnounceTurn {
		msg := tgbotapi.NewMessage(chatID, text)
		sent, err := b.api.Send(msg)
		if err == nil {
			b.replayMsg.Store(sessionID, sent.MessageID)
		}
		return
	}

	if msgID, ok := b.replayMsg.Load(sessionID); ok {
		edit := tgbotapi.NewEditMessageText(chatID, msgID.(int), text)
		if _, err := b.api.Send(edit); err == nil {
			return
		}
	}
	b.send(chatID, text)
}

func (b *Bot) renderStep(step replay.Step, shadow replay.Shadow) string {
	header := fmt.Sprintf("🤖 对手回合（入账 %d 分）\n\n", shadow.Score)

	switch step.Kind {
	case replay.StepAnnounceTurn:
		return header + "对手开始行动……"
	case replay.StepApeIn:
		return header + "🔥 对手打出 \"Ape In!\" —— 下一张牌翻倍！"
	case replay.StepDraw:
		if step.Card != nil {
			line := fmt.Sprintf("🃏 对手抽到 %s（%d分）", step.Card.Name, step.Card.Value)
			if step.Card.IsBearish() {
				line += fmt.Sprintf("\n⚠️ 熊市卡，惩罚：%s", penaltyLabel(step.Card.Penalty))
			}
			return header + line
		}
		return header + "🃏 对手抽牌……"
	case replay.StepRollStart:
		return header + "🎲 对手掷骰中……"
	case replay.StepRollResult:
		return header + fmt.Sprintf("🎲 对手掷出了 %d", step.Roll)
	case replay.StepTurnGain:
		return header + fmt.Sprintf("✅ 对手+%d，本回合累积 %d 分", step.Gain, shadow.TurnScore)
	case replay.StepBust:
		text := header + "💥 对手爆牌了！"
		if step.Penalty != "" {
			text += fmt.Sprintf("\n⚡ 惩罚生效：%s", penaltyLabel(step.Penalty))
		}
		return text
	case replay.StepStack:
		return header + fmt.Sprintf("🏦 对手入账，总分 %d", shadow.Score)
	case replay.StepForfeit:
		return header + "🏳️ 对手弃权了！"
	case replay.StepHandoff:
		return header + "👉 轮到你了！/draw 抽牌"
	}
	return ""
}

// sendSession 发送会话状态与动作键盘
func (b *Bot) sendSession(chatID int64, session *models.Session, prefix string) {
	var text strings.Builder
	if prefix != "" {
		text.WriteString(prefix + "\n")
	}
	text.WriteString(fmt.Sprintf(`📋 模式：%s  第 %d/%d 轮
🧑 你：%s（本回合累积 %d）
🤖 对手：%s`,
		session.Mode, session.RoundCount+1, session.MaxRounds,
		utils.FormatSats(session.PlayerScore), session.PlayerTurnScore,
		utils.FormatSats(session.OpponentScore)))

	if session.ApeInActive {
		text.WriteString("\n🔥 \"Ape In!\" 生效中，下一张牌翻倍！")
	}
	if session.CurrentCard != nil && session.IsPlayerTurn {
		text.WriteString(fmt.Sprintf("\n🃏 当前牌：%s（%d分）", session.CurrentCard.Name, session.CurrentCard.Value))
	}

	msg := tgbotapi.NewMessage(chatID, text.String())
	if session.IsPlayerTurn {
		msg.ReplyMarkup = b.actionKeyboard(session)
	}
	b.api.Send(msg)
}

// actionKeyboard 根据会话状态生成可用动作按钮
func (b *Bot) actionKeyboard(session *models.Session) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	if session.CurrentCard != nil {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("🎲 掷骰", "act_roll"))
	} else {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("🃏 抽牌", "act_draw"))
		if session.PlayerTurnScore > 0 {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData("🏦 入账", "act_stack"))
		}
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		row,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🏳️ 弃权", "act_forfeit"),
		),
	)
}

func (b *Bot) sendFinish(chatID int64, session *models.Session) {
	b.replayChat.Delete(session.ID)
	b.replayMsg.Delete(session.ID)

	var text string
	switch session.Winner {
	case string(models.TurnPlayer):
		text = fmt.Sprintf("🎉 你赢了！最终比分 %d:%d", session.PlayerScore, session.OpponentScore)
	case string(models.TurnOpponent):
		text = fmt.Sprintf("💀 你输了。最终比分 %d:%d", session.PlayerScore, session.OpponentScore)
	default:
		text = fmt.Sprintf("🤝 平局。最终比分 %d:%d", session.PlayerScore, session.OpponentScore)
	}
	b.send(chatID, text+"\n\n发送 /play 再来一局")
}

func (b *Bot) chatLock(chatID int64) *sync.Mutex {
	lock, _ := b.userMutex.LoadOrStore(chatID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (b *Bot) walletOf(chatID int64) string {
	if value, ok := b.wallets.Load(chatID); ok {
		return value.(string)
	}
	return ""
}

// displayName 获取用户显示名称
func (b *Bot) displayName(user *tgbotapi.User) string {
	if user == nil {
		return "玩家"
	}
	if user.FirstName != "" {
		name := user.FirstName
		if user.LastName != "" {
			name += " " + user.LastName
		}
		return name
	}
	if user.UserName != "" {
		return user.UserName
	}
	return fmt.Sprintf("用户%d", user.ID)
}

func (b *Bot) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("发送消息失败 chat=%d: %v", chatID, err)
	}
}

func ownerKey(chatID int64) string {
	return fmt.Sprintf("chat_%d", chatID)
}

func penaltyLabel(penalty string) string {
	switch penalty {
	case models.PenaltyReset:
		return "入账分清零"
	case models.PenaltyHalf:
		return "入账分减半"
	case models.PenaltyMinus10:
		return "入账分-10"
	}
	return penalty
}

func resultLabel(result models.GameResult) string {
	switch result {
	case models.ResultWin:
		return "胜"
	case models.ResultLoss:
		return "负"
	case models.ResultDraw:
		return "平"
	case models.ResultForfeit:
		return "弃权"
	}
	return string(result)
}

var _ replay.Listener = (*Bot)(nil)
