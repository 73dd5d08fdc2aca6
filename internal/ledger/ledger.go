package ledger

import (
	"fmt"
	"sync"

	"apein-client/internal/logger"
	"apein-client/internal/models"
)

// 免费次数经济参数
const (
	InitialFreePlays = 5  // 新玩家初始赠送次数
	RewardPlays      = 5  // 每个奖励区块补充的次数
	GamesPerReward   = 10 // 触发奖励所需的完成局数
)

// InsufficientBalance 免费次数不足：正常的业务结果，上层引导购买
type InsufficientBalance struct {
	PlayerAddress string
}

func (e *InsufficientBalance) Error() string {
	return fmt.Sprintf("玩家 %s 免费次数不足", e.PlayerAddress)
}

// Store 余额持久化接口。
// GetPlayBalance 对缺失或损坏的记录返回 (nil, nil)，由账本按新玩家重新初始化。
type Store interface {
	GetPlayBalance(playerAddress string) (*models.PlayBalance, error)
	SavePlayBalance(playerAddress string, balance *models.PlayBalance) error
}

// Ledger 会话经济账本：管理每个玩家的免费次数余额与奖励发放。
// 所有读改写都在玩家级互斥锁内完成，余额永不为负。
type Ledger struct {
	store  Store
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*models.PlayBalance
}

// NewLedger 创建账本
func NewLedger(store Store, log *logger.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: log,
		locks:  make(map[string]*sync.Mutex),
		cache:  make(map[string]*models.PlayBalance),
	}
}

func (l *Ledger) playerLock(playerAddress string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[playerAddress]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[playerAddress] = lock
	}
	return lock
}

// loadLocked 读取玩家余额，缺失或损坏时按新玩家初始化并立即落库。
// 调用方必须持有对应玩家锁。
func (l *Ledger) loadLocked(playerAddress string) (*models.PlayBalance, error) {
	if balance, ok := l.cache[playerAddress]; ok {
		return balance, nil
	}

	balance, err := l.store.GetPlayBalance(playerAddress)
	if err != nil {
		return nil, fmt.Errorf("读取玩家余额失败: %w", err)
	}
	if balance == nil {
		balance = &models.PlayBalance{FreePlays: InitialFreePlays}
		if err := l.store.SavePlayBalance(playerAddress, balance); err != nil {
			return nil, fmt.Errorf("初始化玩家余额失败: %w", err)
		}
		l.logLedger(playerAddress, "init", fmt.Sprintf("新玩家初始化 %d 次免费游玩", InitialFreePlays))
	}
	l.cache[playerAddress] = balance
	return balance, nil
}

// saveLocked 落库并更新缓存。调用方必须持有对应玩家锁。
func (l *Ledger) saveLocked(playerAddress string, balance *models.PlayBalance) error {
	if err := l.store.SavePlayBalance(playerAddress, balance); err != nil {
		return fmt.Errorf("保存玩家余额失败: %w", err)
	}
	l.cache[playerAddress] = balance
	return nil
}

// Balance 查询玩家余额快照
func (l *Ledger) Balance(playerAddress string) (models.PlayBalance, error) {
	if playerAddress == "" {
		return models.PlayBalance{}, nil
	}
	lock := l.playerLock(playerAddress)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.loadLocked(playerAddress)
	if err != nil {
		return models.PlayBalance{}, err
	}
	return *balance, nil
}

// CanPlay 判断玩家能否开始一局指定模式。
// 教程模式不消耗次数，永远放行。
func (l *Ledger) CanPlay(playerAddress string, mode models.GameMode) bool {
	if models.IsTutorialMode(mode) {
		return true
	}
	if playerAddress == "" {
		return false
	}
	balance, err := l.Balance(playerAddress)
	if err != nil {
		return false
	}
	return balance.FreePlays > 0
}

// Consume 在会话开始时扣除一次免费游玩。
// 教程模式不扣费；余额不足返回 InsufficientBalance，余额保持不变。
func (l *Ledger) Consume(playerAddress string, mode models.GameMode) error {
	if models.IsTutorialMode(mode) {
		return nil
	}
	if playerAddress == "" {
		return fmt.Errorf("扣除免费次数需要玩家地址")
	}

	lock := l.playerLock(playerAddress)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.loadLocked(playerAddress)
	if err != nil {
		return err
	}
	if balance.FreePlays <= 0 {
		return &InsufficientBalance{PlayerAddress: playerAddress}
	}

	updated := *balance
	updated.FreePlays--
	if err := l.saveLocked(playerAddress, &updated); err != nil {
		return err
	}
	l.logLedger(playerAddress, "consume", fmt.Sprintf("模式 %s 扣除1次，剩余 %d", mode, updated.FreePlays))
	return nil
}

// RecordCompletion 记录一局完成：累计完成局数，每满 GamesPerReward 局发放一次奖励。
// 奖励检查点 LastRewardGame 单调推进，同一区块绝不重复发放。
// 教程模式不计入。
func (l *Ledger) RecordCompletion(playerAddress string, mode models.GameMode) (rewarded bool, balance models.PlayBalance, err error) {
	if models.IsTutorialMode(mode) || playerAddress == "" {
		return false, models.PlayBalance{}, nil
	}

	lock := l.playerLock(playerAddress)
	lock.Lock()
	defer lock.Unlock()

	current, err := l.loadLocked(playerAddress)
	if err != nil {
		return false, models.PlayBalance{}, err
	}

	updated := *current
	updated.TotalGamesPlayed++

	if updated.TotalGamesPlayed-updated.LastRewardGame >= GamesPerReward {
		updated.FreePlays += RewardPlays
		updated.LastRewardGame += GamesPerReward
		rewarded = true
	}

	if err := l.saveLocked(playerAddress, &updated); err != nil {
		return false, models.PlayBalance{}, err
	}
	if rewarded {
		l.logLedger(playerAddress, "reward", fmt.Sprintf("第 %d 局达成奖励，补充 %d 次，余额 %d",
			updated.TotalGamesPlayed, RewardPlays, updated.FreePlays))
	} else {
		l.logLedger(playerAddress, "completion", fmt.Sprintf("累计完成 %d 局", updated.TotalGamesPlayed))
	}
	return rewarded, updated, nil
}

// Purchase 充值购买免费次数：无条件入账，不受当前余额限制
func (l *Ledger) Purchase(playerAddress string, quantity int) (models.PlayBalance, error) {
	if playerAddress == "" {
		return models.PlayBalance{}, fmt.Errorf("购买次数需要玩家地址")
	}
	if quantity <= 0 {
		return models.PlayBalance{}, fmt.Errorf("购买数量必须为正数: %d", quantity)
	}

	lock := l.playerLock(playerAddress)
	lock.Lock()
	defer lock.Unlock()

	current, err := l.loadLocked(playerAddress)
	if err != nil {
		return models.PlayBalance{}, err
	}

	updated := *current
	updated.FreePlays += quantity
	if err := l.saveLocked(playerAddress, &updated); err != nil {
		return models.PlayBalance{}, err
	}
	l.logLedger(playerAddress, "purchase", fmt.Sprintf("购买 %d 次，余额 %d", quantity, updated.FreePlays))
	return updated, nil
}

// GamesUntilReward 距离下一次奖励还需完成的局数
func (l *Ledger) GamesUntilReward(playerAddress string) (int, error) {
	balance, err := l.Balance(playerAddress)
	if err != nil {
		return 0, err
	}
	remaining := GamesPerReward - (balance.TotalGamesPlayed - balance.LastRewardGame)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *Ledger) logLedger(playerAddress, action, details string) {
	if l.logger != nil {
		l.logger.LogLedgerAction(playerAddress, action, details)
	}
}
