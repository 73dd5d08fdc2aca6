package ledger

import (
	"errors"
	"fmt"
	"testing"

	"apein-client/internal/models"
)

// memoryStore 内存版余额存储
type memoryStore struct {
	balances map[string]models.PlayBalance
	saveErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{balances: make(map[string]models.PlayBalance)}
}

func (s *memoryStore) GetPlayBalance(playerAddress string) (*models.PlayBalance, error) {
	if balance, ok := s.balances[playerAddress]; ok {
		copied := balance
		return &copied, nil
	}
	return nil, nil
}

func (s *memoryStore) SavePlayBalance(playerAddress string, balance *models.PlayBalance) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.balances[playerAddress] = *balance
	return nil
}

const testAddress = "bc1qtestplayer"

func TestLedgerInitialGrant(t *testing.T) {
	l := NewLedger(newMemoryStore(), nil)

	balance, err := l.Balance(testAddress)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if balance.FreePlays != InitialFreePlays {
		t.Errorf("新玩家应获得 %d 次初始赠送，实际 %d", InitialFreePlays, balance.FreePlays)
	}
}

func TestLedgerConsume(t *testing.T) {
	t.Run("扣除后余额递减且永不为负", func(t *testing.T) {
		l := NewLedger(newMemoryStore(), nil)

		for i := 0; i < InitialFreePlays; i++ {
			if err := l.Consume(testAddress, models.ModeAida); err != nil {
				t.Fatalf("第 %d 次扣除失败: %v", i+1, err)
			}
		}

		err := l.Consume(testAddress, models.ModeAida)
		var insufficient *InsufficientBalance
		if !errors.As(err, &insufficient) {
			t.Fatalf("余额耗尽应返回InsufficientBalance，实际 %v", err)
		}

		balance, _ := l.Balance(testAddress)
		if balance.FreePlays != 0 {
			t.Errorf("失败的扣除不应改变余额，实际 %d", balance.FreePlays)
		}
	})

	t.Run("教程模式不扣费", func(t *testing.T) {
		store := newMemoryStore()
		l := NewLedger(store, nil)

		for i := 0; i < 20; i++ {
			if err := l.Consume(testAddress, models.ModeSandy); err != nil {
				t.Fatalf("教程模式扣除失败: %v", err)
			}
		}

		balance, _ := l.Balance(testAddress)
		if balance.FreePlays != InitialFreePlays {
			t.Errorf("教程模式不应触碰余额，实际 %d", balance.FreePlays)
		}
	})

	t.Run("持久化失败时余额不变", func(t *testing.T) {
		store := newMemoryStore()
		l := NewLedger(store, nil)
		l.Balance(testAddress) // 触发初始化

		store.saveErr = fmt.Errorf("disk full")
		if err := l.Consume(testAddress, models.ModeAida); err == nil {
			t.Fatal("持久化失败应返回错误")
		}
		store.saveErr = nil

		balance, _ := l.Balance(testAddress)
		if balance.FreePlays != InitialFreePlays {
			t.Errorf("写入失败不应改变余额，实际 %d", balance.FreePlays)
		}
	})
}

func TestLedgerRewards(t *testing.T) {
	t.Run("每满十局发放一次奖励", func(t *testing.T) {
		l := NewLedger(newMemoryStore(), nil)

		for i := 1; i <= GamesPerReward-1; i++ {
			rewarded, _, err := l.RecordCompletion(testAddress, models.ModeAida)
			if err != nil {
				t.Fatalf("完成计数失败: %v", err)
			}
			if rewarded {
				t.Errorf("第 %d 局不应发放奖励", i)
			}
		}

		rewarded, balance, err := l.RecordCompletion(testAddress, models.ModeAida)
		if err != nil {
			t.Fatalf("完成计数失败: %v", err)
		}
		if !rewarded {
			t.Fatal("第10局应发放奖励")
		}
		if balance.FreePlays != InitialFreePlays+RewardPlays {
			t.Errorf("奖励后余额期望 %d，实际 %d", InitialFreePlays+RewardPlays, balance.FreePlays)
		}
		if balance.LastRewardGame != GamesPerReward {
			t.Errorf("奖励检查点应推进到 %d，实际 %d", GamesPerReward, balance.LastRewardGame)
		}
	})

	t.Run("同一区块绝不重复发放", func(t *testing.T) {
		l := NewLedger(newMemoryStore(), nil)

		rewards := 0
		for i := 0; i < GamesPerReward*3; i++ {
			rewarded, _, _ := l.RecordCompletion(testAddress, models.ModeAida)
			if rewarded {
				rewards++
			}
		}
		if rewards != 3 {
			t.Errorf("30局应发放3次奖励，实际 %d 次", rewards)
		}
	})

	t.Run("教程模式不计入奖励进度", func(t *testing.T) {
		l := NewLedger(newMemoryStore(), nil)

		for i := 0; i < GamesPerReward; i++ {
			rewarded, _, _ := l.RecordCompletion(testAddress, models.ModeSandy)
			if rewarded {
				t.Fatal("教程模式不应发放奖励")
			}
		}

		balance, _ := l.Balance(testAddress)
		if balance.TotalGamesPlayed != 0 {
			t.Errorf("教程模式不应计入完成局数，实际 %d", balance.TotalGamesPlayed)
		}
	})

	t.Run("距离下次奖励的局数", func(t *testing.T) {
		l := NewLedger(newMemoryStore(), nil)

		remaining, _ := l.GamesUntilReward(testAddress)
		if remaining != GamesPerReward {
			t.Errorf("新玩家期望 %d，实际 %d", GamesPerReward, remaining)
		}

		l.RecordCompletion(testAddress, models.ModeAida)
		l.RecordCompletion(testAddress, models.ModeAida)
		remaining, _ = l.GamesUntilReward(testAddress)
		if remaining != GamesPerReward-2 {
			t.Errorf("完成2局后期望 %d，实际 %d", GamesPerReward-2, remaining)
		}
	})
}

func TestLedgerPurchase(t *testing.T) {
	t.Run("购买无条件入账", func(t *testing.T) {
		l := NewLedger(newMemoryStore(), nil)

		balance, err := l.Purchase(testAddress, 25)
		if err != nil {
			t.Fatalf("购买失败: %v", err)
		}
		if balance.FreePlays != InitialFreePlays+25 {
			t.Errorf("购买后余额期望 %d，实际 %d", InitialFreePlays+25, balance.FreePlays)
		}
	})

	t.Run("非法数量被拒绝", func(t *testing.T) {
		l := NewLedger(newMemoryStore(), nil)
		for _, quantity := range []int{0, -5} {
			if _, err := l.Purchase(testAddress, quantity); err == nil {
				t.Errorf("数量 %d 应返回错误", quantity)
			}
		}
	})
}

func TestLedgerCanPlay(t *testing.T) {
	l := NewLedger(newMemoryStore(), nil)

	if !l.CanPlay(testAddress, models.ModeAida) {
		t.Error("有余额的玩家应放行")
	}
	if !l.CanPlay("", models.ModeSandy) {
		t.Error("教程模式无需地址也放行")
	}
	if l.CanPlay("", models.ModeAida) {
		t.Error("排位模式空地址不放行")
	}

	for i := 0; i < InitialFreePlays; i++ {
		l.Consume(testAddress, models.ModeAida)
	}
	if l.CanPlay(testAddress, models.ModeAida) {
		t.Error("余额耗尽后不放行")
	}
}
