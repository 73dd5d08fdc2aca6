package database

import (
	"path/filepath"
	"testing"

	"apein-client/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("初始化数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPlayBalanceRoundTrip(t *testing.T) {
	db := newTestDB(t)

	t.Run("缺失记录返回nil", func(t *testing.T) {
		balance, err := db.GetPlayBalance("bc1qnobody")
		if err != nil {
			t.Fatalf("查询失败: %v", err)
		}
		if balance != nil {
			t.Errorf("缺失记录应返回nil，实际 %+v", balance)
		}
	})

	t.Run("保存后读回", func(t *testing.T) {
		want := &models.PlayBalance{FreePlays: 7, TotalGamesPlayed: 23, LastRewardGame: 20}
		if err := db.SavePlayBalance("bc1qplayer", want); err != nil {
			t.Fatalf("保存失败: %v", err)
		}

		got, err := db.GetPlayBalance("bc1qplayer")
		if err != nil {
			t.Fatalf("读回失败: %v", err)
		}
		if got == nil || *got != *want {
			t.Errorf("读回结果期望 %+v，实际 %+v", want, got)
		}
	})

	t.Run("覆盖写入", func(t *testing.T) {
		db.SavePlayBalance("bc1qplayer", &models.PlayBalance{FreePlays: 3})
		db.SavePlayBalance("bc1qplayer", &models.PlayBalance{FreePlays: 9})

		got, _ := db.GetPlayBalance("bc1qplayer")
		if got.FreePlays != 9 {
			t.Errorf("覆盖写入失败，实际 %d", got.FreePlays)
		}
	})

	t.Run("损坏记录按缺失处理", func(t *testing.T) {
		if _, err := db.conn.Exec(
			`INSERT INTO play_balances (player_address, record) VALUES (?, ?)`,
			"bc1qcorrupt", "not-json",
		); err != nil {
			t.Fatalf("写入脏数据失败: %v", err)
		}

		balance, err := db.GetPlayBalance("bc1qcorrupt")
		if err != nil {
			t.Fatalf("损坏记录不应报错: %v", err)
		}
		if balance != nil {
			t.Errorf("损坏记录应按缺失处理，实际 %+v", balance)
		}
	})
}

func TestSessionResults(t *testing.T) {
	db := newTestDB(t)

	records := []*models.SessionRecord{
		{SessionID: "game_1", PlayerAddress: "bc1qplayer", Mode: models.ModeAida, Result: models.ResultWin, PlayerScore: 152, OpponentScore: 90, RunID: "run_1"},
		{SessionID: "game_2", PlayerAddress: "bc1qplayer", Mode: models.ModeNifty, Result: models.ResultLoss, PlayerScore: 60, OpponentScore: 150, RunID: "run_2"},
		{SessionID: "game_3", PlayerAddress: "bc1qplayer", Mode: models.ModeAida, Result: models.ResultWin, PlayerScore: 150, OpponentScore: 120, RunID: "run_3"},
		{SessionID: "game_4", PlayerAddress: "bc1qother", Mode: models.ModeAida, Result: models.ResultDraw, PlayerScore: 70, OpponentScore: 70, RunID: "run_4"},
	}
	for _, record := range records {
		if err := db.RecordSessionResult(record); err != nil {
			t.Fatalf("写入历史失败: %v", err)
		}
	}

	t.Run("按玩家查询历史", func(t *testing.T) {
		got, err := db.GetRecentResults("bc1qplayer", 10)
		if err != nil {
			t.Fatalf("查询历史失败: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("期望3条记录，实际 %d", len(got))
		}
		for _, record := range got {
			if record.PlayerAddress != "bc1qplayer" {
				t.Errorf("历史混入了其他玩家的记录: %+v", record)
			}
		}
	})

	t.Run("limit生效", func(t *testing.T) {
		got, _ := db.GetRecentResults("bc1qplayer", 2)
		if len(got) != 2 {
			t.Errorf("limit=2期望2条，实际 %d", len(got))
		}
	})

	t.Run("战绩统计", func(t *testing.T) {
		stats, err := db.GetPlayerStats("bc1qplayer")
		if err != nil {
			t.Fatalf("统计失败: %v", err)
		}
		if stats[models.ResultWin] != 2 || stats[models.ResultLoss] != 1 {
			t.Errorf("统计错误: %+v", stats)
		}
	})
}
