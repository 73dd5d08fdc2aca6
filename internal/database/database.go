package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"apein-client/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn *sql.DB
}

func Init(databaseURL string) (*DB, error) {
	// 优化SQLite连接参数
	conn, err := sql.Open("sqlite3", databaseURL+"?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=memory")
	if err != nil {
		return nil, err
	}

	// 设置连接池参数
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	if err := db.createTables(); err != nil {
		return nil, err
	}

	// 创建索引以提升查询性能
	if err := db.createIndexes(); err != nil {
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS play_balances (
			player_address TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS session_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			player_address TEXT NOT NULL,
			mode TEXT NOT NULL,
			result TEXT NOT NULL,
			player_score INTEGER NOT NULL,
			opponent_score INTEGER NOT NULL,
			run_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// 创建索引以提升查询性能
func (db *DB) createIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_session_results_player ON session_results(player_address)`,
		`CREATE INDEX IF NOT EXISTS idx_session_results_mode ON session_results(mode)`,
		`CREATE INDEX IF NOT EXISTS idx_session_results_created_at ON session_results(created_at)`,
	}

	for _, index := range indexes {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}

	return nil
}

// GetPlayBalance 读取玩家余额记录。
// 记录不存在返回 (nil, nil)；记录损坏同样返回 (nil, nil) 并删除脏行，
// 由账本按新玩家重新初始化，绝不因脏数据崩溃。
func (db *DB) GetPlayBalance(playerAddress string) (*models.PlayBalance, error) {
	var record string
	err := db.conn.QueryRow(
		"SELECT record FROM play_balances WHERE player_address = ?", playerAddress,
	).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询余额记录失败: %w", err)
	}

	var balance models.PlayBalance
	if err := json.Unmarshal([]byte(record), &balance); err != nil {
		db.conn.Exec("DELETE FROM play_balances WHERE player_address = ?", playerAddress)
		return nil, nil
	}
	return &balance, nil
}

// SavePlayBalance 写入玩家余额记录（整条JSON覆盖）
func (db *DB) SavePlayBalance(playerAddress string, balance *models.PlayBalance) error {
	record, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("序列化余额记录失败: %w", err)
	}

	_, err = db.conn.Exec(`
		INSERT INTO play_balances (player_address, record, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(player_address) DO UPDATE SET
			record = excluded.record,
			updated_at = CURRENT_TIMESTAMP`,
		playerAddress, string(record))
	if err != nil {
		return fmt.Errorf("保存余额记录失败: %w", err)
	}
	return nil
}

// RecordSessionResult 追加一条已完成会话的历史记录
func (db *DB) RecordSessionResult(record *models.SessionRecord) error {
	_, err := db.conn.Exec(`
		INSERT INTO session_results (session_id, player_address, mode, result, player_score, opponent_score, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.PlayerAddress, string(record.Mode), string(record.Result),
		record.PlayerScore, record.OpponentScore, record.RunID)
	if err != nil {
		return fmt.Errorf("写入会话历史失败: %w", err)
	}
	return nil
}

// GetRecentResults 查询玩家最近的会话历史
func (db *DB) GetRecentResults(playerAddress string, limit int) ([]*models.SessionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.conn.Query(`
		SELECT id, session_id, player_address, mode, result, player_score, opponent_score, run_id, created_at
		FROM session_results
		WHERE player_address = ?
		ORDER BY created_at DESC
		LIMIT ?`, playerAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("查询会话历史失败: %w", err)
	}
	defer rows.Close()

	var records []*models.SessionRecord
	for rows.Next() {
		record := &models.SessionRecord{}
		var mode, result string
		if err := rows.Scan(&record.ID, &record.SessionID, &record.PlayerAddress, &mode, &result,
			&record.PlayerScore, &record.OpponentScore, &record.RunID, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描会话历史失败: %w", err)
		}
		record.Mode = models.GameMode(mode)
		record.Result = models.GameResult(result)
		records = append(records, record)
	}
	return records, rows.Err()
}

// GetPlayerStats 统计玩家各结果的局数
func (db *DB) GetPlayerStats(playerAddress string) (map[models.GameResult]int, error) {
	rows, err := db.conn.Query(`
		SELECT result, COUNT(*) FROM session_results
		WHERE player_address = ?
		GROUP BY result`, playerAddress)
	if err != nil {
		return nil, fmt.Errorf("查询玩家统计失败: %w", err)
	}
	defer rows.Close()

	stats := make(map[models.GameResult]int)
	for rows.Next() {
		var result string
		var count int
		if err := rows.Scan(&result, &count); err != nil {
			return nil, fmt.Errorf("扫描玩家统计失败: %w", err)
		}
		stats[models.GameResult(result)] = count
	}
	return stats, rows.Err()
}
