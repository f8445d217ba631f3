package storage

import (
	"database/sql"
	"time"

	"grid-engine-go/internal/models"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // 纯 Go 的 sqlite 驱动
)

// InitDB 打开每日日志数据库并建表; ":memory:" 用于测试
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// 内存库每个连接都是独立的数据库
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if err = createTables(db); err != nil {
		return nil, errors.Wrap(err, "failed to create tables")
	}
	return db, nil
}

// createTables creates the daily log table if it doesn't exist.
func createTables(db *sql.DB) error {
	// 每个交易对每个 UTC 日一行, record 保存完整的 JSON 记录
	queries := []string{
		`CREATE TABLE IF NOT EXISTS daily_log (
			date TEXT NOT NULL,
			symbol TEXT NOT NULL,
			trades INTEGER NOT NULL,
			realized_pnl TEXT NOT NULL,
			recommendation TEXT NOT NULL,
			record TEXT NOT NULL,
			generated_at INTEGER NOT NULL,
			PRIMARY KEY (symbol, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_log_date ON daily_log(date DESC)`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// SaveDailyRecord 写入或覆盖某日的记录
func SaveDailyRecord(db *sql.DB, rec *models.DailyRecord) error {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal daily record")
	}
	_, err = db.Exec(`
	INSERT INTO daily_log (date, symbol, trades, realized_pnl, recommendation, record, generated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol, date) DO UPDATE SET
		trades = excluded.trades,
		realized_pnl = excluded.realized_pnl,
		recommendation = excluded.recommendation,
		record = excluded.record,
		generated_at = excluded.generated_at`,
		rec.Date, rec.Symbol, rec.Daily.Trades, rec.Daily.RealizedPnL.String(),
		string(rec.Recommendation), string(data), rec.GeneratedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save daily record %s %s", rec.Symbol, rec.Date)
	}
	return nil
}

// GetDailyRecord 读取某日记录, 不存在时返回 (nil, nil)
func GetDailyRecord(db *sql.DB, symbol, date string) (*models.DailyRecord, error) {
	var data string
	err := db.QueryRow(`SELECT record FROM daily_log WHERE symbol = ? AND date = ?`, symbol, date).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query daily record %s %s", symbol, date)
	}
	return decodeRecord(data)
}

// ListDailyRecords 按日期升序返回 [from, to] 区间内的记录, 空字符串表示不限
func ListDailyRecords(db *sql.DB, symbol, from, to string) ([]models.DailyRecord, error) {
	if from == "" {
		from = "0000-00-00"
	}
	if to == "" {
		to = "9999-99-99"
	}
	rows, err := db.Query(`
	SELECT record FROM daily_log
	WHERE symbol = ? AND date >= ? AND date <= ?
	ORDER BY date ASC`, symbol, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query daily records")
	}
	defer rows.Close()

	var out []models.DailyRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "failed to scan daily record")
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteBefore 删除早于 date 的记录, 返回删除的行数
func DeleteBefore(db *sql.DB, symbol, date string) (int64, error) {
	res, err := db.Exec(`DELETE FROM daily_log WHERE symbol = ? AND date < ?`, symbol, date)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune daily log")
	}
	return res.RowsAffected()
}

// LastGenerated 返回该交易对最近一次写入的时间
func LastGenerated(db *sql.DB, symbol string) (time.Time, error) {
	var ms sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(generated_at) FROM daily_log WHERE symbol = ?`, symbol).Scan(&ms); err != nil {
		return time.Time{}, errors.Wrap(err, "failed to query last generated")
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), nil
}

func decodeRecord(data string) (*models.DailyRecord, error) {
	var rec models.DailyRecord
	if err := sonic.UnmarshalString(data, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode daily record")
	}
	return &rec, nil
}
