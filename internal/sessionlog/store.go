package sessionlog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
)

// 时间戳统一为ISO-8601 UTC，秒精度
const timeLayout = "2006-01-02T15:04:05Z"

// csvColumns CSV导出列序，属于对外契约，不可调整
var csvColumns = []string{
	"session_id", "backend_id", "start_ts", "stop_ts",
	"start_meter_wh", "stop_meter_wh", "energy_wh", "reason",
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	backend_id     TEXT    NOT NULL,
	transaction_id INTEGER NOT NULL DEFAULT 0,
	start_ts       TEXT    NOT NULL,
	stop_ts        TEXT,
	start_meter_wh INTEGER NOT NULL,
	stop_meter_wh  INTEGER,
	energy_wh      INTEGER,
	reason         TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_start_ts ON sessions(start_ts);
`

// Session 一次充电会话
type Session struct {
	SessionID     int64      `json:"session_id"`
	BackendID     string     `json:"backend_id"`
	TransactionID int        `json:"transaction_id"`
	StartTS       time.Time  `json:"start_ts"`
	StopTS        *time.Time `json:"stop_ts,omitempty"`
	StartMeterWh  int64      `json:"start_meter_wh"`
	StopMeterWh   *int64     `json:"stop_meter_wh,omitempty"`
	EnergyWh      *int64     `json:"energy_wh,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Open 会话是否仍在进行
func (s *Session) Open() bool {
	return s.StopTS == nil
}

// Filter 会话查询过滤条件
type Filter struct {
	From      *time.Time
	To        *time.Time
	BackendID string
}

// Store 会话持久化存储。写入由单一goroutine串行执行，
// 成功返回即已落盘。
type Store struct {
	db     *sql.DB
	log    *logger.Logger
	ops    chan func()
	done   chan struct{}
	openID int64 // 当前进行中会话，0表示无
}

// NewStore 打开LOG_DB_PATH处的SQLite库并建表
func NewStore(path string, log *logger.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create session log directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_sync=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session log schema: %w", err)
	}

	s := &Store{
		db:   db,
		log:  log,
		ops:  make(chan func(), 64),
		done: make(chan struct{}),
	}
	if err := s.recoverOpen(); err != nil {
		db.Close()
		return nil, err
	}
	go s.run()
	return s, nil
}

// recoverOpen 重启后找回未关闭的会话
func (s *Store) recoverOpen() error {
	row := s.db.QueryRow(`SELECT session_id FROM sessions WHERE stop_ts IS NULL ORDER BY session_id DESC LIMIT 1`)
	var id int64
	switch err := row.Scan(&id); err {
	case nil:
		s.openID = id
		s.log.Warnf("recovered open session %d from previous run", id)
		return nil
	case sql.ErrNoRows:
		return nil
	default:
		return fmt.Errorf("scan open session: %w", err)
	}
}

func (s *Store) run() {
	defer close(s.done)
	for op := range s.ops {
		op()
	}
}

// Close 停止写入goroutine并关闭数据库
func (s *Store) Close() error {
	close(s.ops)
	<-s.done
	return s.db.Close()
}

// submit 将写操作交给写goroutine并等待完成
func (s *Store) submit(ctx context.Context, op func()) error {
	doneCh := make(chan struct{})
	wrapped := func() {
		op()
		close(doneCh)
	}
	select {
	case s.ops <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenSession 开启新会话，返回代理分配的会话ID。
// 同一时刻至多一个进行中会话，已有会话会先以unknown原因关闭。
func (s *Store) OpenSession(ctx context.Context, backendID string, transactionID int, startMeterWh int64, startTS time.Time) (int64, error) {
	var id int64
	var opErr error
	err := s.submit(ctx, func() {
		if s.openID != 0 {
			s.log.Warnf("session %d still open at new start, force closing", s.openID)
			s.closeLocked(s.openID, startMeterWh, startTS, "unknown")
		}
		res, err := s.db.Exec(
			`INSERT INTO sessions (backend_id, transaction_id, start_ts, start_meter_wh) VALUES (?, ?, ?, ?)`,
			backendID, transactionID, startTS.UTC().Format(timeLayout), startMeterWh,
		)
		if err != nil {
			opErr = errcode.Newf(errcode.LogWriteFailed, "insert session: %v", err)
			return
		}
		id, err = res.LastInsertId()
		if err != nil {
			opErr = errcode.Newf(errcode.LogWriteFailed, "session id: %v", err)
			return
		}
		s.openID = id
	})
	if err != nil {
		return 0, err
	}
	return id, opErr
}

// CloseSession 关闭指定会话并记录电量差
func (s *Store) CloseSession(ctx context.Context, sessionID int64, stopMeterWh int64, stopTS time.Time, reason string) error {
	var opErr error
	err := s.submit(ctx, func() {
		opErr = s.closeLocked(sessionID, stopMeterWh, stopTS, reason)
	})
	if err != nil {
		return err
	}
	return opErr
}

// CloseOpenSession 关闭当前进行中会话，无进行中会话时为空操作
func (s *Store) CloseOpenSession(ctx context.Context, stopMeterWh int64, stopTS time.Time, reason string) error {
	var opErr error
	err := s.submit(ctx, func() {
		if s.openID == 0 {
			return
		}
		opErr = s.closeLocked(s.openID, stopMeterWh, stopTS, reason)
	})
	if err != nil {
		return err
	}
	return opErr
}

// closeLocked 仅在写goroutine内调用
func (s *Store) closeLocked(sessionID int64, stopMeterWh int64, stopTS time.Time, reason string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET stop_ts = ?, stop_meter_wh = ?, energy_wh = MAX(0, ? - start_meter_wh), reason = ? WHERE session_id = ? AND stop_ts IS NULL`,
		stopTS.UTC().Format(timeLayout), stopMeterWh, stopMeterWh, reason, sessionID,
	)
	if err != nil {
		return errcode.Newf(errcode.LogWriteFailed, "close session %d: %v", sessionID, err)
	}
	if s.openID == sessionID {
		s.openID = 0
	}
	return nil
}

// OpenSessionID 当前进行中会话ID，0表示无
func (s *Store) OpenSessionID(ctx context.Context) int64 {
	var id int64
	_ = s.submit(ctx, func() { id = s.openID })
	return id
}

// GetSession 按ID读取单个会话
func (s *Store) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, backend_id, transaction_id, start_ts, stop_ts, start_meter_wh, stop_meter_wh, energy_wh, reason
		 FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanSession(rows)
}

// ListSessions 按过滤条件列出会话，按会话ID升序
func (s *Store) ListSessions(ctx context.Context, f Filter) ([]*Session, error) {
	query := `SELECT session_id, backend_id, transaction_id, start_ts, stop_ts, start_meter_wh, stop_meter_wh, energy_wh, reason FROM sessions WHERE 1=1`
	var args []interface{}
	if f.From != nil {
		query += ` AND start_ts >= ?`
		args = append(args, f.From.UTC().Format(timeLayout))
	}
	if f.To != nil {
		query += ` AND start_ts <= ?`
		args = append(args, f.To.UTC().Format(timeLayout))
	}
	if f.BackendID != "" {
		query += ` AND backend_id = ?`
		args = append(args, f.BackendID)
	}
	query += ` ORDER BY session_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ExportCSV 导出过滤后的会话为CSV，含表头行
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	sessions, err := s.ListSessions(ctx, f)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, sess := range sessions {
		stopTS, stopMeter, energy := "", "", ""
		if sess.StopTS != nil {
			stopTS = sess.StopTS.UTC().Format(timeLayout)
		}
		if sess.StopMeterWh != nil {
			stopMeter = strconv.FormatInt(*sess.StopMeterWh, 10)
		}
		if sess.EnergyWh != nil {
			energy = strconv.FormatInt(*sess.EnergyWh, 10)
		}
		record := []string{
			strconv.FormatInt(sess.SessionID, 10),
			sess.BackendID,
			sess.StartTS.UTC().Format(timeLayout),
			stopTS,
			strconv.FormatInt(sess.StartMeterWh, 10),
			stopMeter,
			energy,
			sess.Reason,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func scanSession(rows *sql.Rows) (*Session, error) {
	var (
		sess      Session
		startTS   string
		stopTS    sql.NullString
		stopMeter sql.NullInt64
		energy    sql.NullInt64
		reason    sql.NullString
	)
	if err := rows.Scan(&sess.SessionID, &sess.BackendID, &sess.TransactionID, &startTS,
		&stopTS, &sess.StartMeterWh, &stopMeter, &energy, &reason); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	start, err := time.Parse(timeLayout, startTS)
	if err != nil {
		return nil, fmt.Errorf("parse start_ts: %w", err)
	}
	sess.StartTS = start
	if stopTS.Valid {
		stop, err := time.Parse(timeLayout, stopTS.String)
		if err != nil {
			return nil, fmt.Errorf("parse stop_ts: %w", err)
		}
		sess.StopTS = &stop
	}
	if stopMeter.Valid {
		sess.StopMeterWh = &stopMeter.Int64
	}
	if energy.Valid {
		sess.EnergyWh = &energy.Int64
	}
	if reason.Valid {
		sess.Reason = reason.String
	}
	return &sess, nil
}
