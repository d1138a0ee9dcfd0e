package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/koopa0/quiz-room/pkg/errors"
)

// pgUniqueViolation PostgreSQL 唯一約束違反的錯誤碼
const pgUniqueViolation = "23505"

// PostgresStore 以 PostgreSQL 實作的持久層
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 創建 PostgreSQL 持久層
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}
}

// NewPool 依配置建立連接池並驗證連線
func NewPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	if cfg.Postgres.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Postgres.MaxConns
	}
	if cfg.Postgres.MinConns > 0 {
		poolCfg.MinConns = cfg.Postgres.MinConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// classify 將 pgx 錯誤轉換成應用錯誤
func classify(err error, notFound *apperrors.AppError, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "player name already taken in room")
	}

	return apperrors.Wrap(err, apperrors.ErrCodeUpstream, op)
}

const playerColumns = `player_id, room_code, player_name, score, status, is_host, connection_id, created_at`

func scanPlayer(row pgx.Row) (*Player, error) {
	var (
		p      Player
		status string
		connID pgtype.Text
	)
	if err := row.Scan(&p.ID, &p.RoomCode, &p.Name, &p.Score, &status, &p.IsHost, &connID, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = PlayerStatus(status)
	if connID.Valid {
		p.ConnectionID = connID.String
	}
	return &p, nil
}

func (s *PostgresStore) FindPlayerByName(ctx context.Context, roomCode, name string) (*Player, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE room_code = $1 AND player_name = $2`,
		roomCode, name)

	p, err := scanPlayer(row)
	if err != nil {
		return nil, classify(err, apperrors.ErrPlayerNotFound, "find player by name")
	}
	return p, nil
}

func (s *PostgresStore) FindPlayerByID(ctx context.Context, playerID string) (*Player, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE player_id = $1`,
		playerID)

	p, err := scanPlayer(row)
	if err != nil {
		return nil, classify(err, apperrors.ErrPlayerNotFound, "find player by id")
	}
	return p, nil
}

func (s *PostgresStore) ListPlayers(ctx context.Context, roomCode string, onlineOnly bool) ([]*Player, error) {
	query := `SELECT ` + playerColumns + ` FROM players WHERE room_code = $1`
	args := []any{roomCode}
	if onlineOnly {
		query += ` AND status = $2`
		args = append(args, string(StatusOnline))
	}
	query += ` ORDER BY created_at, player_name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, apperrors.ErrPlayerNotFound, "list players")
	}
	defer rows.Close()

	var players []*Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, classify(err, apperrors.ErrPlayerNotFound, "scan player")
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, apperrors.ErrPlayerNotFound, "list players")
	}
	return players, nil
}

func (s *PostgresStore) CreatePlayer(ctx context.Context, p *Player) error {
	status := p.Status
	if status == "" {
		status = StatusOffline
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO players (player_id, room_code, player_name, score, status, is_host)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		p.ID, p.RoomCode, p.Name, p.Score, string(status), p.IsHost,
	).Scan(&p.CreatedAt)
	if err != nil {
		return classify(err, apperrors.ErrPlayerNotFound, "create player")
	}
	p.Status = status
	return nil
}

func (s *PostgresStore) MarkOnline(ctx context.Context, playerID, connectionID string, asHost bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE players
		 SET status = 'online', connection_id = $2, is_host = is_host OR $3, updated_at = NOW()
		 WHERE player_id = $1`,
		playerID, connectionID, asHost)
	if err != nil {
		return classify(err, apperrors.ErrPlayerNotFound, "mark online")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrPlayerNotFound
	}
	return nil
}

func (s *PostgresStore) MarkOffline(ctx context.Context, playerID, connectionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE players
		 SET status = 'offline', connection_id = NULL, updated_at = NOW()
		 WHERE player_id = $1 AND connection_id = $2`,
		playerID, connectionID)
	if err != nil {
		return false, classify(err, apperrors.ErrPlayerNotFound, "mark offline")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetScore(ctx context.Context, roomCode, name string, score int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE players SET score = $3, updated_at = NOW() WHERE room_code = $1 AND player_name = $2`,
		roomCode, name, score)
	if err != nil {
		return classify(err, apperrors.ErrPlayerNotFound, "set score")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrPlayerNotFound.WithDetails(name)
	}
	return nil
}

func (s *PostgresStore) DeletePlayers(ctx context.Context, roomCode string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM players WHERE room_code = $1`, roomCode)
	if err != nil {
		return 0, classify(err, apperrors.ErrPlayerNotFound, "delete players")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) FindQuizRoom(ctx context.Context, roomCode string) (*QuizRoom, error) {
	var (
		room      QuizRoom
		questions []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT room_code, topic, difficulty, no_questions, host_name, questions, quiz_started, created_at
		 FROM quiz_rooms WHERE room_code = $1`,
		roomCode,
	).Scan(&room.RoomCode, &room.Topic, &room.Difficulty, &room.NoQuestions, &room.HostName,
		&questions, &room.QuizStarted, &room.CreatedAt)
	if err != nil {
		return nil, classify(err, apperrors.ErrRoomNotFound, "find room")
	}

	if err := json.Unmarshal(questions, &room.Questions); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstream, "decode questions")
	}
	return &room, nil
}

func (s *PostgresStore) CreateQuizRoom(ctx context.Context, room *QuizRoom) error {
	questions := room.Questions
	if questions == nil {
		questions = []Question{}
	}
	payload, err := json.Marshal(questions)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "encode questions")
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO quiz_rooms (room_code, topic, difficulty, no_questions, host_name, questions, quiz_started)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		room.RoomCode, room.Topic, room.Difficulty, room.NoQuestions, room.HostName, payload, room.QuizStarted,
	).Scan(&room.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return apperrors.Wrap(err, apperrors.ErrCodeConflict, "room code already exists")
		}
		return classify(err, apperrors.ErrRoomNotFound, "create room")
	}
	return nil
}

func (s *PostgresStore) SetQuizStarted(ctx context.Context, roomCode string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE quiz_rooms SET quiz_started = TRUE WHERE room_code = $1`, roomCode)
	if err != nil {
		return classify(err, apperrors.ErrRoomNotFound, "start quiz")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrRoomNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteQuizRoom(ctx context.Context, roomCode string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quiz_rooms WHERE room_code = $1`, roomCode)
	if err != nil {
		return classify(err, apperrors.ErrRoomNotFound, "delete room")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrRoomNotFound
	}
	return nil
}

// PurgeExpired 在同一個交易中刪除過期的玩家與房間
func (s *PostgresStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classify(err, apperrors.ErrRoomNotFound, "begin purge")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	players, err := tx.Exec(ctx, `DELETE FROM players WHERE created_at < $1`, before)
	if err != nil {
		return 0, classify(err, apperrors.ErrRoomNotFound, "purge players")
	}
	rooms, err := tx.Exec(ctx, `DELETE FROM quiz_rooms WHERE created_at < $1`, before)
	if err != nil {
		return 0, classify(err, apperrors.ErrRoomNotFound, "purge rooms")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify(err, apperrors.ErrRoomNotFound, "commit purge")
	}

	s.logger.Debug("purged expired records",
		"players", players.RowsAffected(),
		"rooms", rooms.RowsAffected())
	return players.RowsAffected() + rooms.RowsAffected(), nil
}

// Ping 檢查資料庫連線
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUpstream, "ping postgres")
	}
	return nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
