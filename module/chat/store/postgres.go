package store

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"deskchat/logger"
	"deskchat/module/chat/model"
	"deskchat/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation  = "23505"
	constraintRoomSeq  = "uk_chat_message_room_seq"
	roomColumns        = "r.id, r.room_type, r.pair_key, r.name, r.last_msg_seq, r.last_msg_content, r.last_msg_at, r.created_at, r.updated_at"
	participantColumns = "room_id, user_id, status, last_read_seq, joined_at, left_at, created_at, updated_at"
	messageColumns     = "id, room_id, message_seq, sender_id, message_type, content, ticket_id, created_at"
)

type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Postgres is the pgxpool-backed Store. The (room_id, message_seq) unique
// constraint backs sequence uniqueness across nodes.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse postgres dsn")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, pcfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "ping postgres")
	}
	return &Postgres{pool: pool}, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (s *Postgres) Close() { s.pool.Close() }

// Migrate applies the embedded schema; every statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return pkgerrors.Wrap(err, "apply chat schema")
		}
	}
	logger.Info("[store] chat schema ready")
	return nil
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *Postgres) CreateRoom(ctx context.Context, room *model.Room, participants []*model.Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "begin create room")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_room (id, room_type, pair_key, name, last_msg_seq, last_msg_content, last_msg_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		room.ID, string(room.RoomType), nullable(room.PairKey), nullable(room.Name),
		room.LastMsgSeq, nullable(room.LastMsgContent), room.LastMsgAt, room.CreatedAt, room.UpdatedAt)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return errs.ErrDuplicateKey.WrapMsg("room already exists", "roomId", room.ID, "pairKey", room.PairKey)
		}
		return pkgerrors.Wrap(err, "insert chat_room")
	}

	batch := &pgx.Batch{}
	for _, p := range participants {
		batch.Queue(
			`INSERT INTO chat_participant (`+participantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.RoomID, p.UserID, string(p.Status), p.LastReadSeq, p.JoinedAt, p.LeftAt, p.CreatedAt, p.UpdatedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return pkgerrors.Wrap(err, "insert chat_participant")
		}
	}
	return pkgerrors.Wrap(tx.Commit(ctx), "commit create room")
}

func scanRoom(row pgx.Row) (*model.Room, error) {
	var (
		r                     model.Room
		roomType              string
		pairKey, name, lastMC *string
	)
	err := row.Scan(&r.ID, &roomType, &pairKey, &name, &r.LastMsgSeq, &lastMC, &r.LastMsgAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.RoomType = model.RoomType(roomType)
	r.PairKey = deref(pairKey)
	r.Name = deref(name)
	r.LastMsgContent = deref(lastMC)
	return &r, nil
}

func (s *Postgres) getRoomBy(ctx context.Context, where string, arg any) (*model.Room, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM chat_room r WHERE `+where, arg)
	r, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrRecordNotFound.WrapMsg("room not found", "by", where, "value", arg)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select chat_room")
	}
	return r, nil
}

func (s *Postgres) GetRoom(ctx context.Context, roomID int64) (*model.Room, error) {
	return s.getRoomBy(ctx, "r.id = $1", roomID)
}

func (s *Postgres) FindDirectRoom(ctx context.Context, pairKey string) (*model.Room, error) {
	return s.getRoomBy(ctx, "r.pair_key = $1", pairKey)
}

func (s *Postgres) ListRoomsForUser(ctx context.Context, userID string) ([]*model.Room, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roomColumns+`
		   FROM chat_room r
		   JOIN chat_participant p ON p.room_id = r.id
		  WHERE p.user_id = $1 AND p.status = $2
		  ORDER BY r.last_msg_at DESC NULLS LAST, r.created_at DESC, r.id DESC`,
		userID, string(model.ParticipantActive))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list rooms for user")
	}
	defer rows.Close()

	out := make([]*model.Room, 0)
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan chat_room")
		}
		out = append(out, r)
	}
	return out, pkgerrors.Wrap(rows.Err(), "iterate chat_room")
}

func scanParticipant(row pgx.Row) (*model.Participant, error) {
	var (
		p      model.Participant
		status string
	)
	if err := row.Scan(&p.RoomID, &p.UserID, &status, &p.LastReadSeq, &p.JoinedAt, &p.LeftAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = model.ParticipantStatus(status)
	return &p, nil
}

func (s *Postgres) GetParticipant(ctx context.Context, roomID int64, userID string) (*model.Participant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM chat_participant WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrRecordNotFound.WrapMsg("participant not found", "roomId", roomID, "userId", userID)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select chat_participant")
	}
	return p, nil
}

func (s *Postgres) ListParticipants(ctx context.Context, roomID int64) ([]*model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM chat_participant WHERE room_id = $1 ORDER BY joined_at, user_id`, roomID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list chat_participant")
	}
	defer rows.Close()

	out := make([]*model.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan chat_participant")
		}
		out = append(out, p)
	}
	return out, pkgerrors.Wrap(rows.Err(), "iterate chat_participant")
}

func (s *Postgres) SaveParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_participant (`+participantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (room_id, user_id) DO UPDATE SET
		     status        = EXCLUDED.status,
		     last_read_seq = GREATEST(chat_participant.last_read_seq, EXCLUDED.last_read_seq),
		     joined_at     = EXCLUDED.joined_at,
		     left_at       = EXCLUDED.left_at,
		     updated_at    = EXCLUDED.updated_at`,
		p.RoomID, p.UserID, string(p.Status), p.LastReadSeq, p.JoinedAt, p.LeftAt, p.CreatedAt, p.UpdatedAt)
	return pkgerrors.Wrap(err, "upsert chat_participant")
}

func (s *Postgres) AdvanceReadSeq(ctx context.Context, roomID int64, userID string, seq int64) (int64, error) {
	var cur int64
	err := s.pool.QueryRow(ctx,
		`UPDATE chat_participant
		    SET last_read_seq = GREATEST(last_read_seq, $3),
		        updated_at = CASE WHEN $3 > last_read_seq THEN now() ELSE updated_at END
		  WHERE room_id = $1 AND user_id = $2
		  RETURNING last_read_seq`, roomID, userID, seq).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.ErrRecordNotFound.WrapMsg("participant not found", "roomId", roomID, "userId", userID)
	}
	if err != nil {
		return 0, pkgerrors.Wrap(err, "advance last_read_seq")
	}
	return cur, nil
}

func (s *Postgres) MaxSeq(ctx context.Context, roomID int64) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(message_seq), 0) FROM chat_message WHERE room_id = $1`, roomID).Scan(&seq)
	return seq, pkgerrors.Wrap(err, "select max message_seq")
}

func (s *Postgres) AppendMessage(ctx context.Context, msg *model.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "begin append message")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_message (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.RoomID, msg.MessageSeq, msg.SenderID, string(msg.MessageType), msg.Content, msg.TicketID, msg.CreatedAt)
	if err != nil {
		if c, ok := uniqueViolation(err); ok && c == constraintRoomSeq {
			return errs.ErrSeqConflict.WrapMsg("seq taken", "roomId", msg.RoomID, "seq", msg.MessageSeq)
		}
		return pkgerrors.Wrap(err, "insert chat_message")
	}

	// 只前进不后退：跨节点时较小的 seq 可能更晚提交
	tag, err := tx.Exec(ctx,
		`UPDATE chat_room
		    SET last_msg_seq = $2, last_msg_content = $3, last_msg_at = $4, updated_at = $4
		  WHERE id = $1 AND last_msg_seq < $2`,
		msg.RoomID, msg.MessageSeq, msg.Content, msg.CreatedAt)
	if err != nil {
		return pkgerrors.Wrap(err, "update chat_room summary")
	}
	if tag.RowsAffected() == 0 {
		logger.Debug("[store] room summary not advanced", zap.Int64("roomId", msg.RoomID), zap.Int64("seq", msg.MessageSeq))
	}
	return pkgerrors.Wrap(tx.Commit(ctx), "commit append message")
}

func (s *Postgres) PageMessages(ctx context.Context, roomID int64, offset, limit int) ([]*model.Message, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chat_message WHERE room_id = $1`, roomID).Scan(&total); err != nil {
		return nil, 0, pkgerrors.Wrap(err, "count chat_message")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM chat_message WHERE room_id = $1
		  ORDER BY message_seq DESC OFFSET $2 LIMIT $3`, roomID, offset, limit)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(err, "page chat_message")
	}
	defer rows.Close()

	out := make([]*model.Message, 0, limit)
	for rows.Next() {
		var (
			m  model.Message
			mt string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.MessageSeq, &m.SenderID, &mt, &m.Content, &m.TicketID, &m.CreatedAt); err != nil {
			return nil, 0, pkgerrors.Wrap(err, "scan chat_message")
		}
		m.MessageType = model.MessageType(mt)
		out = append(out, &m)
	}
	return out, total, pkgerrors.Wrap(rows.Err(), "iterate chat_message")
}
