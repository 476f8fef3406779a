// Package archive persists committed voice turns to Postgres. It is
// optional: sessions run fine without it, and archive failures never
// surface to the client.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/voicewire/voicewire/pkg/core"
	"github.com/voicewire/voicewire/pkg/gateway/live/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store writes turn records through a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to databaseURL, runs pending migrations, and returns a
// ready Store. Connecting retries with exponential backoff so the server
// survives a database that is still starting up.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, core.NewProviderError("archive", err)
	}

	backoff := retry.WithMaxRetries(4, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("archive ping failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, core.NewProviderError("archive", err)
	}

	if err := migrate(databaseURL); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("turn archive connected")
	return &Store{pool: pool, logger: logger}, nil
}

func migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return core.NewProviderError("archive", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return core.NewProviderError("archive", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return core.NewProviderError("archive", err)
	}
	return nil
}

// ArchiveTurn inserts one committed turn. Implements session.Archiver.
func (s *Store) ArchiveTurn(ctx context.Context, rec session.TurnRecord) error {
	const q = `
		INSERT INTO voice_turns (
			session_id, turn_id, user_text, assistant_text,
			listening_ms, thinking_ms, speaking_ms,
			llm_first_token_ms, tts_first_audio_ms, e2e_latency_ms,
			llm_tokens, tool_calls, tts_audio_chunks, tts_est_duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	m := rec.Metrics
	_, err := s.pool.Exec(ctx, q,
		rec.SessionID, rec.TurnID, rec.UserText, rec.AssistantText,
		m.ListeningDurationMS, m.ThinkingMS, m.SpeakingMS,
		m.LLMFirstTokenMS, m.TTSFirstAudioMS, m.E2ELatencyMS,
		m.LLMTokens, m.ToolCalls, m.TTSAudioChunks, m.TTSEstDurationMS,
	)
	if err != nil {
		return core.NewProviderError("archive", err)
	}
	return nil
}

// TurnCount reports the number of archived turns for a session.
func (s *Store) TurnCount(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM voice_turns WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, core.NewProviderError("archive", err)
	}
	return n, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
