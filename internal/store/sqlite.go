package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	_ "modernc.org/sqlite"

	"github.com/rpay/apipod-smart-proxy/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	default_target_url TEXT NOT NULL DEFAULT '',
	log_enabled INTEGER NOT NULL DEFAULT 1,
	max_body_size INTEGER NOT NULL DEFAULT 52428800,
	ai_detection_enabled INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS routing_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	match_type TEXT NOT NULL,
	match_pattern TEXT NOT NULL DEFAULT '',
	match_header TEXT NOT NULL DEFAULT '',
	target_url TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pricing_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL DEFAULT '',
	model_pattern TEXT NOT NULL,
	input_price_per_million INTEGER NOT NULL DEFAULT 0,
	output_price_per_million INTEGER NOT NULL DEFAULT 0,
	UNIQUE(provider, model_pattern)
);

CREATE TABLE IF NOT EXISTS request_records (
	id TEXT PRIMARY KEY,
	method TEXT NOT NULL,
	original_url TEXT NOT NULL,
	path TEXT NOT NULL,
	query_json TEXT NOT NULL DEFAULT '{}',
	headers_json TEXT NOT NULL DEFAULT '{}',
	body TEXT,
	body_truncated INTEGER NOT NULL DEFAULT 0,
	body_raw_size INTEGER NOT NULL DEFAULT 0,
	target_url TEXT NOT NULL DEFAULT '',
	route_source TEXT NOT NULL,
	matched_rule_id TEXT,
	status_code INTEGER,
	response_headers_json TEXT,
	response_body TEXT,
	response_truncated INTEGER NOT NULL DEFAULT 0,
	response_raw_size INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	is_ai_request INTEGER NOT NULL DEFAULT 0,
	ai_request_id TEXT,
	error TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_request_records_created_at ON request_records(created_at);

CREATE TABLE IF NOT EXISTS ai_records (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	model TEXT,
	streaming INTEGER NOT NULL DEFAULT 0,
	messages_json TEXT NOT NULL DEFAULT '[]',
	system_prompt TEXT,
	user_messages_json TEXT NOT NULL DEFAULT '[]',
	assistant_response TEXT,
	has_tool_calls INTEGER NOT NULL DEFAULT 0,
	tool_call_count INTEGER NOT NULL DEFAULT 0,
	tool_names_json TEXT NOT NULL DEFAULT '[]',
	full_request TEXT NOT NULL DEFAULT '{}',
	full_response TEXT NOT NULL DEFAULT '{}',
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	total_tokens INTEGER,
	input_micros INTEGER NOT NULL DEFAULT 0,
	output_micros INTEGER NOT NULL DEFAULT 0,
	total_micros INTEGER NOT NULL DEFAULT 0,
	time_to_first_token_ms INTEGER,
	total_duration_ms INTEGER NOT NULL DEFAULT 0,
	generation_id TEXT,
	enriched INTEGER NOT NULL DEFAULT 0,
	enriched_at INTEGER,
	openrouter_provider_name TEXT,
	upstream_id TEXT,
	total_cost_usd REAL,
	cache_discount REAL,
	latency REAL,
	generation_time REAL,
	moderation_latency REAL,
	native_prompt_tokens INTEGER,
	native_completion_tokens INTEGER,
	native_reasoning_tokens INTEGER,
	native_cached_tokens INTEGER,
	finish_reason TEXT,
	is_byok INTEGER,
	raw_generation_json TEXT,
	context_window INTEGER,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ai_records_request_id ON ai_records(request_id);
`

// SQLiteStore implements Store on top of modernc.org/sqlite, following
// the teacher's connection/WAL/schema-init idiom.
type SQLiteStore struct {
	conn *sql.DB
}

// Open creates (or reuses) a sqlite database file at path, enabling WAL
// mode and initializing the schema, mirroring the teacher's
// database.New. targetURLSeed is written into config.default_target_url
// only on first boot (spec §6: "seed value for default target on first
// boot only") — an existing config row is left untouched.
func Open(path, targetURLSeed string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.initSchema(targetURLSeed); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(targetURLSeed string) error {
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := s.conn.Exec(
		`INSERT OR IGNORE INTO config (id, default_target_url) VALUES (1, ?)`,
		targetURLSeed,
	); err != nil {
		return fmt.Errorf("failed to seed config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func jsonOf(v interface{}) string {
	out, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(out)
}

func (s *SQLiteStore) InsertRequestRecord(ctx context.Context, r *model.RequestRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO request_records (
			id, method, original_url, path, query_json, headers_json, body,
			body_truncated, body_raw_size, target_url, route_source,
			matched_rule_id, is_ai_request, ai_request_id, error, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Method, r.OriginalURL, r.Path, jsonOf(r.Query), jsonOf(r.Headers),
		r.Body, r.BodyTruncated, r.BodyRawSize, r.TargetURL, string(r.RouteSource),
		r.MatchedRuleID, r.IsAiRequest, r.AiRequestID, r.Error, r.CreatedAt.Unix(),
	)
	return err
}

func (s *SQLiteStore) UpdateRequestRecord(ctx context.Context, id string, patch RequestRecordPatch) error {
	var sets []string
	var args []interface{}

	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.StatusCode != nil {
		add("status_code", *patch.StatusCode)
	}
	if patch.ResponseHeaders != nil {
		add("response_headers_json", jsonOf(patch.ResponseHeaders))
	}
	if patch.ResponseBody != nil {
		add("response_body", *patch.ResponseBody)
	}
	if patch.ResponseTruncated != nil {
		add("response_truncated", *patch.ResponseTruncated)
	}
	if patch.ResponseRawSize != nil {
		add("response_raw_size", *patch.ResponseRawSize)
	}
	if patch.DurationMs != nil {
		add("duration_ms", *patch.DurationMs)
	}
	if patch.IsAiRequest != nil {
		add("is_ai_request", *patch.IsAiRequest)
	}
	if patch.AiRequestID != nil {
		add("ai_request_id", *patch.AiRequestID)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE request_records SET %s WHERE id = ?", strings.Join(sets, ", "))
	_, err := s.conn.ExecContext(ctx, q, args...)
	return err
}

func (s *SQLiteStore) InsertAIRecordAndLink(ctx context.Context, a *model.AiRecord) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ai_records (
			id, request_id, provider, endpoint, model, streaming, messages_json,
			system_prompt, user_messages_json, assistant_response, has_tool_calls,
			tool_call_count, tool_names_json, full_request, full_response,
			prompt_tokens, completion_tokens, total_tokens, input_micros,
			output_micros, total_micros, time_to_first_token_ms, total_duration_ms,
			generation_id, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RequestID, string(a.Provider), a.Endpoint, a.Model, a.Streaming,
		jsonOf(a.Messages), a.SystemPrompt, jsonOf(a.UserMessages), a.AssistantResponse,
		a.HasToolCalls, a.ToolCallCount, jsonOf(a.ToolNames), a.FullRequest, a.FullResponse,
		a.PromptTokens, a.CompletionTokens, a.TotalTokens, a.Cost.InputMicros,
		a.Cost.OutputMicros, a.Cost.TotalMicros, a.TimeToFirstTokenMs, a.TotalDurationMs,
		a.GenerationID, a.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE request_records SET is_ai_request = 1, ai_request_id = ? WHERE id = ?`,
		a.ID, a.RequestID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateAIRecord(ctx context.Context, id string, patch AIRecordPatch) error {
	var sets []string
	var args []interface{}

	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Enriched != nil {
		add("enriched", *patch.Enriched)
	}
	if patch.EnrichedAt != nil {
		add("enriched_at", *patch.EnrichedAt)
	}
	if patch.OpenRouterProviderName != nil {
		add("openrouter_provider_name", *patch.OpenRouterProviderName)
	}
	if patch.UpstreamID != nil {
		add("upstream_id", *patch.UpstreamID)
	}
	if patch.TotalCostUSD != nil {
		add("total_cost_usd", *patch.TotalCostUSD)
	}
	if patch.TotalCostMicros != nil {
		add("total_micros", *patch.TotalCostMicros)
	}
	if patch.CacheDiscount != nil {
		add("cache_discount", *patch.CacheDiscount)
	}
	if patch.Latency != nil {
		add("latency", *patch.Latency)
	}
	if patch.GenerationTime != nil {
		add("generation_time", *patch.GenerationTime)
	}
	if patch.ModerationLatency != nil {
		add("moderation_latency", *patch.ModerationLatency)
	}
	if patch.PromptTokens != nil {
		add("prompt_tokens", *patch.PromptTokens)
	}
	if patch.CompletionTokens != nil {
		add("completion_tokens", *patch.CompletionTokens)
	}
	if patch.TotalTokens != nil {
		add("total_tokens", *patch.TotalTokens)
	}
	if patch.NativePromptTokens != nil {
		add("native_prompt_tokens", *patch.NativePromptTokens)
	}
	if patch.NativeCompletionTokens != nil {
		add("native_completion_tokens", *patch.NativeCompletionTokens)
	}
	if patch.NativeReasoningTokens != nil {
		add("native_reasoning_tokens", *patch.NativeReasoningTokens)
	}
	if patch.NativeCachedTokens != nil {
		add("native_cached_tokens", *patch.NativeCachedTokens)
	}
	if patch.FinishReason != nil {
		add("finish_reason", *patch.FinishReason)
	}
	if patch.IsBYOK != nil {
		add("is_byok", *patch.IsBYOK)
	}
	if patch.RawGenerationJSON != nil {
		add("raw_generation_json", *patch.RawGenerationJSON)
	}
	if patch.ContextWindow != nil {
		add("context_window", *patch.ContextWindow)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE ai_records SET %s WHERE id = ?", strings.Join(sets, ", "))
	_, err := s.conn.ExecContext(ctx, q, args...)
	return err
}

func (s *SQLiteStore) ListEnabledRoutingRules(ctx context.Context) ([]model.RoutingRule, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, name, priority, enabled, match_type, match_pattern, match_header, target_url
		FROM routing_rules WHERE enabled = 1 ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RoutingRule
	for rows.Next() {
		var r model.RoutingRule
		var enabled int
		var matchType string
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &enabled, &matchType,
			&r.MatchPattern, &r.MatchHeader, &r.TargetURL); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.MatchType = model.MatchType(matchType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadConfig(ctx context.Context) (model.Config, error) {
	var c model.Config
	var updatedAt int64
	var logEnabled, aiEnabled int
	err := s.conn.QueryRowContext(ctx, `
		SELECT default_target_url, log_enabled, max_body_size, ai_detection_enabled,
			COALESCE(CAST(strftime('%s', updated_at) AS INTEGER), 0)
		FROM config WHERE id = 1`).Scan(&c.DefaultTargetURL, &logEnabled, &c.MaxBodySize, &aiEnabled, &updatedAt)
	if err == sql.ErrNoRows {
		return model.Config{MaxBodySize: 50 * 1024 * 1024, LogEnabled: true, AiDetectionEnabled: true}, nil
	}
	if err != nil {
		return model.Config{}, err
	}
	c.LogEnabled = logEnabled != 0
	c.AiDetectionEnabled = aiEnabled != 0
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return c, nil
}

func (s *SQLiteStore) ListPricingEntries(ctx context.Context, provider string) ([]model.PricingEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, provider, model_pattern, input_price_per_million, output_price_per_million
		FROM pricing_entries WHERE provider = ? OR provider = '' ORDER BY id ASC`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PricingEntry
	for rows.Next() {
		var p model.PricingEntry
		if err := rows.Scan(&p.ID, &p.Provider, &p.ModelPattern, &p.InputPricePerMillion, &p.OutputPricePerMillion); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoffUnix int64) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ai_records WHERE request_id IN (
			SELECT id FROM request_records WHERE created_at < ?
		)`, cutoffUnix); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM request_records WHERE created_at < ?`, cutoffUnix)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *SQLiteStore) RedactHeadersOlderThan(ctx context.Context, cutoffUnix int64, sensitiveHeaders []string) (int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, headers_json FROM request_records WHERE created_at < ?`, cutoffUnix)
	if err != nil {
		return 0, err
	}

	type pending struct {
		id      string
		headers string
	}
	var candidates []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.headers); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sensitive := make(map[string]bool, len(sensitiveHeaders))
	for _, h := range sensitiveHeaders {
		sensitive[strings.ToLower(h)] = true
	}

	var updated int64
	for _, c := range candidates {
		parsed := gjson.Parse(c.headers)
		if !parsed.IsObject() {
			continue
		}
		rewritten := c.headers
		changed := false
		parsed.ForEach(func(key, value gjson.Result) bool {
			if sensitive[strings.ToLower(key.String())] && value.String() != "[REDACTED]" {
				if next, err := sjson.Set(rewritten, key.String(), "[REDACTED]"); err == nil {
					rewritten = next
					changed = true
				}
			}
			return true
		})
		if !changed {
			continue
		}
		if _, err := s.conn.ExecContext(ctx,
			`UPDATE request_records SET headers_json = ? WHERE id = ?`, rewritten, c.id); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}
