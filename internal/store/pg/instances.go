package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// PGInstanceConfigStore implements store.InstanceConfigStore backed by Postgres.
type PGInstanceConfigStore struct {
	db *sql.DB
}

func NewPGInstanceConfigStore(db *sql.DB) *PGInstanceConfigStore {
	return &PGInstanceConfigStore{db: db}
}

const instanceCols = `instance_id, system_prompt, model, temperature, max_tokens,
	smart_escalation_enabled, keyword_escalation_enabled, escalation_keywords,
	escalation_message, review_notice_message, support_numbers,
	voice_message_default_response, transcription_enabled, personalities_enabled,
	greeting_detection_enabled, knowledge_file_ids, base_url, api_key, updated_at`

func (s *PGInstanceConfigStore) Get(ctx context.Context, instanceID string) (*store.InstanceConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM instance_configs WHERE instance_id = $1`, instanceID)
	c, err := scanInstance(row.Scan)
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (s *PGInstanceConfigStore) Put(ctx context.Context, c *store.InstanceConfig) error {
	c.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instance_configs (`+instanceCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (instance_id) DO UPDATE SET
		   system_prompt = EXCLUDED.system_prompt, model = EXCLUDED.model,
		   temperature = EXCLUDED.temperature, max_tokens = EXCLUDED.max_tokens,
		   smart_escalation_enabled = EXCLUDED.smart_escalation_enabled,
		   keyword_escalation_enabled = EXCLUDED.keyword_escalation_enabled,
		   escalation_keywords = EXCLUDED.escalation_keywords,
		   escalation_message = EXCLUDED.escalation_message,
		   review_notice_message = EXCLUDED.review_notice_message,
		   support_numbers = EXCLUDED.support_numbers,
		   voice_message_default_response = EXCLUDED.voice_message_default_response,
		   transcription_enabled = EXCLUDED.transcription_enabled,
		   personalities_enabled = EXCLUDED.personalities_enabled,
		   greeting_detection_enabled = EXCLUDED.greeting_detection_enabled,
		   knowledge_file_ids = EXCLUDED.knowledge_file_ids,
		   base_url = EXCLUDED.base_url, api_key = EXCLUDED.api_key,
		   updated_at = EXCLUDED.updated_at`,
		c.InstanceID, c.SystemPrompt, c.Model, c.Temperature, c.MaxTokens,
		c.SmartEscalationEnabled, c.KeywordEscalationEnabled, pq.Array(c.EscalationKeywords),
		c.EscalationMessage, c.ReviewNoticeMessage, pq.Array(c.SupportNumbers),
		c.VoiceMessageDefaultResponse, c.TranscriptionEnabled, c.PersonalitiesEnabled,
		c.GreetingDetectionEnabled, pq.Array(c.KnowledgeFileIDs), c.BaseURL, c.APIKey, c.UpdatedAt,
	)
	return mapErr(err)
}

func (s *PGInstanceConfigStore) List(ctx context.Context) ([]store.InstanceConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceCols+` FROM instance_configs ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.InstanceConfig
	for rows.Next() {
		c, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanInstance(scan func(dest ...any) error) (*store.InstanceConfig, error) {
	var c store.InstanceConfig
	var keywords, numbers, fileIDs []string
	if err := scan(
		&c.InstanceID, &c.SystemPrompt, &c.Model, &c.Temperature, &c.MaxTokens,
		&c.SmartEscalationEnabled, &c.KeywordEscalationEnabled, pq.Array(&keywords),
		&c.EscalationMessage, &c.ReviewNoticeMessage, pq.Array(&numbers),
		&c.VoiceMessageDefaultResponse, &c.TranscriptionEnabled, &c.PersonalitiesEnabled,
		&c.GreetingDetectionEnabled, pq.Array(&fileIDs), &c.BaseURL, &c.APIKey, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.EscalationKeywords = keywords
	c.SupportNumbers = numbers
	c.KnowledgeFileIDs = fileIDs
	return &c, nil
}
