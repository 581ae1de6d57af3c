package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mudler/LocalDesk/core/types"
	models "github.com/mudler/LocalDesk/dbmodels"
)

// Stores bundles the gorm-backed implementations of the collaborator
// interfaces the orchestrator consumes.
type Stores struct {
	Sessions      types.SessionStore
	Messages      types.MessageStore
	Notifications types.NotificationStore
	Providers     types.ProviderConfigStore
	Rules         types.RuleStore
}

func NewStores(gdb *gorm.DB) *Stores {
	return &Stores{
		Sessions:      &sessionStore{db: gdb},
		Messages:      &messageStore{db: gdb},
		Notifications: &notificationStore{db: gdb},
		Providers:     &providerConfigStore{db: gdb},
		Rules:         &ruleStore{db: gdb},
	}
}

type sessionStore struct {
	db *gorm.DB
}

func (s *sessionStore) Get(ctx context.Context, id string) (*types.Session, error) {
	var row models.Session
	err := s.db.WithContext(ctx).First(&row, "ID = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{}
	if row.Metadata != "" {
		_ = json.Unmarshal([]byte(row.Metadata), &metadata)
	}

	return &types.Session{
		ID:              row.ID,
		Status:          types.SessionStatus(row.Status),
		AssignedAgentID: row.AssignedAgentID,
		AIPaused:        row.AIPaused,
		Resolution:      row.Resolution,
		Metadata:        metadata,
		StartedAt:       row.StartedAt,
		LastActivityAt:  row.LastActivityAt,
	}, nil
}

func (s *sessionStore) Create(ctx context.Context, sess *types.Session) error {
	metadata := ""
	if len(sess.Metadata) > 0 {
		data, err := json.Marshal(sess.Metadata)
		if err == nil {
			metadata = string(data)
		}
	}

	return s.db.WithContext(ctx).Create(&models.Session{
		ID:              sess.ID,
		Status:          string(sess.Status),
		AssignedAgentID: sess.AssignedAgentID,
		AIPaused:        sess.AIPaused,
		Resolution:      sess.Resolution,
		Metadata:        metadata,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
	}).Error
}

// sessionColumns maps the narrow interface's field names onto the
// camelCase-preserving column names.
var sessionColumns = map[string]string{
	"status":          "Status",
	"assignedAgentId": "AssignedAgentID",
	"aiPaused":        "AIPaused",
	"resolution":      "Resolution",
	"metadata":        "Metadata",
	"lastActivityAt":  "LastActivityAt",
}

func (s *sessionStore) Update(ctx context.Context, id string, fields map[string]any) error {
	updates := map[string]any{}
	for k, v := range fields {
		column, ok := sessionColumns[k]
		if !ok {
			return fmt.Errorf("unknown session field %q", k)
		}
		if k == "metadata" {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			v = string(data)
		}
		updates[column] = v
	}

	return s.db.WithContext(ctx).Model(&models.Session{}).Where("ID = ?", id).Updates(updates).Error
}

type messageStore struct {
	db *gorm.DB
}

func (s *messageStore) Append(ctx context.Context, msg *types.Message) error {
	id, err := uuid.Parse(msg.ID)
	if err != nil {
		id = uuid.New()
	}

	suggestions := ""
	if len(msg.Suggestions) > 0 {
		data, err := json.Marshal(msg.Suggestions)
		if err == nil {
			suggestions = string(data)
		}
	}

	return s.db.WithContext(ctx).Create(&models.Message{
		ID:            id,
		SessionID:     msg.SessionID,
		Sender:        string(msg.Sender),
		Content:       msg.Text,
		AttachmentRef: msg.AttachmentRef,
		Suggestions:   suggestions,
		Confidence:    msg.Confidence,
		Visibility:    string(msg.Visibility),
		CreatedAt:     msg.CreatedAt,
	}).Error
}

type notificationStore struct {
	db *gorm.DB
}

func (s *notificationStore) Create(ctx context.Context, n *types.Notification) error {
	id, err := uuid.Parse(n.ID)
	if err != nil {
		id = uuid.New()
	}

	return s.db.WithContext(ctx).Create(&models.Notification{
		ID:           id,
		Type:         string(n.Type),
		Content:      n.Content,
		SessionID:    n.SessionID,
		TargetUserID: n.TargetUserID,
		IsRead:       n.IsRead,
		CreatedAt:    n.CreatedAt,
	}).Error
}

type providerConfigStore struct {
	db *gorm.DB
}

func (s *providerConfigStore) GetActive(ctx context.Context) (*types.ProviderConfig, error) {
	var row models.ProviderConfig
	err := s.db.WithContext(ctx).First(&row, "IsActive = ?", true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no active provider configured")
	}
	if err != nil {
		return nil, err
	}

	return &types.ProviderConfig{
		ID:           row.ID,
		Provider:     row.Provider,
		Model:        row.Model,
		APIKey:       row.APIKey,
		BaseURL:      row.BaseURL,
		IsActive:     row.IsActive,
		HealthStatus: types.HealthStatus(row.HealthStatus),
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

func (s *providerConfigStore) UpdateHealth(ctx context.Context, id string, status types.HealthStatus) error {
	// UpdateColumn on purpose: a health flip must not move UpdatedAt,
	// which the registry uses as the client-rebuild marker.
	return s.db.WithContext(ctx).Model(&models.ProviderConfig{}).Where("ID = ?", id).
		UpdateColumn("HealthStatus", string(status)).Error
}

// SeedProvider inserts a provider configuration if none is active yet,
// used to bootstrap a fresh install from the environment.
func SeedProvider(gdb *gorm.DB, provider, model, apiKey, baseURL string) error {
	var count int64
	if err := gdb.Model(&models.ProviderConfig{}).Where("IsActive = ?", true).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return gdb.Create(&models.ProviderConfig{
		ID:           uuid.NewString(),
		Provider:     provider,
		Model:        model,
		APIKey:       apiKey,
		BaseURL:      baseURL,
		IsActive:     true,
		HealthStatus: string(types.HealthOK),
		UpdatedAt:    time.Now(),
	}).Error
}

type ruleStore struct {
	db *gorm.DB
}

func (s *ruleStore) ListRules(ctx context.Context) ([]types.AutoReplyRule, error) {
	var rows []models.AutoReplyRule
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	rules := make([]types.AutoReplyRule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, types.AutoReplyRule{
			Trigger:   r.Trigger,
			MatchType: types.MatchType(r.MatchType),
			Content:   r.Content,
		})
	}
	return rules, nil
}
