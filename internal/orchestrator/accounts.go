package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/events"
	"github.com/stackport/stackport/internal/provider"
	"github.com/stackport/stackport/pkg/crypto"
)

// AccountService manages connected provider accounts. Credentials are
// encrypted at rest with the service secret.
type AccountService struct {
	accounts  accountRepository
	registry  *provider.Registry
	audit     events.AuditSink
	secretKey string
}

type accountRepository interface {
	UpsertProviderAccount(ctx context.Context, account *domain.ProviderAccount) error
	GetProviderAccount(ctx context.Context, teamID, provider string) (*domain.ProviderAccount, error)
	DeleteProviderAccount(ctx context.Context, accountID string) error
}

// NewAccountService constructs an AccountService.
func NewAccountService(accounts accountRepository, registry *provider.Registry, audit events.AuditSink, secretKey string) *AccountService {
	return &AccountService{accounts: accounts, registry: registry, audit: audit, secretKey: secretKey}
}

// Connect verifies credentials against the provider and stores them
// encrypted.
func (s *AccountService) Connect(ctx context.Context, teamID, providerName, actorID string, creds provider.Credentials) (*domain.ProviderAccount, error) {
	adapter, err := s.registry.Resolve(providerName)
	if err != nil {
		return nil, err
	}
	if creds.Token == "" {
		return nil, domain.ValidationError("provider token is required", nil)
	}

	info, err := adapter.ConnectAccount(ctx, creds)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	encrypted, err := crypto.EncryptString(s.secretKey, string(raw))
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	account := &domain.ProviderAccount{
		ID:          uuid.NewString(),
		TeamID:      teamID,
		Provider:    adapter.Name(),
		AccountRef:  info.AccountRef,
		Credentials: encrypted,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.accounts.UpsertProviderAccount(ctx, account); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, domain.AuditFact{
		Action:     "PROVIDER_CONNECTED_" + strings.ToUpper(adapter.Name()),
		ActorID:    actorID,
		EntityID:   account.ID,
		Detail:     map[string]string{"account_ref": info.AccountRef, "team_id": teamID},
		OccurredAt: account.CreatedAt,
	})
	return account, nil
}

// Credentials decrypts a team's stored credentials for a provider.
func (s *AccountService) Credentials(ctx context.Context, teamID, providerName string) (*provider.Credentials, error) {
	account, err := s.accounts.GetProviderAccount(ctx, teamID, providerName)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.DecryptToString(s.secretKey, account.Credentials)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds provider.Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &creds, nil
}

// Disconnect tells the provider to release the account and removes the
// stored credentials.
func (s *AccountService) Disconnect(ctx context.Context, teamID, providerName, actorID string) error {
	adapter, err := s.registry.Resolve(providerName)
	if err != nil {
		return err
	}
	account, err := s.accounts.GetProviderAccount(ctx, teamID, providerName)
	if err != nil {
		return err
	}
	if err := adapter.DisconnectAccount(ctx, account.AccountRef); err != nil {
		return err
	}
	if err := s.accounts.DeleteProviderAccount(ctx, account.ID); err != nil {
		return err
	}

	s.audit.Record(ctx, domain.AuditFact{
		Action:     "PROVIDER_DISCONNECTED_" + strings.ToUpper(adapter.Name()),
		ActorID:    actorID,
		EntityID:   account.ID,
		Detail:     map[string]string{"team_id": teamID},
		OccurredAt: time.Now().UTC(),
	})
	return nil
}
