// Package credentials holds the single active set of DNS provider keys.
package credentials

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/core"
)

const (
	fieldAccessKey = "access_key"
	fieldSecret    = "secret"
)

type Repository interface {
	SaveCredentials(ctx context.Context, c *core.StoredCredentials) error
	// GetActiveCredentials returns nil, nil when nothing is stored.
	GetActiveCredentials(ctx context.Context) (*core.StoredCredentials, error)
	DeleteCredentials(ctx context.Context) error
}

// Validator proves a key pair works before it is stored.
type Validator interface {
	ListZones(ctx context.Context, creds core.Credentials) ([]core.ZoneSummary, error)
}

type Status struct {
	Configured   bool       `json:"configured"`
	Region       string     `json:"region,omitempty"`
	AccessKeyTag string     `json:"access_key_tag,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

type Service struct {
	repo      Repository
	cipher    *Cipher
	validator Validator
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(repo Repository, cipher *Cipher, validator Validator, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		cipher:    cipher,
		validator: validator,
		logger:    logger.With(zap.String("component", "credentials")),
		now:       time.Now,
	}
}

// Save validates the keys against the provider and replaces the active set.
func (s *Service) Save(ctx context.Context, accessKey, secret, region string) (*Status, error) {
	const op = "credentials.save"

	accessKey = strings.TrimSpace(accessKey)
	secret = strings.TrimSpace(secret)
	region = strings.TrimSpace(region)
	if accessKey == "" || secret == "" {
		return nil, core.Validation(op, "access key and secret are required")
	}
	if region == "" {
		region = "us-east-1"
	}

	creds := core.Credentials{AccessKey: accessKey, Secret: secret, Region: region}
	if _, err := s.validator.ListZones(ctx, creds); err != nil {
		return nil, err
	}

	keyEnc, err := s.cipher.Seal(accessKey, fieldAccessKey)
	if err != nil {
		return nil, core.E(core.KindInternal, op, "seal access key", err)
	}
	secretEnc, err := s.cipher.Seal(secret, fieldSecret)
	if err != nil {
		return nil, core.E(core.KindInternal, op, "seal secret", err)
	}

	now := s.now().UTC()
	stored := &core.StoredCredentials{
		ID:           uuid.New().String(),
		AccessKeyEnc: keyEnc,
		SecretEnc:    secretEnc,
		Region:       region,
		AccessKeyTag: tag(accessKey),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.SaveCredentials(ctx, stored); err != nil {
		return nil, core.Storage(op, err)
	}

	s.logger.Info("DNS provider credentials saved",
		zap.String("region", region),
		zap.String("access_key", stored.AccessKeyTag),
	)
	return statusOf(stored), nil
}

// GetActive returns nil, nil when no credentials are configured.
func (s *Service) GetActive(ctx context.Context) (*core.Credentials, error) {
	const op = "credentials.get_active"

	stored, err := s.repo.GetActiveCredentials(ctx)
	if err != nil {
		return nil, core.Storage(op, err)
	}
	if stored == nil {
		return nil, nil
	}

	accessKey, err := s.cipher.Open(stored.AccessKeyEnc, fieldAccessKey)
	if err != nil {
		return nil, core.E(core.KindCredential, op, "stored access key cannot be decrypted", err)
	}
	secret, err := s.cipher.Open(stored.SecretEnc, fieldSecret)
	if err != nil {
		return nil, core.E(core.KindCredential, op, "stored secret cannot be decrypted", err)
	}

	return &core.Credentials{AccessKey: accessKey, Secret: secret, Region: stored.Region}, nil
}

func (s *Service) Status(ctx context.Context) (*Status, error) {
	stored, err := s.repo.GetActiveCredentials(ctx)
	if err != nil {
		return nil, core.Storage("credentials.status", err)
	}
	if stored == nil {
		return &Status{}, nil
	}
	return statusOf(stored), nil
}

func (s *Service) Delete(ctx context.Context) error {
	if err := s.repo.DeleteCredentials(ctx); err != nil {
		return core.Storage("credentials.delete", err)
	}
	s.logger.Info("DNS provider credentials deleted")
	return nil
}

func statusOf(c *core.StoredCredentials) *Status {
	updated := c.UpdatedAt
	return &Status{
		Configured:   true,
		Region:       c.Region,
		AccessKeyTag: c.AccessKeyTag,
		UpdatedAt:    &updated,
	}
}

func tag(accessKey string) string {
	if len(accessKey) <= 4 {
		return "****"
	}
	return "****" + accessKey[len(accessKey)-4:]
}
