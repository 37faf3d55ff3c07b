package symbolserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"symbold/pkg/db/models"
)

// TokenAuthenticator accepts the access tokens stored in access_tokens, sent
// as a bearer token or as the password of basic authentication.
type TokenAuthenticator struct {
	orm *gorm.DB
	now func() time.Time
}

func NewTokenAuthenticator(orm *gorm.DB) (*TokenAuthenticator, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &TokenAuthenticator{orm: orm, now: time.Now}, nil
}

// HashToken returns the stored form of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	raw, user := requestToken(r)
	if raw == "" {
		return Principal{}, ErrUnauthenticated
	}

	var token models.AccessToken
	err := a.orm.WithContext(ctx).
		Where("token = ? AND revoked = false", HashToken(raw)).
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, ErrUnauthenticated
	}
	if err != nil {
		return Principal{}, fmt.Errorf("lookup token: %w", err)
	}
	if token.ExpiresAt != nil && a.now().After(*token.ExpiresAt) {
		return Principal{}, ErrUnauthenticated
	}
	if user != "" && !strings.EqualFold(user, token.Principal) {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{ID: token.Principal}, nil
}

func requestToken(r *http.Request) (token, user string) {
	if user, pass, ok := r.BasicAuth(); ok {
		return pass, user
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:]), ""
	}
	return "", ""
}

// IssueToken stores a new token for principal and returns its raw value.
// A zero ttl issues a token that does not expire.
func IssueToken(ctx context.Context, orm *gorm.DB, principal string, ttl time.Duration) (string, error) {
	if principal == "" {
		return "", errors.New("principal is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := hex.EncodeToString(buf)

	row := models.AccessToken{ID: uuid.New(), Principal: principal, Token: HashToken(raw)}
	if ttl > 0 {
		expires := time.Now().Add(ttl).UTC()
		row.ExpiresAt = &expires
	}
	if err := orm.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return raw, nil
}

// GrantChecker answers permission checks from project_grants. A grant on
// project "*" applies to every project.
type GrantChecker struct {
	orm *gorm.DB
}

func NewGrantChecker(orm *gorm.DB) (*GrantChecker, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GrantChecker{orm: orm}, nil
}

func (g *GrantChecker) HasPermission(ctx context.Context, p Principal, projectID, permission string) (bool, error) {
	var count int64
	err := g.orm.WithContext(ctx).Model(&models.ProjectGrant{}).
		Where("principal = ? AND permission = ? AND project_id IN ?", p.ID, permission, []string{projectID, "*"}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check grants: %w", err)
	}
	return count > 0, nil
}

// Grant gives principal permission on projectID. Granting twice is a no-op.
func Grant(ctx context.Context, orm *gorm.DB, principal, projectID, permission string) error {
	if principal == "" || projectID == "" || permission == "" {
		return errors.New("principal, project and permission are required")
	}
	row := models.ProjectGrant{Principal: principal, ProjectID: projectID, Permission: permission}
	return orm.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

var (
	_ Authenticator     = (*TokenAuthenticator)(nil)
	_ PermissionChecker = (*GrantChecker)(nil)
)
