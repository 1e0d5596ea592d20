package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// Claims represents the JWT claims for dashboard session tokens. A session is
// bound to a role and, for institution and holder roles, a ledger address.
type Claims struct {
	Address string `json:"address,omitempty"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// JWTService handles token creation and validation.
type JWTService struct {
	signingKey []byte
	issuer     string
}

func NewJWTService(signingKey, issuer string) *JWTService {
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
	}
}

// GenerateAccessToken mints a session token for the given role. Address is
// normalized and required for non-admin roles.
func (s *JWTService) GenerateAccessToken(role models.Role, address string, expiresIn time.Duration) (string, error) {
	if role != models.RoleAdmin {
		normalized, err := models.NormalizeAddress(address)
		if err != nil {
			return "", err
		}
		address = normalized
	}
	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Address: address,
		Role:    string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})

	signedToken, err := newToken.SignedString(s.signingKey)
	if err != nil {
		return "", err
	}
	return signedToken, nil
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}

	switch models.Role(claims.Role) {
	case models.RoleAdmin, models.RoleInstitution, models.RoleHolder:
	default:
		return nil, dErrors.New(dErrors.CodeUnauthorized, "unknown role claim")
	}

	return claims, nil
}
