package jwttoken

import (
	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/middleware"
)

// JWTServiceAdapter narrows JWTService to the middleware's validator
// interface.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*middleware.Claims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &middleware.Claims{
		Address: claims.Address,
		Role:    claims.Role,
	}, nil
}
