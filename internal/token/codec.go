package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalid is the single outward verdict; the wrapped variants exist for logs.
	ErrInvalid   = errors.New("download token invalid")
	ErrMalformed = fmt.Errorf("%w: malformed", ErrInvalid)
	ErrExpired   = fmt.Errorf("%w: expired", ErrInvalid)
	ErrTampered  = fmt.Errorf("%w: signature mismatch", ErrInvalid)
)

// Claims identify exactly one generated file.
type Claims struct {
	File      string
	ExportID  string
	ExpiresAt time.Time
}

type downloadClaims struct {
	File     string `json:"file"`
	ExportID string `json:"export_id"`
	jwt.RegisteredClaims
}

// Codec mints and verifies HS256-signed download tokens.
type Codec struct {
	secret []byte
	now    func() time.Time
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret), now: time.Now}
}

// WithClock returns a copy of the codec reading time from clock.
func (c *Codec) WithClock(clock func() time.Time) *Codec {
	cc := *c
	cc.now = clock
	return &cc
}

// Encode signs {file, exportID} with an absolute expiry of now+ttl, truncated to the second.
func (c *Codec) Encode(file, exportID string, ttl time.Duration) (string, time.Time, error) {
	if file == "" || exportID == "" {
		return "", time.Time{}, errors.New("token needs a file and an export id")
	}
	expires := c.now().Add(ttl).Truncate(time.Second)
	claims := downloadClaims{
		File:     file,
		ExportID: exportID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download token: %w", err)
	}
	return signed, expires, nil
}

// Decode verifies signature and expiry. Any failure wraps ErrInvalid.
func (c *Codec) Decode(raw string) (Claims, error) {
	var claims downloadClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Claims{}, ErrTampered
	default:
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.File == "" || claims.ExportID == "" {
		return Claims{}, ErrMalformed
	}
	return Claims{File: claims.File, ExportID: claims.ExportID, ExpiresAt: claims.ExpiresAt.Time}, nil
}
