package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/newtonhq/marketplace/internal/db"
	"github.com/newtonhq/marketplace/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// CreditGranter provisions an opening balance for a new account. The
// in-memory ledger implements it; against a production ledger this is the
// provisioning API.
type CreditGranter interface {
	Credit(ownerID string, amount int64)
}

// AuthService handles account registration and authentication
type AuthService struct {
	DB           *db.DB
	granter      CreditGranter
	secret       []byte
	tokenTTL     time.Duration
	signupCredit int64
}

// NewAuthService creates a new auth service
func NewAuthService(db *db.DB, granter CreditGranter, secret string, tokenTTL time.Duration, signupCredit int64) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthService{
		DB:           db,
		granter:      granter,
		secret:       []byte(secret),
		tokenTTL:     tokenTTL,
		signupCredit: signupCredit,
	}
}

// Register creates a new account with hashed password and grants the
// configured opening credit balance on the ledger.
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.Account, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	account, err := s.DB.CreateAccount(ctx, uuid.NewString(), username, string(hashedPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	if s.granter != nil && s.signupCredit > 0 {
		s.granter.Credit(account.ID, s.signupCredit)
	}
	return account, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	account, err := s.DB.GetAccountByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": account.ID,
		"username":   account.Username,
		"exp":        time.Now().Add(s.tokenTTL).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetAccountFromToken extracts the account ID from a JWT
func (s *AuthService) GetAccountFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		accountID, ok := claims["account_id"].(string)
		if !ok || accountID == "" {
			return "", fmt.Errorf("token missing account_id claim")
		}
		return accountID, nil
	}
	return "", fmt.Errorf("invalid token")
}
