package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/testutil"
	"github.com/xtrntr/campusmarket/internal/users"
)

const testSecret = "test-secret"

var testDB *db.DB

func TestMain(m *testing.M) {
	testDB = testutil.MainDB("test_auth")
	code := m.Run()
	if testDB != nil {
		testDB.Close(context.Background())
	}
	os.Exit(code)
}

func newService() *AuthService {
	return NewAuthService(users.NewDirectory(testDB), testSecret, time.Hour)
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{name: "Success", username: "alice", password: "password123"},
		{name: "EmptyUsername", username: "", password: "password123", wantErr: errs.ErrValidation},
		{name: "EmptyPassword", username: "bob", password: "", wantErr: errs.ErrValidation},
		{name: "DuplicateUsername", username: "alice", password: "newpass", wantErr: errs.ErrConflict},
		{name: "LongUsername", username: strings.Repeat("a", 1000), password: "password123", wantErr: errs.ErrValidation},
		{name: "LongPassword", username: "carol", password: strings.Repeat("p", 100), wantErr: errs.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.RequireDB(t, testDB)
			ctx := context.Background()
			s := newService()
			if tt.name == "DuplicateUsername" {
				_, err := s.Register(ctx, "alice", "password123", models.RoleUser, true)
				require.NoError(t, err)
			}

			user, err := s.Register(ctx, tt.username, tt.password, models.RoleUser, true)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.username, user.Username)
			assert.Equal(t, models.InitialCredit, user.Credit)

			var storedHash string
			err = testDB.Pool.QueryRow(ctx, "SELECT password_hash FROM users WHERE username = $1", tt.username).Scan(&storedHash)
			require.NoError(t, err)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(tt.password)))
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	testutil.RequireDB(t, testDB)
	ctx := context.Background()
	s := newService()
	admin, err := s.Register(ctx, "alice", "password123", models.RoleAdmin, true)
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{name: "Success", username: "alice", password: "password123"},
		{name: "WrongPassword", username: "alice", password: "wrongpass", wantErr: ErrInvalidCredentials},
		{name: "NonExistentUser", username: "bob", password: "password123", wantErr: ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Login(ctx, tt.username, tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			claims, err := s.ParseToken(token)
			require.NoError(t, err)
			assert.Equal(t, admin.ID, claims.UserID)
			assert.Equal(t, models.RoleAdmin, claims.Role)
			assert.Equal(t, "alice", claims.Username)
		})
	}
}

func TestAuthService_ParseToken(t *testing.T) {
	s := NewAuthService(nil, testSecret, time.Hour)
	valid, err := s.Issue(&models.User{ID: 7, Username: "alice", Role: models.RoleUser})
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	expiredStr, _ := expired.SignedString([]byte(testSecret))
	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: 7}).SignedString([]byte("wrong-key"))
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 7}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Username: "ghost"}).SignedString([]byte(testSecret))

	tests := []struct {
		name         string
		token        string
		expectUserID int64
		expectError  bool
	}{
		{name: "Success", token: valid, expectUserID: 7},
		{name: "ExpiredToken", token: expiredStr, expectError: true},
		{name: "InvalidSignature", token: wrongKey, expectError: true},
		{name: "NoneAlgorithm", token: noneAlg, expectError: true},
		{name: "MissingUser", token: noUser, expectError: true},
		{name: "EmptyToken", token: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := s.ParseToken(tt.token)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectUserID, claims.UserID)
		})
	}
}
