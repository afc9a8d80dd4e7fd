package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewIssuer_WeakSecret(t *testing.T) {
	if _, err := NewIssuer("short", time.Hour); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewIssuer() error = %v, want ErrWeakSecret", err)
	}
}

func TestIssueVerify(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	token, err := iss.Issue("user-1", "ann@example.com")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	claims, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "ann@example.com" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerify_Rejects(t *testing.T) {
	iss, _ := NewIssuer(testSecret, time.Hour)
	other, _ := NewIssuer(strings.Repeat("x", 32), time.Hour)

	expired, _ := NewIssuer(testSecret, time.Minute)
	expired.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	old, _ := expired.Issue("user-1", "")
	foreign, _ := other.Issue("user-1", "")

	for name, token := range map[string]string{
		"empty":   "",
		"garbage": "not.a.token",
		"expired": old,
		"foreign": foreign,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := iss.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("s3cret!", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword() failed: %v", err)
	}
	if err := CheckPassword(hash, "s3cret!"); err != nil {
		t.Errorf("CheckPassword() with right password: %v", err)
	}
	if err := CheckPassword(hash, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("CheckPassword() error = %v, want ErrInvalidCredentials", err)
	}
}
