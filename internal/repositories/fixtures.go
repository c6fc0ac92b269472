package repositories

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/vidfriends/client/internal/models"
)

// PasswordCost is the bcrypt cost used when fixtures carry plain-text passwords.
var PasswordCost = bcrypt.DefaultCost

// Fixtures is the YAML document the dev server seeds itself from.
type Fixtures struct {
	Users []FixtureUser `yaml:"users"`
}

// FixtureUser is one seeded account. Password is hashed on load unless PasswordHash is
// already present.
type FixtureUser struct {
	ID           string               `yaml:"id"`
	Email        string               `yaml:"email"`
	DisplayName  string               `yaml:"displayName"`
	Password     string               `yaml:"password"`
	PasswordHash string               `yaml:"passwordHash"`
	Subscription *FixtureSubscription `yaml:"subscription"`
}

// FixtureSubscription sets a user's entitlement. ExpiresIn is relative to load time and
// wins over ExpiresAt. Neither set means open-ended.
type FixtureSubscription struct {
	Active    bool   `yaml:"active"`
	ExpiresIn string `yaml:"expiresIn"`
	ExpiresAt string `yaml:"expiresAt"`
}

// ReadFixtures parses a fixtures document.
func ReadFixtures(r io.Reader) (Fixtures, error) {
	var fx Fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
		return Fixtures{}, fmt.Errorf("decode fixtures: %w", err)
	}
	return fx, nil
}

// LoadFixturesFile reads path and seeds users and subs with it.
func LoadFixturesFile(ctx context.Context, path string, users UserRepository, subs SubscriptionRepository, now time.Time) (Fixtures, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fixtures{}, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()

	fx, err := ReadFixtures(f)
	if err != nil {
		return Fixtures{}, err
	}
	return fx, fx.Apply(ctx, users, subs, now)
}

// Apply creates every fixture user and their subscription.
func (fx Fixtures) Apply(ctx context.Context, users UserRepository, subs SubscriptionRepository, now time.Time) error {
	for i, u := range fx.Users {
		if strings.TrimSpace(u.ID) == "" || strings.TrimSpace(u.Email) == "" {
			return fmt.Errorf("fixture user %d: id and email are required", i)
		}

		hash := u.PasswordHash
		if hash == "" {
			if u.Password == "" {
				return fmt.Errorf("fixture user %s: password or passwordHash is required", u.ID)
			}
			hashed, err := bcrypt.GenerateFromPassword([]byte(u.Password), PasswordCost)
			if err != nil {
				return fmt.Errorf("hash password for %s: %w", u.ID, err)
			}
			hash = string(hashed)
		}

		account := Account{
			User:         models.User{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName},
			PasswordHash: hash,
		}
		if err := users.Create(ctx, account); err != nil {
			return fmt.Errorf("create fixture user %s: %w", u.ID, err)
		}

		if u.Subscription == nil {
			continue
		}
		ent, err := u.Subscription.entitlement(now)
		if err != nil {
			return fmt.Errorf("fixture user %s: %w", u.ID, err)
		}
		if err := subs.Set(ctx, u.ID, ent); err != nil {
			return fmt.Errorf("set subscription for %s: %w", u.ID, err)
		}
	}
	return nil
}

func (s FixtureSubscription) entitlement(now time.Time) (models.Entitlement, error) {
	ent := models.Entitlement{Active: s.Active}
	switch {
	case s.ExpiresIn != "":
		d, err := time.ParseDuration(s.ExpiresIn)
		if err != nil {
			return models.Entitlement{}, fmt.Errorf("parse expiresIn: %w", err)
		}
		at := now.Add(d).UTC()
		ent.ExpiresAt = &at
	case s.ExpiresAt != "":
		at, err := time.Parse(time.RFC3339, s.ExpiresAt)
		if err != nil {
			return models.Entitlement{}, fmt.Errorf("parse expiresAt: %w", err)
		}
		at = at.UTC()
		ent.ExpiresAt = &at
	}
	return ent, nil
}
