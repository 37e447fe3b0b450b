package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is the content of SEED_FILE: clients and users created at startup
// when they do not exist yet.
type Seed struct {
	Clients []SeedClient `yaml:"clients"`
	Users   []SeedUser   `yaml:"users"`
}

// SeedClient is a pre-registered OAuth client. Secret is the plain-text
// client secret and is hashed before storage; SecretHash may be given
// instead.
type SeedClient struct {
	ID                      string   `yaml:"client_id"`
	Name                    string   `yaml:"client_name"`
	Type                    string   `yaml:"client_type"`
	TokenEndpointAuthMethod string   `yaml:"token_endpoint_auth_method"`
	RedirectURIs            []string `yaml:"redirect_uris"`
	GrantTypes              []string `yaml:"grant_types"`
	Secret                  string   `yaml:"client_secret"`
	SecretHash              string   `yaml:"secret_hash"`
}

// SeedUser is a pre-created resource owner. PasswordHash must be bcrypt.
type SeedUser struct {
	ID            string `yaml:"id"`
	Email         string `yaml:"email"`
	EmailVerified bool   `yaml:"email_verified"`
	PasswordHash  string `yaml:"password_hash"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("validating seed file: %w", err)
	}

	return &seed, nil
}

func (s *Seed) validate() error {
	seen := make(map[string]struct{})

	for i, c := range s.Clients {
		if c.ID == "" {
			return fmt.Errorf("client %d: client_id is required", i+1)
		}

		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("duplicate client_id %q", c.ID)
		}

		seen[c.ID] = struct{}{}

		if len(c.RedirectURIs) == 0 {
			return fmt.Errorf("client %q: at least one redirect_uri is required", c.ID)
		}

		switch c.Type {
		case "public":
			if c.Secret != "" || c.SecretHash != "" {
				return fmt.Errorf("client %q: public clients must not have a secret", c.ID)
			}
		case "confidential":
			if c.Secret == "" && c.SecretHash == "" {
				return fmt.Errorf("client %q: confidential clients need client_secret or secret_hash", c.ID)
			}
		default:
			return fmt.Errorf("client %q: client_type must be public or confidential", c.ID)
		}
	}

	users := make(map[string]struct{})

	for i, u := range s.Users {
		if u.ID == "" || u.Email == "" {
			return fmt.Errorf("user %d: id and email are required", i+1)
		}

		if _, dup := users[u.ID]; dup {
			return fmt.Errorf("duplicate user id %q", u.ID)
		}

		users[u.ID] = struct{}{}
	}

	return nil
}
